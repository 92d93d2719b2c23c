package runtime

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 64

// keyedMutex serializes work per key using a fixed set of striped mutexes.
// Distinct keys may share a stripe; the same key always maps to one.
type keyedMutex struct {
	stripes [lockStripes]sync.Mutex
}

func (k *keyedMutex) stripe(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &k.stripes[h.Sum32()%lockStripes]
}

func (k *keyedMutex) Lock(key string) {
	k.stripe(key).Lock()
}

func (k *keyedMutex) Unlock(key string) {
	k.stripe(key).Unlock()
}
