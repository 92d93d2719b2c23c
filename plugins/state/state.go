// Package state is the built-in "state" module. It gives workflow steps
// access to the gateway's key-value store.
package state

import (
	"context"
	"time"

	"github.com/BDNK1/flowgate/plugins/plugin"
	"github.com/BDNK1/flowgate/runtime"
	"github.com/BDNK1/flowgate/runtime/flowerr"
	"github.com/BDNK1/flowgate/runtime/router"
)

const Name = "state"

type KeyInput struct {
	Namespace string `json:"namespace" validate:"required"`
	Key       string `json:"key" validate:"required"`
}

type GetOutput struct {
	Key   string `json:"key"`
	Found bool   `json:"found"`
	Value any    `json:"value"`
}

type PutInput struct {
	Namespace string `json:"namespace" validate:"required"`
	Key       string `json:"key" validate:"required"`
	Value     any    `json:"value"`
	// TTL is in seconds; zero keeps the value forever.
	TTL int `json:"ttl" validate:"gte=0"`
}

type PutOutput struct {
	Key    string `json:"key"`
	Stored bool   `json:"stored"`
}

type DeleteOutput struct {
	Key     string `json:"key"`
	Deleted bool   `json:"deleted"`
}

type ListInput struct {
	Namespace string `json:"namespace" validate:"required"`
}

type ListOutput struct {
	Namespace string   `json:"namespace"`
	Keys      []string `json:"keys"`
}

// Module serves the store under /{namespace}/{key}. The workflows namespace
// is read only so steps cannot rewrite definitions.
type Module struct {
	kv runtime.KVStore
}

var _ plugin.Module = (*Module)(nil)

func New(kv runtime.KVStore) *Module {
	return &Module{kv: kv}
}

func (m *Module) Registration() router.Registration {
	handlers := router.NewHandlerSet().
		MustHandle("GET", "/{namespace}", plugin.Handler(m.List)).
		MustHandle("GET", "/{namespace}/{key}", plugin.Handler(m.Get)).
		MustHandle("PUT", "/{namespace}/{key}", plugin.Handler(m.Put)).
		MustHandle("DELETE", "/{namespace}/{key}", plugin.Handler(m.Delete))

	return router.Registration{Name: Name, Handlers: handlers}
}

func (m *Module) Get(ctx context.Context, in KeyInput) (GetOutput, error) {
	var v any
	found, err := m.kv.Get(ctx, in.Namespace, in.Key, &v)
	if err != nil {
		return GetOutput{}, err
	}
	return GetOutput{Key: in.Key, Found: found, Value: v}, nil
}

func (m *Module) Put(ctx context.Context, in PutInput) (PutOutput, error) {
	if err := writable(in.Namespace); err != nil {
		return PutOutput{}, err
	}
	ttl := time.Duration(in.TTL) * time.Second
	if err := m.kv.Set(ctx, in.Namespace, in.Key, in.Value, ttl); err != nil {
		return PutOutput{}, err
	}
	return PutOutput{Key: in.Key, Stored: true}, nil
}

func (m *Module) Delete(ctx context.Context, in KeyInput) (DeleteOutput, error) {
	if err := writable(in.Namespace); err != nil {
		return DeleteOutput{}, err
	}
	var existing any
	found, err := m.kv.Get(ctx, in.Namespace, in.Key, &existing)
	if err != nil {
		return DeleteOutput{}, err
	}
	if err := m.kv.Delete(ctx, in.Namespace, in.Key); err != nil {
		return DeleteOutput{}, err
	}
	return DeleteOutput{Key: in.Key, Deleted: found}, nil
}

func (m *Module) List(ctx context.Context, in ListInput) (ListOutput, error) {
	keys, err := m.kv.Keys(ctx, in.Namespace)
	if err != nil {
		return ListOutput{}, err
	}
	return ListOutput{Namespace: in.Namespace, Keys: keys}, nil
}

func writable(namespace string) error {
	if namespace == runtime.Namespace {
		return flowerr.Validation("namespace %s is read only", namespace)
	}
	return nil
}
