// Package config loads the gateway configuration: a YAML file with
// ${VAR:default} substitution, struct-tag defaults, FLOWGATE_* environment
// overrides and validation, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	httpmod "github.com/BDNK1/flowgate/plugins/http"
	"github.com/BDNK1/flowgate/plugins/sqldb"
	"github.com/BDNK1/flowgate/runtime"
	"github.com/BDNK1/flowgate/runtime/kv"
	"github.com/BDNK1/flowgate/runtime/router"
	"github.com/BDNK1/flowgate/runtime/telemetry"
)

const EnvPrefix = "FLOWGATE_"

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

type Config struct {
	Server       ServerConfig     `yaml:"server"`
	Log          LogConfig        `yaml:"log"`
	Store        StoreConfig      `yaml:"store"`
	Router       router.Config    `yaml:"router"`
	Executor     ExecutorConfig   `yaml:"executor"`
	Health       HealthConfig     `yaml:"health"`
	Telemetry    telemetry.Config `yaml:"telemetry"`
	WorkflowsDir string           `yaml:"workflows_dir"`
	Modules      []ModuleConfig   `yaml:"modules" validate:"dive"`
	Plugins      PluginsConfig    `yaml:"plugins"`
}

type ServerConfig struct {
	Host            string        `yaml:"host" default:"0.0.0.0"`
	Port            int           `yaml:"port" default:"8000" validate:"gte=1,lte=65535"`
	Mode            string        `yaml:"mode" default:"release" validate:"oneof=debug release test"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s" validate:"gte=0s"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LogConfig struct {
	Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" default:"text" validate:"oneof=text json"`
}

type StoreConfig struct {
	Driver string `yaml:"driver" default:"sqlite" validate:"oneof=memory sqlite redis"`
	Path   string `yaml:"path" default:"data/flowgate.db"`
	// CacheSize of zero disables the read cache.
	CacheSize       int64          `yaml:"cache_size" default:"1000" validate:"gte=0"`
	CacheTTL        time.Duration  `yaml:"cache_ttl" default:"5m" validate:"gte=0s"`
	CleanupInterval time.Duration  `yaml:"cleanup_interval" default:"1m" validate:"gte=0s"`
	Redis           kv.RedisConfig `yaml:"redis"`
}

type ExecutorConfig struct {
	BackoffUnit      time.Duration `yaml:"backoff_unit" default:"1s" validate:"gte=0s"`
	MaxParallelSteps int           `yaml:"max_parallel_steps" default:"0" validate:"gte=0"`
	// ExecutionTimeout of zero lets executions run until they finish.
	ExecutionTimeout time.Duration `yaml:"execution_timeout" default:"0s" validate:"gte=0s"`
}

type HealthConfig struct {
	Interval time.Duration `yaml:"interval" default:"30s" validate:"gte=0s"`
}

// ModuleConfig declares an external module.
type ModuleConfig struct {
	Name                string `yaml:"name" validate:"required"`
	URL                 string `yaml:"url" validate:"required,url_format"`
	BasePath            string `yaml:"base_path"`
	HealthCheckEndpoint string `yaml:"health_check_endpoint"`
}

func (m ModuleConfig) Registration() router.Registration {
	return router.Registration{
		Name:                m.Name,
		BasePath:            m.BasePath,
		ServiceURL:          m.URL,
		HealthCheckEndpoint: m.HealthCheckEndpoint,
	}
}

// PluginsConfig configures the built-in modules. The sql module is only
// started when configured.
type PluginsConfig struct {
	HTTP httpmod.Config `yaml:"http"`
	SQL  *sqldb.Config  `yaml:"sql"`
}

// Load reads the file at path, which may be empty, and returns the final
// configuration.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %q: %w", path, err)
		}

		var doc yaml.Node
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
		}
		if err := expandEnv(&doc, lookup); err != nil {
			return nil, fmt.Errorf("config %q: %w", path, err)
		}
		if doc.Kind != 0 {
			if err := doc.Decode(cfg); err != nil {
				return nil, fmt.Errorf("failed to decode config %q: %w", path, err)
			}
		}
	}

	if err := runtime.ApplyDefaults(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply config defaults: %w", err)
	}

	if err := cfg.loadFromEnv(lookup); err != nil {
		return nil, err
	}

	if err := runtime.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromEnv applies FLOWGATE_* overrides.
func (c *Config) loadFromEnv(lookup func(string) (string, bool)) error {
	env := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		return v, ok && v != ""
	}

	texts := []struct {
		name   string
		target *string
	}{
		{"HOST", &c.Server.Host},
		{"LOG_LEVEL", &c.Log.Level},
		{"LOG_FORMAT", &c.Log.Format},
		{"STORE_DRIVER", &c.Store.Driver},
		{"DB_PATH", &c.Store.Path},
		{"REDIS_ADDR", &c.Store.Redis.Addr},
		{"REDIS_PASSWORD", &c.Store.Redis.Password},
		{"WORKFLOWS_DIR", &c.WorkflowsDir},
		{"OTLP_ENDPOINT", &c.Telemetry.Endpoint},
	}
	for _, s := range texts {
		if v, ok := env(s.name); ok {
			*s.target = v
		}
	}

	ints := []struct {
		name   string
		target *int
	}{
		{"PORT", &c.Server.Port},
		{"REDIS_DB", &c.Store.Redis.DB},
		{"MAX_PARALLEL_STEPS", &c.Executor.MaxParallelSteps},
	}
	for _, i := range ints {
		if v, ok := env(i.name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, i.name, err)
			}
			*i.target = n
		}
	}

	durations := []struct {
		name   string
		target *time.Duration
	}{
		{"EXECUTION_TIMEOUT", &c.Executor.ExecutionTimeout},
		{"BACKOFF_UNIT", &c.Executor.BackoffUnit},
		{"HEALTH_INTERVAL", &c.Health.Interval},
	}
	for _, d := range durations {
		if v, ok := env(d.name); ok {
			parsed, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, d.name, err)
			}
			*d.target = parsed
		}
	}
	return nil
}
