// Package config loads the worker configuration.
//
// Values are layered, later layers winning:
//  1. built-in defaults
//  2. an optional YAML file
//  3. environment variables prefixed with OFFLINE_, e.g. OFFLINE_SERVER_PORT -> server.port
//
// Command line flags are applied by the caller on top of the result.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	EnvPrefix = "OFFLINE_"
	// ConfigPathEnvVar names a YAML file to load when no path is given.
	ConfigPathEnvVar = "OFFLINE_CONFIG"
)

type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Origin  OriginConfig  `koanf:"origin"`
	Cache   CacheConfig   `koanf:"cache"`
	Store   StoreConfig   `koanf:"store"`
	Worker  WorkerConfig  `koanf:"worker"`
	Logging LoggingConfig `koanf:"logging"`
}

type ServerConfig struct {
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gte=0"`
	// Origins allowed to open the clients websocket and call the control routes. Empty allows all.
	AllowedOrigins []string `koanf:"allowed_origins"`
	// Event dispatches per client IP and minute. Zero disables the limit.
	EventRate int `koanf:"event_rate" validate:"gte=0"`
}

type OriginConfig struct {
	URL         string        `koanf:"url" validate:"omitempty,url"`
	Host        string        `koanf:"host" validate:"omitempty,hostname_rfc1123"`
	Timeout     time.Duration `koanf:"timeout" validate:"gte=0"`
	MaxFailures uint32        `koanf:"max_failures"`
	OpenTimeout time.Duration `koanf:"open_timeout" validate:"gte=0"`
}

type CacheConfig struct {
	Provider      string `koanf:"provider" validate:"oneof=sqlite memory badger redis"`
	Path          string `koanf:"path"`
	MemEntries    int    `koanf:"mem_entries" validate:"gte=0"`
	RedisAddr     string `koanf:"redis_addr" validate:"omitempty,hostname_port"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db" validate:"gte=0"`
}

type StoreConfig struct {
	// Empty keeps records in memory only.
	Path string `koanf:"path"`
}

type WorkerConfig struct {
	AppName           string        `koanf:"app_name"`
	DevHosts          []string      `koanf:"dev_hosts"`
	OfflinePage       string        `koanf:"offline_page" validate:"startswith=/"`
	Precache          []string      `koanf:"precache" validate:"dive,startswith=/"`
	StaticExtensions  []string      `koanf:"static_extensions" validate:"dive,startswith=."`
	APIPrefixes       []string      `koanf:"api_prefixes" validate:"dive,startswith=/"`
	RevalidateTimeout time.Duration `koanf:"revalidate_timeout" validate:"gte=0"`
}

type LoggingConfig struct {
	Level string `koanf:"level" validate:"oneof=trace debug info warn error"`
	File  string `koanf:"file"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
			EventRate:       60,
		},
		Origin: OriginConfig{
			Timeout:     30 * time.Second,
			MaxFailures: 5,
			OpenTimeout: 30 * time.Second,
		},
		Cache: CacheConfig{
			Provider: "sqlite",
			Path:     "offline-cache.db",
		},
		Store: StoreConfig{
			Path: "offline-records.db",
		},
		Worker: WorkerConfig{
			AppName:           "Offline",
			OfflinePage:       "/offline.html",
			RevalidateTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the configuration. An empty path falls back to $OFFLINE_CONFIG;
// without either only defaults and the environment are used.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(ConfigPathEnvVar)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// envTransformFunc maps OFFLINE_SECTION_SOME_KEY to section.some_key.
// The config file path itself is not a config key.
func envTransformFunc(key string) string {
	if key == ConfigPathEnvVar {
		return ""
	}
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	section, rest, found := strings.Cut(key, "_")
	if !found {
		return key
	}
	return section + "." + rest
}

// sliceConfigPaths are parsed as comma-separated lists when they come from the environment.
var sliceConfigPaths = []string{
	"server.allowed_origins",
	"worker.dev_hosts",
	"worker.precache",
	"worker.static_extensions",
	"worker.api_prefixes",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

var validate = validator.New()

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Cache.Provider == "redis" && c.Cache.RedisAddr == "" {
		return fmt.Errorf("cache.redis_addr is required for the redis provider")
	}
	return nil
}
