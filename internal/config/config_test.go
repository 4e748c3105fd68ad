package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "offline.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("server.port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Cache.Provider != "sqlite" {
		t.Errorf("cache.provider = %s, want sqlite", cfg.Cache.Provider)
	}
	if cfg.Worker.OfflinePage != "/offline.html" {
		t.Errorf("worker.offline_page = %s", cfg.Worker.OfflinePage)
	}
	if cfg.Origin.Timeout != 30*time.Second {
		t.Errorf("origin.timeout = %v", cfg.Origin.Timeout)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
origin:
  url: https://app.example.com
  timeout: 5s
cache:
  provider: badger
  path: /tmp/buckets
worker:
  dev_hosts:
    - dev.local
  api_prefixes:
    - /api/
    - /graphql/
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("server.port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Origin.URL != "https://app.example.com" || cfg.Origin.Timeout != 5*time.Second {
		t.Errorf("origin = %+v", cfg.Origin)
	}
	if cfg.Cache.Provider != "badger" {
		t.Errorf("cache.provider = %s", cfg.Cache.Provider)
	}
	if len(cfg.Worker.DevHosts) != 1 || cfg.Worker.DevHosts[0] != "dev.local" {
		t.Errorf("worker.dev_hosts = %v", cfg.Worker.DevHosts)
	}
	if len(cfg.Worker.APIPrefixes) != 2 {
		t.Errorf("worker.api_prefixes = %v", cfg.Worker.APIPrefixes)
	}
	// untouched values keep their defaults
	if cfg.Logging.Level != "info" {
		t.Errorf("logging.level = %s", cfg.Logging.Level)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\n")
	t.Setenv("OFFLINE_SERVER_PORT", "7070")
	t.Setenv("OFFLINE_ORIGIN_URL", "http://localhost:3000")
	t.Setenv("OFFLINE_WORKER_DEV_HOSTS", "a.local, b.local")
	t.Setenv("OFFLINE_LOGGING_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("server.port = %d, want 7070", cfg.Server.Port)
	}
	if cfg.Origin.URL != "http://localhost:3000" {
		t.Errorf("origin.url = %s", cfg.Origin.URL)
	}
	if len(cfg.Worker.DevHosts) != 2 || cfg.Worker.DevHosts[1] != "b.local" {
		t.Errorf("worker.dev_hosts = %v", cfg.Worker.DevHosts)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %s", cfg.Logging.Level)
	}
}

func TestLoadPathFromEnv(t *testing.T) {
	path := writeConfig(t, "store:\n  path: records.db\n")
	t.Setenv(ConfigPathEnvVar, path)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Store.Path != "records.db" {
		t.Errorf("store.path = %s", cfg.Store.Path)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown provider", "cache:\n  provider: etcd\n"},
		{"port out of range", "server:\n  port: 70000\n"},
		{"relative offline page", "worker:\n  offline_page: offline.html\n"},
		{"redis without address", "cache:\n  provider: redis\n"},
		{"bad log level", "logging:\n  level: loud\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
