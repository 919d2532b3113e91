package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
pacman:
  nonroot_builder: builder
file_roots: [/srv/archstate, /srv/shared]
cache_dir: /tmp/archstate-cache
test: true
s3:
  endpoint: http://127.0.0.1:9000
  access_key_id: minio
  secret_access_key: minio123
runner:
  sudo: true
  command_timeout: 90m
telemetry:
  log_level: debug
  metrics:
    textfile: /var/lib/node_exporter/archstate.prom
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.BuildUser() != "builder" {
		t.Errorf("expected build user builder, got %q", cfg.BuildUser())
	}
	if len(cfg.FileRoots) != 2 || cfg.FileRoots[1] != "/srv/shared" {
		t.Errorf("unexpected file roots %v", cfg.FileRoots)
	}
	if !cfg.Test {
		t.Error("expected test mode")
	}
	if cfg.S3.Region != "auto" {
		t.Errorf("expected default region auto, got %q", cfg.S3.Region)
	}
	if cfg.Store.Path != "/var/lib/archstate/state.db" {
		t.Errorf("expected default store path, got %q", cfg.Store.Path)
	}
	if cfg.Runner.CommandTimeout != 90*time.Minute || cfg.Runner.RemoteDir != "/tmp" || !cfg.Runner.Sudo {
		t.Errorf("unexpected runner config %+v", cfg.Runner)
	}

	tc := cfg.TelemetryConfig("1.0.0")
	if tc.ServiceVersion != "1.0.0" || tc.Logging.Level != "debug" {
		t.Errorf("unexpected telemetry config %+v", tc.Logging)
	}
	if !tc.Metrics.Enabled || tc.Metrics.ListenAddress != "" || tc.Metrics.Textfile == "" {
		t.Errorf("expected textfile-only metrics, got %+v", tc.Metrics)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "bad yaml", content: "pacman: [", want: "failed to parse"},
		{name: "empty cache dir", content: "cache_dir: \"\"\n", want: "CacheDir"},
		{name: "empty file root", content: "file_roots: [\"\"]\n", want: "FileRoots"},
		{name: "bad log level", content: "telemetry:\n  log_level: loud\n", want: "LogLevel"},
		{name: "otlp without endpoint", content: "telemetry:\n  tracing:\n    exporter: otlp\n", want: "Endpoint"},
		{name: "secret without key", content: "s3:\n  access_key_id: minio\n", want: "SecretAccessKey"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %q", tt.want, err.Error())
			}
		})
	}
}

func TestLoad_Missing(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for explicit missing config")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config is invalid: %v", err)
	}
	if cfg.BuildUser() != "" {
		t.Errorf("expected no build user, got %q", cfg.BuildUser())
	}

	tc := cfg.TelemetryConfig("dev")
	if tc.Metrics.Enabled {
		t.Error("expected metrics disabled by default")
	}
	if tc.Tracing.Exporter != "none" {
		t.Errorf("expected exporter none, got %s", tc.Tracing.Exporter)
	}
}
