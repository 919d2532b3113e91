package telemetry

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "default is valid", modify: func(c *Config) {}},
		{name: "missing service name", modify: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad log level", modify: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad log format", modify: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "bad exporter", modify: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, wantErr: true},
		{name: "otlp without endpoint", modify: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
		}, wantErr: true},
		{name: "sampling out of range", modify: func(c *Config) { c.Tracing.SamplingRate = 1.5 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("expected no error, got: %v", err)
			}
		})
	}
}

func TestLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	logger.NewComponentLogger("appimage").WithField("run_id", "run-1").WithField("state_id", "obsidian").Info("state finished")

	out := buf.String()
	for _, want := range []string{`"component":"appimage"`, `"run_id":"run-1"`, `"state_id":"obsidian"`, "state finished"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected log output to contain %s, got %s", want, out)
		}
	}
}

func TestLoggerLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := newLoggerWithWriter(LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Errorf("expected info message to be filtered, got %s", buf.String())
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("expected warn message, got %s", buf.String())
	}
}

func TestLoggerContextRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	logger := newLoggerWithWriter(LoggingConfig{Level: "info", Format: "json"}, &buf)

	ctx := logger.WithContext(context.Background())
	if FromContext(ctx) != logger {
		t.Error("expected FromContext to return the stored logger")
	}
	if FromContext(context.Background()) == nil {
		t.Error("expected a default logger when none is stored")
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.RecordRunStarted()
	m.RecordState("appimage.installed", "true", true, time.Second)
	m.RecordCommand("makepkg", errors.New("boom"), time.Second)
	m.RecordDownload("https", 10, nil)
	if err := m.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")); err != nil {
		t.Fatalf("expected nil metrics to be a no-op, got: %v", err)
	}
}

func TestMetricsTextfile(t *testing.T) {
	cfg := DefaultConfig().Metrics
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordRunStarted()
	m.RecordState("aur.installed", "true", true, 2*time.Second)
	m.RecordCommand("yay", nil, time.Second)
	m.RecordDownload("froyo", 2048, nil)
	m.RecordRunCompleted("succeeded", 3*time.Second)

	path := filepath.Join(t.TempDir(), "archstate.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("failed to write textfile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read textfile: %v", err)
	}

	for _, want := range []string{
		"archstate_runs_started_total 1",
		`archstate_states_executed_total{function="aur.installed",result="true"} 1`,
		`archstate_state_changes_total{function="aur.installed"} 1`,
		`archstate_download_bytes_total{scheme="froyo"} 2048`,
	} {
		if !strings.Contains(string(data), want) {
			t.Errorf("expected textfile to contain %q", want)
		}
	}
}

func TestEventPublisherSync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 8})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByLevel(EventLevelWarning))

	_ = ep.PublishRunStarted("run-1", "site.yaml", false)
	_ = ep.PublishStateResult("run-1", "obsidian", "appimage.installed", "false", "download failed")
	_ = ep.PublishStateSkipped("run-1", "desktop", []string{"obsidian"})

	if len(got) != 2 {
		t.Fatalf("expected 2 events past the filter, got %d", len(got))
	}
	if got[0].Type != EventTypeStateFailed {
		t.Errorf("expected %s, got %s", EventTypeStateFailed, got[0].Type)
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Error("expected ID and timestamp to be filled in")
	}
	if got[1].Type != EventTypeStateSkipped {
		t.Errorf("expected %s, got %s", EventTypeStateSkipped, got[1].Type)
	}
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 16, EnableAsync: true})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}

	count := 0
	ep.Subscribe(func(e Event) { count++ }, FilterByRunID("run-2"))

	for i := 0; i < 5; i++ {
		_ = ep.PublishRunCompleted("run-2", "succeeded", time.Second)
	}
	_ = ep.PublishRunCompleted("run-other", "succeeded", time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	if count != 5 {
		t.Errorf("expected 5 delivered events, got %d", count)
	}
	if err := ep.PublishRunStarted("run-2", "x", false); err == nil {
		t.Error("expected publish after shutdown to fail")
	}
}

func TestStartOperationWithoutTelemetry(t *testing.T) {
	op := StartOperation(context.Background(), "fetch")
	if op.Ctx == nil || op.Logger == nil || op.Timer == nil {
		t.Fatal("expected a usable instrumented context")
	}
	op.End(errors.New("failed"))
}
