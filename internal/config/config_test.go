package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/kaizen.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kaizen.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "kaizen.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "kaizen.yaml")
	}
}

func TestLoad_DefaultsAndEnv(t *testing.T) {
	t.Setenv("KAIZEN_TEST_TOKEN", "secret-token")

	dir := t.TempDir()
	path := filepath.Join(dir, "kaizen.yaml")
	body := `
data_dir: /var/lib/kaizen
engine:
  epsilon:
    initial: 0.5
  weights:
    finance: 0.002
providers:
  homeassistant:
    url: http://ha.local:8123
    token: ${KAIZEN_TEST_TOKEN}
    entities:
      finance: sensor.net_worth
`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen.Port != 8484 {
		t.Errorf("Listen.Port = %d, want default 8484", cfg.Listen.Port)
	}
	if cfg.DataDir != "/var/lib/kaizen" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Engine.Epsilon.Initial != 0.5 {
		t.Errorf("Epsilon.Initial = %v, want 0.5", cfg.Engine.Epsilon.Initial)
	}
	if cfg.Engine.Epsilon.Min != 0.05 || cfg.Engine.Epsilon.Decay != 0.995 {
		t.Errorf("epsilon defaults not applied: %+v", cfg.Engine.Epsilon)
	}
	if cfg.Engine.Rest.Default != "15m" || cfg.Engine.ExecutionTimeout != "10m" {
		t.Errorf("duration defaults not applied: rest=%q timeout=%q",
			cfg.Engine.Rest.Default, cfg.Engine.ExecutionTimeout)
	}
	if cfg.Engine.FailureThreshold != 3 {
		t.Errorf("FailureThreshold = %d, want 3", cfg.Engine.FailureThreshold)
	}
	if cfg.Providers.HomeAssistant.Token != "secret-token" {
		t.Errorf("Token = %q, want env-expanded value", cfg.Providers.HomeAssistant.Token)
	}
	if !cfg.Providers.HomeAssistant.Configured() {
		t.Error("HomeAssistant.Configured() = false, want true")
	}
	if cfg.Backend.Kind != "claude" {
		t.Errorf("Backend.Kind = %q, want claude", cfg.Backend.Kind)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad_backend", "backend:\n  kind: carrier-pigeon\n", "backend.kind"},
		{"ollama_without_model", "backend:\n  kind: ollama\n", "backend.ollama.model"},
		{"epsilon_out_of_range", "engine:\n  epsilon:\n    initial: 1.5\n", "epsilon.initial"},
		{"min_above_initial", "engine:\n  epsilon:\n    initial: 0.1\n    min: 0.2\n", "epsilon.min"},
		{"mqtt_without_broker", "mqtt:\n  enabled: true\n", "mqtt.broker"},
		{"bad_log_level", "log_level: loud\n", "unknown log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "kaizen.yaml")
			os.WriteFile(path, []byte(tt.body), 0600)

			_, err := Load(path)
			if err == nil {
				t.Fatal("Load should fail")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{" DEBUG ", slog.LevelDebug, false},
		{"trace", LevelTrace, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_TraceRendering(t *testing.T) {
	var buf strings.Builder
	logger, err := NewLogger(&buf, "trace", "text")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Log(context.Background(), LevelTrace, "raw prompt")
	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("output %q should render TRACE level", buf.String())
	}
}

func TestLoad_ResolvesPaths(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	dir := t.TempDir()
	path := filepath.Join(dir, "kaizen.yaml")
	body := `
data_dir: ~/kaizen-data
paths:
  vault: /srv/finance
providers:
  file:
    path: vault:metrics.yaml
activity:
  watch_dirs:
    - vault:inbox
    - /tmp/drop
backend:
  claude:
    work_dir: "vault:"
`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if want := filepath.Join(home, "kaizen-data"); cfg.DataDir != want {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, want)
	}
	if want := filepath.Join("/srv/finance", "metrics.yaml"); cfg.Providers.File.Path != want {
		t.Errorf("Providers.File.Path = %q, want %q", cfg.Providers.File.Path, want)
	}
	if cfg.Backend.Claude.WorkDir != "/srv/finance" {
		t.Errorf("Claude.WorkDir = %q, want /srv/finance", cfg.Backend.Claude.WorkDir)
	}
	wantDirs := []string{filepath.Join("/srv/finance", "inbox"), "/tmp/drop"}
	if len(cfg.Activity.WatchDirs) != 2 || cfg.Activity.WatchDirs[0] != wantDirs[0] || cfg.Activity.WatchDirs[1] != wantDirs[1] {
		t.Errorf("WatchDirs = %v, want %v", cfg.Activity.WatchDirs, wantDirs)
	}
}
