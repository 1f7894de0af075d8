package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const sampleYAML = `
logging:
  level: debug
  console: true
store:
  driver: sqlite
  dsn: ./data/items.db
  busy_timeout: 5s
tick:
  enabled: true
  spec: "@every 30s"
engine:
  workers: 8
  batch_limit: 200
  staleness_bound: 24h
  lock_ttl: 2m
  retry:
    base: 30s
    multiplier: 2
    cap: 1h
    max_attempts: 5
    jitter: 0.2
platforms:
  telegram:
    max_concurrent: 2
    quota: 20
    window: 1m
    per_user_quota: 5
credentials:
  telegram:
    token_env: TELEGRAM_BOT_TOKEN
`

func TestParseYAML(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", sampleYAML))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging %+v", cfg.Logging)
	}
	if cfg.Store.Driver != "sqlite" {
		t.Fatalf("store %+v", cfg.Store)
	}
	if !cfg.Tick.Enabled || cfg.Tick.Spec != "@every 30s" {
		t.Fatalf("tick %+v", cfg.Tick)
	}
	if cfg.Engine.Workers != 8 || cfg.Engine.Retry.MaxAttempts != 5 {
		t.Fatalf("engine %+v", cfg.Engine)
	}

	p, ok := cfg.Platforms["telegram"]
	if !ok || p.Quota != 20 || p.Window != "1m" || p.PerUserQuota != 5 {
		t.Fatalf("platforms %+v", cfg.Platforms)
	}
	c, ok := cfg.Credentials["telegram"]
	if !ok || c.TokenEnv != "TELEGRAM_BOT_TOKEN" {
		t.Fatalf("credentials %+v", cfg.Credentials)
	}
}

func TestParseJSON(t *testing.T) {
	m := NewManager(writeConfig(t, "config.json",
		`{"logging":{"level":"info"},"store":{"driver":"postgres","dsn":"postgres://x"},"tick":{"enabled":false},"engine":{}}`))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Store.Driver != "postgres" {
		t.Fatalf("store %+v", cfg.Store)
	}
}

func TestParseSniffsFormatForOddExtension(t *testing.T) {
	// JSON content under a non-.json name must still parse via the content
	// sniff; yaml content likewise.
	m := NewManager(writeConfig(t, "config.conf",
		`{"logging":{"level":"warn"},"store":{},"tick":{},"engine":{}}`))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse json-in-.conf: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("logging %+v", cfg.Logging)
	}

	m = NewManager(writeConfig(t, "config.conf", "logging:\n  level: error\n"))
	cfg, err = m.Parse()
	if err != nil {
		t.Fatalf("Parse yaml-in-.conf: %v", err)
	}
	if cfg.Logging.Level != "error" {
		t.Fatalf("logging %+v", cfg.Logging)
	}
}

func TestParseRejectsUnknownTopLevelField(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", "loging:\n  level: debug\n"))
	if _, err := m.Parse(); err == nil {
		t.Fatal("typo in top-level key accepted")
	}
}

func TestParseRejectsUnknownPlatformField(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml",
		"platforms:\n  telegram:\n    max_concurrency: 2\n"))
	_, err := m.Parse()
	if err == nil {
		t.Fatal("typo in platform limit key accepted")
	}
	if !strings.Contains(err.Error(), "max_concurrency") {
		t.Fatalf("error does not name the bad field: %v", err)
	}
}

func TestLoadCommitsAndGet(t *testing.T) {
	m := NewManager(writeConfig(t, "config.yaml", sampleYAML))
	if m.Get() != nil {
		t.Fatal("Get before Load should be nil")
	}
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("x", "90s"); err != nil || d != 90*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative duration accepted")
	}
	if _, err := ParseDurationField("engine.lock_ttl", "soon"); err == nil {
		t.Fatal("garbage duration accepted")
	} else if !strings.Contains(err.Error(), "engine.lock_ttl") {
		t.Fatalf("error does not carry the field path: %v", err)
	}
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default: got %v, %v", d, err)
	}
}
