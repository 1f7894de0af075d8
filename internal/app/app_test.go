package app

import (
	"testing"
	"time"

	"postengine/internal/config"
	"postengine/internal/platform"
	"postengine/internal/platform/telegram"
	"postengine/internal/platform/webhook"
	"postengine/pkg/logx"
)

func TestResolveConnectionsEnvIndirection(t *testing.T) {
	t.Setenv("TEST_TG_TOKEN", "from-env")

	conns, err := resolveConnections(map[string]config.CredentialConfig{
		"telegram": {Token: "inline-ignored", TokenEnv: "TEST_TG_TOKEN"},
		"webhook":  {Secret: "inline", BaseURL: "https://example.com/hook"},
	})
	if err != nil {
		t.Fatalf("resolveConnections: %v", err)
	}

	tg, ok, _ := conns.Connection(nil, "u1", "telegram")
	if !ok || tg.Token != "from-env" {
		t.Fatalf("telegram conn %+v, want env value", tg)
	}
	wh, ok, _ := conns.Connection(nil, "u1", "webhook")
	if !ok || wh.Secret != "inline" || wh.BaseURL != "https://example.com/hook" {
		t.Fatalf("webhook conn %+v", wh)
	}
}

func TestResolveConnectionsMissingEnv(t *testing.T) {
	_, err := resolveConnections(map[string]config.CredentialConfig{
		"telegram": {TokenEnv: "DEFINITELY_NOT_SET_12345"},
	})
	if err == nil {
		t.Fatal("missing env var accepted")
	}
}

func TestMapEngineSettingsMergesLimits(t *testing.T) {
	reg := platform.NewRegistry(telegram.New(logx.Nop()), webhook.New(logx.Nop()))
	cfg := &config.Config{
		Engine: config.EngineConfig{
			Workers:        4,
			StalenessBound: "12h",
			LockTTL:        "90s",
			Retry:          config.RetryConfig{Base: "10s", MaxAttempts: 3},
		},
		Platforms: map[string]config.PlatformConfig{
			"telegram": {Quota: 99, Window: "30s"},
		},
	}

	set, err := mapEngineSettings(cfg, reg)
	if err != nil {
		t.Fatalf("mapEngineSettings: %v", err)
	}
	if set.Staleness != 12*time.Hour || set.LockTTL != 90*time.Second {
		t.Fatalf("durations %v %v", set.Staleness, set.LockTTL)
	}
	if set.Retry.Base != 10*time.Second || set.Retry.MaxAttempts != 3 {
		t.Fatalf("retry %+v", set.Retry)
	}

	tg := set.Limits["telegram"]
	if tg.Quota != 99 || tg.Window != 30*time.Second {
		t.Fatalf("telegram limits not overridden: %+v", tg)
	}
	// Fields the config omits keep adapter defaults.
	def := telegram.New(logx.Nop()).Defaults()
	if tg.MaxConcurrent != def.MaxConcurrent || tg.PerUserQuota != def.PerUserQuota {
		t.Fatalf("defaults lost: %+v vs %+v", tg, def)
	}
	// Unconfigured adapters appear with pure defaults.
	if set.Limits["webhook"] != webhook.New(logx.Nop()).Defaults() {
		t.Fatalf("webhook limits %+v", set.Limits["webhook"])
	}
}

func TestMapEngineSettingsStalenessZeroDisables(t *testing.T) {
	reg := platform.NewRegistry(telegram.New(logx.Nop()))

	// Absent: engine default applies.
	set, err := mapEngineSettings(&config.Config{}, reg)
	if err != nil {
		t.Fatalf("mapEngineSettings: %v", err)
	}
	if set.Staleness != 24*time.Hour {
		t.Fatalf("default staleness %v, want 24h", set.Staleness)
	}

	// Explicit "0s": expiration off, not the default.
	set, err = mapEngineSettings(&config.Config{
		Engine: config.EngineConfig{StalenessBound: "0s"},
	}, reg)
	if err != nil {
		t.Fatalf("mapEngineSettings: %v", err)
	}
	if set.Staleness != 0 {
		t.Fatalf("explicit 0s became %v", set.Staleness)
	}
}

func TestMapEngineSettingsRejectsUnknownPlatform(t *testing.T) {
	reg := platform.NewRegistry(telegram.New(logx.Nop()))
	cfg := &config.Config{
		Platforms: map[string]config.PlatformConfig{"myspace": {Quota: 1}},
	}
	if _, err := mapEngineSettings(cfg, reg); err == nil {
		t.Fatal("unknown platform accepted")
	}
}
