package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Store   StoreConfig   `json:"store"`

	// Tick controls trigger behavior (how often a publishing cycle runs).
	Tick TickConfig `json:"tick"`

	// Engine controls execution settings for a publishing cycle.
	Engine EngineConfig `json:"engine"`

	// Platforms maps adapter name -> throughput limits.
	// Platforms that are omitted fall back to adapter defaults.
	Platforms map[string]PlatformConfig `json:"platforms,omitempty"`

	// Credentials maps adapter name -> static credential material.
	// Values ending in _env name an environment variable to read at startup.
	Credentials map[string]CredentialConfig `json:"credentials,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StoreConfig controls the content store backend.
//
// Driver values:
//   - "sqlite": DSN is a database file path
//   - "postgres": DSN is a lib/pq connection string
type StoreConfig struct {
	Driver      string `json:"driver"`
	DSN         string `json:"dsn"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// TickConfig controls the tick driver.
//
// Spec accepts cron expressions ("*/1 * * * *"), descriptors ("@hourly"),
// or "@every <duration>". The driver guarantees at most one tick in flight.
type TickConfig struct {
	Enabled  bool   `json:"enabled"`
	Spec     string `json:"spec,omitempty"`     // default "@every 30s"
	Timezone string `json:"timezone,omitempty"` // IANA TZ for cron specs
}

// EngineConfig controls a publishing cycle.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 8
//   - batch_limit: 500
//   - staleness_bound: "24h"
//   - lock_ttl: "2m"
type EngineConfig struct {
	Workers    int `json:"workers,omitempty"`
	BatchLimit int `json:"batch_limit,omitempty"`

	// StalenessBound fails items whose scheduled instant is older than this
	// without attempting a publish. Use "0s" to disable expiration.
	StalenessBound string `json:"staleness_bound,omitempty"`

	// LockTTL bounds how long a crashed worker can hold an item before a
	// later tick may reclaim it.
	LockTTL string `json:"lock_ttl,omitempty"`

	Retry RetryConfig `json:"retry,omitempty"`
}

// RetryConfig controls backoff between publish attempts.
//
// Defaults: base "30s", multiplier 2, cap "1h", max_attempts 5, jitter 0.2.
type RetryConfig struct {
	Base        string  `json:"base,omitempty"`
	Multiplier  float64 `json:"multiplier,omitempty"`
	Cap         string  `json:"cap,omitempty"`
	MaxAttempts int     `json:"max_attempts,omitempty"`
	Jitter      float64 `json:"jitter,omitempty"` // 0.2 = ±20%
}

// PlatformConfig bounds one platform's throughput.
//
// Quota/Window is the rate budget (publishes per window); MaxConcurrent is
// the in-flight bound. They are independent: the concurrency bound protects
// local resources, the quota protects the platform-side budget.
type PlatformConfig struct {
	MaxConcurrent int    `json:"max_concurrent,omitempty"`
	Quota         int    `json:"quota,omitempty"`
	Window        string `json:"window,omitempty"` // Go duration string
	PerUserQuota  int    `json:"per_user_quota,omitempty"`
}

// CredentialConfig holds static credential material for one platform.
//
// Each value may be given inline or via *_env (environment variable name);
// the env form wins when both are set. Do not log resolved values.
type CredentialConfig struct {
	Token         string `json:"token,omitempty"`
	TokenEnv      string `json:"token_env,omitempty"`
	AccountSID    string `json:"account_sid,omitempty"`
	AccountSIDEnv string `json:"account_sid_env,omitempty"`
	Secret        string `json:"secret,omitempty"`
	SecretEnv     string `json:"secret_env,omitempty"`
	From          string `json:"from,omitempty"`
	FromEnv       string `json:"from_env,omitempty"`
	BaseURL       string `json:"base_url,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos in platform limit keys
// (e.g. "max_concurrency") are caught at load time instead of silently
// falling back to adapter defaults.
func (p *PlatformConfig) UnmarshalJSON(b []byte) error {
	type tmp struct {
		MaxConcurrent int    `json:"max_concurrent,omitempty"`
		Quota         int    `json:"quota,omitempty"`
		Window        string `json:"window,omitempty"`
		PerUserQuota  int    `json:"per_user_quota,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = PlatformConfig(t)
	return nil
}
