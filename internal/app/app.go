// Package app wires configuration, logging, storage, platform adapters, the
// engine, and the tick driver into one process-level lifecycle.
package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"postengine/internal/config"
	"postengine/internal/engine"
	"postengine/internal/engine/backoff"
	"postengine/internal/eventbus"
	"postengine/internal/platform"
	"postengine/internal/platform/telegram"
	"postengine/internal/platform/twilio"
	"postengine/internal/platform/webhook"
	"postengine/internal/store"
	"postengine/internal/tick"
	"postengine/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store store.Store
	reg   *platform.Registry
	eng   *engine.Engine
	tick  *tick.Driver

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	st, err := openStore(cfg, log)
	if err != nil {
		logSvc.Close()
		return nil, err
	}

	reg := platform.NewRegistry(
		telegram.New(log),
		twilio.New(log),
		webhook.New(log),
	)

	conns, err := resolveConnections(cfg.Credentials)
	if err != nil {
		st.Close()
		logSvc.Close()
		return nil, err
	}

	set, err := mapEngineSettings(cfg, reg)
	if err != nil {
		st.Close()
		logSvc.Close()
		return nil, err
	}
	eng := engine.New(st, reg, conns, bus, log, set)

	a := &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		store: st,
		reg:   reg,
		eng:   eng,
	}

	if cfg.Tick.Enabled {
		drv, err := tick.New(tick.Config{
			Spec:     cfg.Tick.Spec,
			Timezone: cfg.Tick.Timezone,
		}, eng, log)
		if err != nil {
			st.Close()
			logSvc.Close()
			return nil, err
		}
		a.tick = drv
	}

	log.Info("app ready",
		logx.String("store", cfg.Store.Driver),
		logx.Bool("tick", cfg.Tick.Enabled),
		logx.Any("platforms", reg.Names()))
	return a, nil
}

// Engine exposes the engine for callers that drive cycles themselves
// (the run-once CLI mode and tests).
func (a *App) Engine() *engine.Engine { return a.eng }

func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	// Config file watch: logging is the only section applied live. Engine
	// and store settings need a restart; reloading those mid-cycle would
	// tear down state under running workers.
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(ctx)
	}()
	updates := a.cfgm.Subscribe(4)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(updates)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				a.logs.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: cfg.Logging.File.Enabled,
						Path:    cfg.Logging.File.Path,
					},
				})
				a.log.Info("logging config reloaded", logx.String("level", cfg.Logging.Level))
			}
		}
	}()

	// Dead-letter watch: items that exhausted their retry budget need an
	// operator, so they get a dedicated high-severity line beyond the
	// engine's per-attempt logging.
	events, unsub := a.bus.Subscribe(16)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if e.Type == eventbus.TypeItemDeadLetter {
					a.log.Error("item dead-lettered, needs operator attention",
						logx.Any("detail", e.Data))
				}
			}
		}
	}()

	if a.tick != nil {
		a.tick.Start(ctx)
	}

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err == nil && sent {
		a.startWatchdog(ctx)
	}
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if a.cancel != nil {
		a.cancel()
	}
	if a.tick != nil {
		a.tick.Stop()
	}
	a.wg.Wait()

	var first error
	if err := a.store.Close(); err != nil {
		first = err
	}
	if err := a.logs.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

func (a *App) startWatchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
}

func openStore(cfg *config.Config, log logx.Logger) (store.Store, error) {
	busy, err := config.ParseDurationOrDefault("store.busy_timeout", cfg.Store.BusyTimeout, 0)
	if err != nil {
		return nil, err
	}
	return store.Open(store.Config{
		Driver:      cfg.Store.Driver,
		DSN:         cfg.Store.DSN,
		BusyTimeout: busy,
	}, log.With(logx.String("comp", "store")))
}

// resolveConnections turns credential config into static per-platform
// connections, reading *_env indirections from the environment. A named env
// var that is unset is a config error, not a silently empty credential.
func resolveConnections(creds map[string]config.CredentialConfig) (platform.StaticConnections, error) {
	out := platform.StaticConnections{}
	for name, c := range creds {
		conn := platform.Connection{BaseURL: c.BaseURL}
		var err error
		if conn.Token, err = resolveSecret(name, "token", c.Token, c.TokenEnv); err != nil {
			return nil, err
		}
		if conn.AccountSID, err = resolveSecret(name, "account_sid", c.AccountSID, c.AccountSIDEnv); err != nil {
			return nil, err
		}
		if conn.Secret, err = resolveSecret(name, "secret", c.Secret, c.SecretEnv); err != nil {
			return nil, err
		}
		if conn.From, err = resolveSecret(name, "from", c.From, c.FromEnv); err != nil {
			return nil, err
		}
		out[name] = conn
	}
	return out, nil
}

func resolveSecret(platformName, field, inline, envName string) (string, error) {
	envName = strings.TrimSpace(envName)
	if envName == "" {
		return inline, nil
	}
	v, ok := os.LookupEnv(envName)
	if !ok {
		return "", fmt.Errorf("credentials.%s.%s_env: %s is not set", platformName, field, envName)
	}
	return v, nil
}

// mapEngineSettings resolves durations and merges per-platform limits:
// adapter defaults first, config overrides on top. Configured platforms
// without a registered adapter are rejected so typos surface at startup.
func mapEngineSettings(cfg *config.Config, reg *platform.Registry) (engine.Settings, error) {
	var set engine.Settings
	ec := cfg.Engine

	var err error
	// "0s" is a meaningful value here (expiration off), so only an absent
	// field takes the default.
	if strings.TrimSpace(ec.StalenessBound) == "" {
		set.Staleness = 24 * time.Hour
	} else if set.Staleness, err = config.ParseDurationField("engine.staleness_bound", ec.StalenessBound); err != nil {
		return set, err
	}
	if set.LockTTL, err = config.ParseDurationOrDefault("engine.lock_ttl", ec.LockTTL, 2*time.Minute); err != nil {
		return set, err
	}
	set.Workers = ec.Workers
	set.BatchLimit = ec.BatchLimit

	pol := backoff.Policy{
		Multiplier:  ec.Retry.Multiplier,
		MaxAttempts: ec.Retry.MaxAttempts,
		Jitter:      ec.Retry.Jitter,
	}
	if pol.Base, err = config.ParseDurationOrDefault("engine.retry.base", ec.Retry.Base, 0); err != nil {
		return set, err
	}
	if pol.Cap, err = config.ParseDurationOrDefault("engine.retry.cap", ec.Retry.Cap, 0); err != nil {
		return set, err
	}
	if ec.Retry.Jitter == 0 {
		pol.Jitter = 0.2
	}
	set.Retry = pol

	set.Limits = map[string]platform.Limits{}
	for _, name := range reg.Names() {
		ad, _ := reg.Get(name)
		set.Limits[name] = ad.Defaults()
	}
	for name, pc := range cfg.Platforms {
		lim, ok := set.Limits[name]
		if !ok {
			return set, fmt.Errorf("platforms.%s: no such adapter", name)
		}
		if pc.MaxConcurrent > 0 {
			lim.MaxConcurrent = pc.MaxConcurrent
		}
		if pc.Quota > 0 {
			lim.Quota = pc.Quota
		}
		if pc.Window != "" {
			if lim.Window, err = config.ParseDurationField("platforms."+name+".window", pc.Window); err != nil {
				return set, err
			}
		}
		if pc.PerUserQuota > 0 {
			lim.PerUserQuota = pc.PerUserQuota
		}
		set.Limits[name] = lim
	}
	return set, nil
}
