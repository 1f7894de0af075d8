// Package tick drives publishing cycles on a schedule.
//
// The spec accepts standard 5-field cron expressions, descriptors like
// "@hourly", or "@every <duration>". At most one cycle runs at a time: a
// trigger that fires while a cycle is still in flight is skipped, not
// queued, since the next cycle scans the same table anyway.
package tick

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"postengine/internal/engine"
	"postengine/pkg/logx"
)

const DefaultSpec = "@every 30s"

type Config struct {
	Spec     string
	Timezone string // IANA name for cron field specs; empty means local
}

type Driver struct {
	eng  *engine.Engine
	log  logx.Logger
	cron *cron.Cron

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New validates the spec and builds a stopped driver.
func New(cfg Config, eng *engine.Engine, log logx.Logger) (*Driver, error) {
	spec := strings.TrimSpace(cfg.Spec)
	if spec == "" {
		spec = DefaultSpec
	}

	opts := []cron.Option{}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("tick: unknown timezone %q", tz)
		}
		opts = append(opts, cron.WithLocation(loc))
	}

	d := &Driver{
		eng:  eng,
		log:  log.With(logx.String("comp", "tick")),
		cron: cron.New(opts...),
	}
	if _, err := d.cron.AddFunc(spec, d.fire); err != nil {
		return nil, fmt.Errorf("tick: bad spec %q: %w", spec, err)
	}
	d.log.Info("tick driver ready", logx.String("spec", spec))
	return d, nil
}

// Start begins firing cycles. ctx cancellation aborts an in-flight cycle.
func (d *Driver) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.ctx = ctx
	d.cron.Start()
}

// Stop halts the trigger and waits for an in-flight cycle to finish.
func (d *Driver) Stop() {
	stopped := d.cron.Stop()
	if d.cancel != nil {
		d.cancel()
	}
	<-stopped.Done()
}

// RunNow forces one cycle outside the schedule (startup catch-up, tests).
func (d *Driver) RunNow(ctx context.Context) (engine.Report, error) {
	if !d.running.CompareAndSwap(false, true) {
		return engine.Report{}, fmt.Errorf("tick: cycle already in flight")
	}
	defer d.running.Store(false)
	return d.eng.RunTick(ctx)
}

func (d *Driver) fire() {
	if !d.running.CompareAndSwap(false, true) {
		d.log.Warn("previous cycle still running, skipping trigger")
		return
	}
	defer d.running.Store(false)

	ctx := d.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := d.eng.RunTick(ctx); err != nil {
		d.log.Error("cycle aborted", logx.Err(err))
	}
}
