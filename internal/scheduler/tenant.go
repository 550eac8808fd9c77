package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"ttexport/internal/export"
	appLog "ttexport/internal/log"
	"ttexport/internal/model"
)

// Tenant is the handle of one registered tenant. It carries the tenant's
// config, status record, subscribers and run lock.
type Tenant struct {
	id    string
	sched *Scheduler
	state *export.State
	bus   *bus

	// runMu is held for the whole BeginRun..CompleteRun span.
	runMu sync.Mutex

	mu     sync.Mutex
	cfg    model.TenantConfig
	entry  cron.EntryID
	closed bool
}

func (t *Tenant) ID() string {
	return t.id
}

// Config returns the current configuration.
func (t *Tenant) Config() model.TenantConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg
}

func (t *Tenant) Snapshot() export.Snapshot {
	return t.state.Snapshot()
}

// Subscribe registers h for post-success updates. The returned func
// removes it.
func (t *Tenant) Subscribe(h Handler) (cancel func()) {
	return t.bus.subscribe(h)
}

// RunNow runs the export immediately unless a run is already in flight.
func (t *Tenant) RunNow(ctx context.Context) (export.Snapshot, error) {
	if !t.runMu.TryLock() {
		return t.state.Snapshot(), ErrRunInProgress
	}
	defer t.runMu.Unlock()
	if t.isClosed() {
		return t.state.Snapshot(), ErrTenantClosed
	}
	return t.runLocked(ctx)
}

// tick is the timer callback. Ticks that find a run in flight are dropped.
func (t *Tenant) tick() {
	if !t.runMu.TryLock() {
		appLog.Warn("tick dropped: previous run still in flight", "tenant", t.ID())
		t.sched.recorder.TickDropped(t.ID())
		return
	}
	defer t.runMu.Unlock()
	if t.isClosed() {
		return
	}
	t.runLocked(context.Background())
}

// arm schedules the timer. Callers hold t.mu.
func (t *Tenant) arm(sched cron.Schedule) {
	t.entry = t.sched.cron.Schedule(sched, t.sched.chain.Then(cron.FuncJob(t.tick)))
}

func (t *Tenant) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// runLocked performs one run and records its outcome. Callers hold runMu.
// The run is bounded by the run timeout but is not cancelled with ctx.
func (t *Tenant) runLocked(ctx context.Context) (export.Snapshot, error) {
	cfg := t.Config()
	if err := t.state.BeginRun(); err != nil {
		return t.state.Snapshot(), err
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.sched.runTimeout)
	defer cancel()

	start := time.Now()
	res, runErr := t.invoke(runCtx, cfg)
	elapsed := time.Since(start)

	snap, err := t.state.CompleteRun(res, runErr)
	if err != nil {
		return snap, err
	}
	t.sched.recorder.RunCompleted(cfg.ID, res, runErr, elapsed)

	if runErr != nil {
		appLog.Error("export run failed", runErr,
			"tenant", cfg.ID,
			"kind", export.KindOf(runErr),
			"duration", elapsed,
		)
		return snap, runErr
	}

	appLog.Debug("export run finished", "tenant", cfg.ID, "duration", elapsed)
	t.bus.publish(Update{TenantID: cfg.ID, Snapshot: snap})
	return snap, nil
}

// invoke converts a panicking runner into a failed run.
func (t *Tenant) invoke(ctx context.Context, cfg model.TenantConfig) (res export.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("export run panicked: %v", r)
		}
	}()
	return t.sched.runner.Run(ctx, cfg)
}
