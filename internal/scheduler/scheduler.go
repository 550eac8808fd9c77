// Package scheduler drives per-tenant export runs: it arms one timer per
// tenant, serializes runs behind a per-tenant run lock, applies
// reconfiguration and waits for in-flight runs on removal.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"ttexport/internal/export"
	appLog "ttexport/internal/log"
	"ttexport/internal/model"
)

const DefaultRunTimeout = 2 * time.Minute

var (
	ErrTenantExists  = errors.New("tenant already registered")
	ErrPathConflict  = errors.New("output path already used by another tenant")
	ErrTenantClosed  = errors.New("tenant has been unregistered")
	ErrRunInProgress = errors.New("export run already in progress")
)

// Runner executes one export run for a tenant configuration.
type Runner interface {
	Run(ctx context.Context, cfg model.TenantConfig) (export.Result, error)
}

// Recorder observes scheduler activity (metrics).
type Recorder interface {
	RunCompleted(tenantID string, res export.Result, err error, elapsed time.Duration)
	TickDropped(tenantID string)
}

type nopRecorder struct{}

func (nopRecorder) RunCompleted(string, export.Result, error, time.Duration) {}
func (nopRecorder) TickDropped(string) {}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRunTimeout bounds each run, upstream calls and file write included.
func WithRunTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.runTimeout = d
		}
	}
}

// WithRecorder installs a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.recorder = r
		}
	}
}

// Scheduler owns the timers of all registered tenants. Timer firing happens
// on the cron goroutine; every run executes on a job goroutine of its own,
// so a slow tenant never delays another tenant's timer.
type Scheduler struct {
	cron       *cron.Cron
	chain      cron.Chain
	runner     Runner
	recorder   Recorder
	runTimeout time.Duration

	// wg tracks runs started outside cron (credential changes).
	wg sync.WaitGroup

	mu      sync.Mutex
	tenants map[string]*Tenant
	paths   map[string]string
}

func New(runner Runner, opts ...Option) *Scheduler {
	logger := appLog.CronLogger()
	s := &Scheduler{
		cron:       cron.New(cron.WithLogger(logger)),
		chain:      cron.NewChain(cron.Recover(logger)),
		runner:     runner,
		recorder:   nopRecorder{},
		runTimeout: DefaultRunTimeout,
		tenants:    make(map[string]*Tenant),
		paths:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins firing timers. Tenants may be registered before or after.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the timers and waits for in-flight runs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	cronDone := s.cron.Stop()
	done := make(chan struct{})
	go func() {
		<-cronDone.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterOption configures a tenant at registration.
type RegisterOption func(*Tenant)

// WithSubscriber subscribes h before the first run, so it also sees the
// initial export.
func WithSubscriber(h Handler) RegisterOption {
	return func(t *Tenant) {
		if h != nil {
			t.bus.subscribe(h)
		}
	}
}

// Register adds a tenant, performs its first run synchronously and then
// arms its timer. A failed first run still registers the tenant; the
// failure is visible in its snapshot.
func (s *Scheduler) Register(ctx context.Context, cfg model.TenantConfig, opts ...RegisterOption) (*Tenant, error) {
	if cfg.ID == "" {
		return nil, errors.New("tenant id is required")
	}
	if cfg.OutputPath == "" {
		return nil, fmt.Errorf("tenant %s: output path is required", cfg.ID)
	}
	sched, err := scheduleFor(cfg)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", cfg.ID, err)
	}

	t := &Tenant{
		id:    cfg.ID,
		sched: s,
		state: export.NewState(cfg.ID, cfg.Name, cfg.OutputPath),
		bus:   newBus(),
		cfg:   cfg,
	}
	for _, opt := range opts {
		opt(t)
	}

	s.mu.Lock()
	if _, ok := s.tenants[cfg.ID]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("tenant %s: %w", cfg.ID, ErrTenantExists)
	}
	if owner, ok := s.paths[cfg.OutputPath]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("tenant %s: %s (tenant %s): %w", cfg.ID, cfg.OutputPath, owner, ErrPathConflict)
	}
	s.tenants[cfg.ID] = t
	s.paths[cfg.OutputPath] = cfg.ID
	s.mu.Unlock()

	appLog.Info("tenant registered",
		"tenant", cfg.ID,
		"name", cfg.Name,
		"email", appLog.RedactEmail(cfg.Credential.Email),
		"calendar_alias", cfg.CalendarAlias,
		"interval", cfg.Interval,
		"schedule", cfg.Schedule,
		"output", cfg.OutputPath,
	)

	t.runMu.Lock()
	t.runLocked(ctx)
	t.runMu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTenantClosed
	}
	// An Update during the first run has already armed the timer.
	if t.entry == 0 {
		t.arm(sched)
	}
	return t, nil
}

// Unregister stops the tenant's timer, waits for an in-flight run to
// finish and releases the tenant.
func (s *Scheduler) Unregister(t *Tenant) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTenantClosed
	}
	t.closed = true
	s.cron.Remove(t.entry)
	path := t.cfg.OutputPath
	t.mu.Unlock()

	// In-flight runs are not preemptible; wait for them.
	t.runMu.Lock()
	t.runMu.Unlock()
	t.bus.close()

	s.mu.Lock()
	delete(s.tenants, t.ID())
	if s.paths[path] == t.ID() {
		delete(s.paths, path)
	}
	s.mu.Unlock()

	appLog.Info("tenant unregistered", "tenant", t.ID())
	return nil
}

// Options is a reconfiguration request. Zero fields keep the current value.
type Options struct {
	// Interval replaces the period and clears any cron schedule.
	Interval time.Duration
	// Credential, when different from the current one, forces an
	// immediate run.
	Credential *model.Credential
}

// Update re-arms the tenant's timer with the new options. Only a
// credential change triggers a run; it starts in the background after any
// in-flight run.
func (s *Scheduler) Update(t *Tenant, opts Options) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTenantClosed
	}

	cfg := t.cfg
	if opts.Interval != 0 {
		cfg.Interval = opts.Interval
		cfg.Schedule = ""
	}
	credChanged := opts.Credential != nil && *opts.Credential != cfg.Credential
	if credChanged {
		cfg.Credential = *opts.Credential
	}

	sched, err := scheduleFor(cfg)
	if err != nil {
		return fmt.Errorf("tenant %s: %w", cfg.ID, err)
	}

	s.cron.Remove(t.entry)
	t.cfg = cfg
	t.arm(sched)

	appLog.Info("tenant reconfigured",
		"tenant", cfg.ID,
		"interval", cfg.Interval,
		"credential_changed", credChanged,
	)

	if credChanged {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			t.runMu.Lock()
			defer t.runMu.Unlock()
			if t.isClosed() {
				return
			}
			t.runLocked(context.Background())
		}()
	}
	return nil
}

// Lookup returns the registered tenant with the given id.
func (s *Scheduler) Lookup(id string) (*Tenant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	return t, ok
}

// Tenants lists registered tenants ordered by id.
func (s *Scheduler) Tenants() []*Tenant {
	s.mu.Lock()
	out := make([]*Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func scheduleFor(cfg model.TenantConfig) (cron.Schedule, error) {
	if cfg.Schedule != "" {
		sched, err := cron.ParseStandard(cfg.Schedule)
		if err != nil {
			return nil, fmt.Errorf("invalid schedule %q: %w", cfg.Schedule, err)
		}
		return sched, nil
	}
	if cfg.Interval < time.Minute {
		return nil, fmt.Errorf("interval %s is below one minute", cfg.Interval)
	}
	return cron.Every(cfg.Interval), nil
}
