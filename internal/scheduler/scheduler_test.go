package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ttexport/internal/export"
	"ttexport/internal/model"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   int
	creds   []model.Credential
	result  export.Result
	err     error
	panics  bool
	hang    bool
	block   chan struct{}
	started chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, cfg model.TenantConfig) (export.Result, error) {
	f.mu.Lock()
	f.calls++
	f.creds = append(f.creds, cfg.Credential)
	res, err, panics, hang := f.result, f.err, f.panics, f.hang
	block, started := f.block, f.started
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if panics {
		panic("upstream exploded")
	}
	if hang {
		<-ctx.Done()
		return export.Result{}, &export.RunError{Kind: export.KindConnectivity, Err: ctx.Err()}
	}
	return res, err
}

func (f *fakeRunner) set(fn func(f *fakeRunner)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRecorder struct {
	runs    atomic.Int32
	dropped atomic.Int32
}

func (r *fakeRecorder) RunCompleted(string, export.Result, error, time.Duration) { r.runs.Add(1) }
func (r *fakeRecorder) TickDropped(string) { r.dropped.Add(1) }

func tenantConfig(t *testing.T, id string) model.TenantConfig {
	t.Helper()
	return model.TenantConfig{
		ID:            id,
		Credential:    model.Credential{Email: "a@example.com", Password: "secret"},
		CalendarAlias: "fam",
		Name:          "Family " + id,
		Interval:      360 * time.Minute,
		OutputPath:    filepath.Join(t.TempDir(), "timetree_family_"+id+".ics"),
	}
}

func newScheduler(t *testing.T, runner *fakeRunner, rec *fakeRecorder, opts ...Option) *Scheduler {
	t.Helper()
	s := New(runner, append([]Option{WithRecorder(rec), WithRunTimeout(5*time.Second)}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func scheduleOf(s *Scheduler, tn *Tenant) cron.Schedule {
	tn.mu.Lock()
	id := tn.entry
	tn.mu.Unlock()
	return s.cron.Entry(id).Schedule
}

func TestRegisterRunsImmediatelyAndArms(t *testing.T) {
	runner := &fakeRunner{result: export.Result{EventCount: 2, Bytes: 100}}
	rec := &fakeRecorder{}
	s := newScheduler(t, runner, rec)

	tn, err := s.Register(context.Background(), tenantConfig(t, "t1"))
	require.NoError(t, err)

	assert.Equal(t, 1, runner.callCount())
	assert.Equal(t, int32(1), rec.runs.Load())

	snap := tn.Snapshot()
	assert.Equal(t, export.StatusOK, snap.Status)
	require.NotNil(t, snap.EventCount)
	assert.Equal(t, 2, *snap.EventCount)
	assert.Equal(t, cron.ConstantDelaySchedule{Delay: 6 * time.Hour}, scheduleOf(s, tn))

	got, ok := s.Lookup("t1")
	require.True(t, ok)
	assert.Same(t, tn, got)
	assert.Len(t, s.Tenants(), 1)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	s := newScheduler(t, &fakeRunner{}, &fakeRecorder{})

	cfg := tenantConfig(t, "t1")
	first, err := s.Register(context.Background(), cfg)
	require.NoError(t, err)

	_, err = s.Register(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrTenantExists)

	other := tenantConfig(t, "t2")
	other.OutputPath = cfg.OutputPath
	_, err = s.Register(context.Background(), other)
	assert.ErrorIs(t, err, ErrPathConflict)

	// The path is free again once its owner is gone.
	require.NoError(t, s.Unregister(first))
	_, err = s.Register(context.Background(), other)
	assert.NoError(t, err)
}

func TestRegisterValidatesSchedule(t *testing.T) {
	s := newScheduler(t, &fakeRunner{}, &fakeRecorder{})

	cfg := tenantConfig(t, "t1")
	cfg.Interval = 30 * time.Second
	_, err := s.Register(context.Background(), cfg)
	assert.Error(t, err)

	cfg = tenantConfig(t, "t2")
	cfg.Schedule = "not a cron line"
	_, err = s.Register(context.Background(), cfg)
	assert.Error(t, err)

	cfg = tenantConfig(t, "")
	_, err = s.Register(context.Background(), cfg)
	assert.Error(t, err)

	assert.Empty(t, s.Tenants())
}

func TestSuccessPublishesAndFailureDoesNot(t *testing.T) {
	runner := &fakeRunner{result: export.Result{EventCount: 4}}
	s := newScheduler(t, runner, &fakeRecorder{})

	tn, err := s.Register(context.Background(), tenantConfig(t, "t1"))
	require.NoError(t, err)
	firstSuccess := tn.Snapshot().LastSuccess
	require.NotNil(t, firstSuccess)

	var updates []Update
	cancel := tn.Subscribe(func(u Update) { updates = append(updates, u) })

	snap, err := tn.RunNow(context.Background())
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, "t1", updates[0].TenantID)
	assert.Equal(t, snap, updates[0].Snapshot)

	runner.set(func(f *fakeRunner) {
		f.err = &export.RunError{Kind: export.KindConnectivity, Err: export.ErrNoActiveCalendars}
	})
	snap, err = tn.RunNow(context.Background())
	require.Error(t, err)
	assert.Len(t, updates, 1, "failed runs must not notify")

	assert.Equal(t, export.StatusError, snap.Status)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, "no active calendars found", *snap.LastError)
	assert.Equal(t, 4, *snap.EventCount)
	require.NotNil(t, snap.LastSuccess)

	cancel()
	runner.set(func(f *fakeRunner) { f.err = nil })
	_, err = tn.RunNow(context.Background())
	require.NoError(t, err)
	assert.Len(t, updates, 1, "cancelled subscriber must not be called")
}

func TestSubscriberSeesFirstExport(t *testing.T) {
	runner := &fakeRunner{result: export.Result{EventCount: 2}}
	s := newScheduler(t, runner, &fakeRecorder{})

	var updates []Update
	tn, err := s.Register(context.Background(), tenantConfig(t, "t1"),
		WithSubscriber(func(u Update) { updates = append(updates, u) }))
	require.NoError(t, err)

	require.Len(t, updates, 1)
	assert.Equal(t, "t1", updates[0].TenantID)
	assert.Equal(t, tn.Snapshot(), updates[0].Snapshot)

	_, err = tn.RunNow(context.Background())
	require.NoError(t, err)
	assert.Len(t, updates, 2)
}

func TestRunTimeoutReleasesRunLock(t *testing.T) {
	runner := &fakeRunner{hang: true}
	s := newScheduler(t, runner, &fakeRecorder{}, WithRunTimeout(50*time.Millisecond))

	start := time.Now()
	tn, err := s.Register(context.Background(), tenantConfig(t, "t1"))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	snap := tn.Snapshot()
	assert.Equal(t, export.StatusError, snap.Status)
	require.NotNil(t, snap.LastError)
	assert.Contains(t, *snap.LastError, "deadline exceeded")

	runner.set(func(f *fakeRunner) { f.hang = false })
	snap, err = tn.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, export.StatusOK, snap.Status)
	assert.Nil(t, snap.LastError)
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	s := newScheduler(t, &fakeRunner{}, &fakeRecorder{})
	tn, err := s.Register(context.Background(), tenantConfig(t, "t1"))
	require.NoError(t, err)

	var called atomic.Bool
	tn.Subscribe(func(Update) { panic("bad subscriber") })
	tn.Subscribe(func(Update) { called.Store(true) })

	_, err = tn.RunNow(context.Background())
	require.NoError(t, err)
	assert.True(t, called.Load())
	assert.Equal(t, export.StatusOK, tn.Snapshot().Status)
}

func TestRunnerPanicBecomesFailure(t *testing.T) {
	runner := &fakeRunner{panics: true}
	s := newScheduler(t, runner, &fakeRecorder{})

	tn, err := s.Register(context.Background(), tenantConfig(t, "t1"))
	require.NoError(t, err)

	snap := tn.Snapshot()
	assert.Equal(t, export.StatusError, snap.Status)
	require.NotNil(t, snap.LastError)
	assert.Contains(t, *snap.LastError, "upstream exploded")
}

func TestTickDroppedWhileRunning(t *testing.T) {
	runner := &fakeRunner{result: export.Result{EventCount: 1}}
	rec := &fakeRecorder{}
	s := newScheduler(t, runner, rec)

	tn, err := s.Register(context.Background(), tenantConfig(t, "t1"))
	require.NoError(t, err)

	block := make(chan struct{})
	started := make(chan struct{}, 1)
	runner.set(func(f *fakeRunner) {
		f.block, f.started = block, started
		f.result = export.Result{EventCount: 7}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = tn.RunNow(context.Background())
	}()
	<-started

	before := tn.Snapshot()
	tn.tick()
	_, err = tn.RunNow(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)

	assert.Equal(t, int32(1), rec.dropped.Load())
	assert.Equal(t, 2, runner.callCount())
	assert.Equal(t, before, tn.Snapshot())
	assert.Equal(t, export.StatusRunning, before.Status)

	close(block)
	<-done

	snap := tn.Snapshot()
	assert.Equal(t, export.StatusOK, snap.Status)
	assert.Equal(t, 7, *snap.EventCount)
	assert.Equal(t, int32(2), rec.runs.Load())
}

func TestUpdateIntervalRearmsWithoutRun(t *testing.T) {
	runner := &fakeRunner{}
	s := newScheduler(t, runner, &fakeRecorder{})

	tn, err := s.Register(context.Background(), tenantConfig(t, "t1"))
	require.NoError(t, err)
	require.Equal(t, cron.ConstantDelaySchedule{Delay: 360 * time.Minute}, scheduleOf(s, tn))
	before := tn.Snapshot()

	same := tn.Config().Credential
	require.NoError(t, s.Update(tn, Options{Interval: 60 * time.Minute, Credential: &same}))

	assert.Equal(t, cron.ConstantDelaySchedule{Delay: time.Hour}, scheduleOf(s, tn))
	assert.Equal(t, time.Hour, tn.Config().Interval)
	assert.Len(t, s.cron.Entries(), 1)

	// Give a stray run a chance to show up.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, runner.callCount())
	assert.Equal(t, before, tn.Snapshot())
}

func TestUpdateRejectsBadInterval(t *testing.T) {
	s := newScheduler(t, &fakeRunner{}, &fakeRecorder{})
	tn, err := s.Register(context.Background(), tenantConfig(t, "t1"))
	require.NoError(t, err)

	assert.Error(t, s.Update(tn, Options{Interval: time.Second}))
	assert.Equal(t, 360*time.Minute, tn.Config().Interval)
}

func TestUpdateCredentialTriggersRun(t *testing.T) {
	runner := &fakeRunner{}
	s := newScheduler(t, runner, &fakeRecorder{})

	tn, err := s.Register(context.Background(), tenantConfig(t, "t1"))
	require.NoError(t, err)

	cred := model.Credential{Email: "a@example.com", Password: "rotated"}
	require.NoError(t, s.Update(tn, Options{Credential: &cred}))

	require.Eventually(t, func() bool { return runner.callCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	runner.mu.Lock()
	assert.Equal(t, cred, runner.creds[1])
	runner.mu.Unlock()
	assert.Equal(t, cron.ConstantDelaySchedule{Delay: 6 * time.Hour}, scheduleOf(s, tn))
}

func TestUnregisterWaitsForInFlightRun(t *testing.T) {
	runner := &fakeRunner{}
	s := newScheduler(t, runner, &fakeRecorder{})

	tn, err := s.Register(context.Background(), tenantConfig(t, "t1"))
	require.NoError(t, err)

	block := make(chan struct{})
	started := make(chan struct{}, 1)
	runner.set(func(f *fakeRunner) { f.block, f.started = block, started })

	go func() { _, _ = tn.RunNow(context.Background()) }()
	<-started

	unregistered := make(chan error, 1)
	go func() { unregistered <- s.Unregister(tn) }()

	select {
	case <-unregistered:
		t.Fatal("Unregister returned while a run was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	select {
	case err := <-unregistered:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Unregister did not return after the run finished")
	}

	assert.Equal(t, export.StatusOK, tn.Snapshot().Status)
	_, ok := s.Lookup("t1")
	assert.False(t, ok)
	assert.Empty(t, s.cron.Entries())

	_, err = tn.RunNow(context.Background())
	assert.ErrorIs(t, err, ErrTenantClosed)
	assert.ErrorIs(t, s.Update(tn, Options{Interval: time.Hour}), ErrTenantClosed)
	assert.ErrorIs(t, s.Unregister(tn), ErrTenantClosed)

	// A late timer fire after removal is a no-op.
	calls := runner.callCount()
	tn.tick()
	assert.Equal(t, calls, runner.callCount())
}

func TestTimerFires(t *testing.T) {
	runner := &fakeRunner{}
	s := newScheduler(t, runner, &fakeRecorder{})

	cfg := tenantConfig(t, "t1")
	cfg.Schedule = "@every 1s"
	_, err := s.Register(context.Background(), cfg)
	require.NoError(t, err)
	s.Start()

	require.Eventually(t, func() bool { return runner.callCount() >= 2 }, 3*time.Second, 20*time.Millisecond)
}

func TestTenantsRunIndependently(t *testing.T) {
	runner := &fakeRunner{}
	s := newScheduler(t, runner, &fakeRecorder{})

	a, err := s.Register(context.Background(), tenantConfig(t, "a"))
	require.NoError(t, err)
	b, err := s.Register(context.Background(), tenantConfig(t, "b"))
	require.NoError(t, err)

	block := make(chan struct{})
	started := make(chan struct{}, 1)
	runner.set(func(f *fakeRunner) { f.block, f.started = block, started })
	go func() { _, _ = a.RunNow(context.Background()) }()
	<-started

	// a's run lock does not hold up b.
	runner.set(func(f *fakeRunner) { f.block, f.started = nil, nil })
	_, err = b.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, export.StatusRunning, a.Snapshot().Status)

	close(block)
	require.Eventually(t, func() bool { return a.Snapshot().Status == export.StatusOK }, time.Second, 10*time.Millisecond)

	ids := []string{}
	for _, tn := range s.Tenants() {
		ids = append(ids, tn.ID())
	}
	assert.Equal(t, []string{"a", "b"}, ids)
}
