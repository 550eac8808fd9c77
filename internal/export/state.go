package export

import (
	"errors"
	"math"
	"sync"
	"time"
)

// Status is the lifecycle status of a tenant.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusOK      Status = "ok"
	StatusError   Status = "error"
)

var (
	// ErrAlreadyRunning is returned by BeginRun while a run is in flight.
	ErrAlreadyRunning = errors.New("run already in progress")
	// ErrNotRunning is returned by CompleteRun without a matching BeginRun.
	ErrNotRunning = errors.New("no run in progress")
)

// Snapshot is an immutable copy of a tenant's status record.
type Snapshot struct {
	TenantID    string     `json:"tenant_id"`
	Name        string     `json:"name"`
	Status      Status     `json:"status"`
	LastSuccess *time.Time `json:"last_success"`
	LastError   *string    `json:"last_error"`
	LastAttempt *time.Time `json:"last_attempt"`
	EventCount  *int       `json:"event_count"`
	Skipped     int        `json:"skipped_events"`
	Calendar    string     `json:"calendar,omitempty"`
	OutputPath  string     `json:"output_path"`
	OutputBytes int64      `json:"output_bytes"`
	OutputKB    float64    `json:"output_kb"`
}

// State is the per-tenant status record. Transitions happen under one lock
// acquisition each, so readers never see status and counters disagree.
type State struct {
	mu   sync.RWMutex
	snap Snapshot
	now  func() time.Time
}

func NewState(tenantID, name, outputPath string) *State {
	return &State{
		snap: Snapshot{
			TenantID:   tenantID,
			Name:       name,
			Status:     StatusIdle,
			OutputPath: outputPath,
		},
		now: time.Now,
	}
}

// Snapshot returns a deep copy safe to hand to other goroutines.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.clone()
}

// BeginRun moves the record to running.
func (s *State) BeginRun() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snap.Status == StatusRunning {
		return ErrAlreadyRunning
	}
	t := s.now()
	s.snap.Status = StatusRunning
	s.snap.LastAttempt = &t
	return nil
}

// CompleteRun records the outcome of the run started by BeginRun and
// returns the resulting snapshot. A failure keeps the last known-good count
// and timestamp.
func (s *State) CompleteRun(res Result, runErr error) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snap.Status != StatusRunning {
		return s.snap.clone(), ErrNotRunning
	}

	if runErr != nil {
		msg := runErr.Error()
		s.snap.Status = StatusError
		s.snap.LastError = &msg
		return s.snap.clone(), nil
	}

	t := s.now()
	n := res.EventCount
	s.snap.Status = StatusOK
	s.snap.LastSuccess = &t
	s.snap.LastError = nil
	s.snap.EventCount = &n
	s.snap.Skipped = res.Skipped
	s.snap.Calendar = res.Calendar.Name
	s.snap.OutputBytes = res.Bytes
	s.snap.OutputKB = kilobytes(res.Bytes)
	if res.Path != "" {
		s.snap.OutputPath = res.Path
	}
	return s.snap.clone(), nil
}

func (s Snapshot) clone() Snapshot {
	out := s
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		out.LastSuccess = &t
	}
	if s.LastAttempt != nil {
		t := *s.LastAttempt
		out.LastAttempt = &t
	}
	if s.LastError != nil {
		msg := *s.LastError
		out.LastError = &msg
	}
	if s.EventCount != nil {
		n := *s.EventCount
		out.EventCount = &n
	}
	return out
}

// kilobytes rounds to one decimal place.
func kilobytes(n int64) float64 {
	return math.Round(float64(n)/1024*10) / 10
}
