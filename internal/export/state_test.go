package export

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ttexport/internal/model"
)

func TestStateTransitions(t *testing.T) {
	s := NewState("t1", "Family", "/tmp/timetree_family.ics")
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	snap := s.Snapshot()
	assert.Equal(t, StatusIdle, snap.Status)
	assert.Nil(t, snap.EventCount)
	assert.Nil(t, snap.LastSuccess)

	_, err := s.CompleteRun(Result{}, nil)
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, s.BeginRun())
	assert.ErrorIs(t, s.BeginRun(), ErrAlreadyRunning)
	assert.Equal(t, StatusRunning, s.Snapshot().Status)

	snap, err = s.CompleteRun(Result{
		Calendar:   model.CalendarMetadata{Name: "Family"},
		EventCount: 3,
		Skipped:    1,
		Bytes:      2150,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, snap.Status)
	require.NotNil(t, snap.EventCount)
	assert.Equal(t, 3, *snap.EventCount)
	assert.Equal(t, clock, *snap.LastSuccess)
	assert.Nil(t, snap.LastError)
	assert.Equal(t, int64(2150), snap.OutputBytes)
	assert.InDelta(t, 2.1, snap.OutputKB, 1e-9)
	assert.Equal(t, "Family", snap.Calendar)

	// A failure keeps the last known-good metadata.
	clock = clock.Add(time.Hour)
	require.NoError(t, s.BeginRun())
	snap, err = s.CompleteRun(Result{}, &RunError{Kind: KindConnectivity, Err: ErrNoActiveCalendars})
	require.NoError(t, err)
	assert.Equal(t, StatusError, snap.Status)
	require.NotNil(t, snap.LastError)
	assert.Equal(t, "no active calendars found", *snap.LastError)
	assert.Equal(t, 3, *snap.EventCount)
	assert.Equal(t, clock.Add(-time.Hour), *snap.LastSuccess)
	assert.Equal(t, clock, *snap.LastAttempt)

	// error -> running -> ok clears the error.
	require.NoError(t, s.BeginRun())
	snap, err = s.CompleteRun(Result{EventCount: 0}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, snap.Status)
	assert.Nil(t, snap.LastError)
	assert.Equal(t, 0, *snap.EventCount)
}

func TestSnapshotIsACopy(t *testing.T) {
	s := NewState("t1", "Family", "")
	require.NoError(t, s.BeginRun())
	_, err := s.CompleteRun(Result{EventCount: 2}, nil)
	require.NoError(t, err)

	snap := s.Snapshot()
	*snap.EventCount = 99
	assert.Equal(t, 2, *s.Snapshot().EventCount)
}

func TestSnapshotConsistentUnderConcurrentRuns(t *testing.T) {
	s := NewState("t1", "Family", "")

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 200; i++ {
			assert.NoError(t, s.BeginRun())
			var err error
			if i%2 == 0 {
				err = errors.New("boom")
			}
			_, cerr := s.CompleteRun(Result{EventCount: i}, err)
			assert.NoError(t, cerr)
		}
		close(stop)
	}()

	for {
		select {
		case <-stop:
			wg.Wait()
			return
		default:
		}
		snap := s.Snapshot()
		switch snap.Status {
		case StatusOK:
			// Successful runs are the odd ones.
			require.NotNil(t, snap.EventCount)
			assert.Equal(t, 1, *snap.EventCount%2)
			assert.Nil(t, snap.LastError)
		case StatusError:
			assert.NotNil(t, snap.LastError)
		}
	}
}
