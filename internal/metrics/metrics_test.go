package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ttexport/internal/export"
)

func TestRecorderCountsRuns(t *testing.T) {
	r := New()

	r.RunCompleted("t1", export.Result{EventCount: 5, Skipped: 2, Bytes: 1024}, nil, time.Second)
	r.RunCompleted("t1", export.Result{}, &export.RunError{Kind: export.KindAuth, Err: errors.New("denied")}, time.Second)
	r.RunCompleted("t1", export.Result{}, errors.New("panic"), time.Second)
	r.TickDropped("t1")
	r.TickDropped("t1")

	assert.Equal(t, 1.0, testutil.ToFloat64(r.runs.WithLabelValues("t1", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.runs.WithLabelValues("t1", "auth")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.runs.WithLabelValues("t1", "connectivity")))
	assert.Equal(t, 5.0, testutil.ToFloat64(r.events.WithLabelValues("t1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.skipped.WithLabelValues("t1")))
	assert.Equal(t, 1024.0, testutil.ToFloat64(r.outputBytes.WithLabelValues("t1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.droppedTicks.WithLabelValues("t1")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.runDuration))
}

func TestRecorderForget(t *testing.T) {
	r := New()
	r.RunCompleted("t1", export.Result{EventCount: 1}, nil, time.Millisecond)
	r.RunCompleted("t2", export.Result{EventCount: 1}, nil, time.Millisecond)

	r.Forget("t1")
	assert.Equal(t, 1, testutil.CollectAndCount(r.runs))
	assert.Equal(t, 1, testutil.CollectAndCount(r.events))
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := New()
	r.TickDropped("t1")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `ttexport_dropped_ticks_total{tenant="t1"} 1`), body)
	assert.Contains(t, body, "go_goroutines")
}
