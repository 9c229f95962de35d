package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

func TestNewCollector(t *testing.T) {
	collector, _ := newTestCollector(t)

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.jobsSubmitted, "jobsSubmitted counter should be initialized")
	assert.NotNil(t, collector.transitions, "transitions counter should be initialized")
	assert.NotNil(t, collector.staleCallbacks, "staleCallbacks counter should be initialized")
	assert.NotNil(t, collector.stageDuration, "stageDuration histogram should be initialized")
	assert.NotNil(t, collector.recoveryTime, "recoveryTime gauge should be initialized")
	assert.NotNil(t, collector.jobsRunning, "jobsRunning gauge should be initialized")
	assert.NotNil(t, collector.queueDepth, "queueDepth gauge should be initialized")
}

func TestRecordSubmit(t *testing.T) {
	collector, _ := newTestCollector(t)

	for i := 0; i < 5; i++ {
		collector.RecordSubmit()
	}
	assert.Equal(t, 5.0, testutil.ToFloat64(collector.jobsSubmitted))
}

func TestRecordTransition(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.RecordTransition("ANALYZING")
	collector.RecordTransition("ANALYZING")
	collector.RecordTransition("COMPLETED")

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.transitions.WithLabelValues("ANALYZING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.transitions.WithLabelValues("COMPLETED")))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.transitions.WithLabelValues("FAILED")))
}

func TestCacheCounters(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.RecordCacheHit()
	collector.RecordCacheMiss()
	collector.RecordCacheMiss()

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.cacheHits))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.cacheMisses))
}

func TestRecordRecovered(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.RecordRecovered("failed", 3)
	collector.RecordRecovered("requeued", 0)
	collector.RecordRecovered("requeued", 2)

	assert.Equal(t, 3.0, testutil.ToFloat64(collector.recovered.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.recovered.WithLabelValues("requeued")))
}

func TestUpdateQueueStats(t *testing.T) {
	collector, _ := newTestCollector(t)

	testCases := []struct {
		name    string
		queued  int
		running int
	}{
		{"zero values", 0, 0},
		{"normal values", 10, 5},
		{"high queued", 100, 8},
		{"high running", 5, 50},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			collector.UpdateQueueStats(tc.queued, tc.running)
			assert.Equal(t, float64(tc.queued), testutil.ToFloat64(collector.queueDepth))
			assert.Equal(t, float64(tc.running), testutil.ToFloat64(collector.jobsRunning))
		})
	}
}

func TestSetRecoveryTime(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.SetRecoveryTime(1500 * time.Millisecond)
	assert.InDelta(t, 1.5, testutil.ToFloat64(collector.recoveryTime), 1e-9)
}

func TestObserveStage(t *testing.T) {
	collector, reg := newTestCollector(t)

	collector.ObserveStage("analyze", "ok", 120*time.Millisecond)
	collector.ObserveStage("render", "timeout", 2*time.Second)

	n, err := testutil.GatherAndCount(reg, "tonebridge_stage_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestNilCollectorIsNoop(t *testing.T) {
	var collector *Collector

	assert.NotPanics(t, func() {
		collector.RecordSubmit()
		collector.RecordTransition("FAILED")
		collector.RecordStale()
		collector.RecordRecovered("failed", 1)
		collector.RecordCacheHit()
		collector.RecordCacheMiss()
		collector.ObserveStage("analyze", "ok", time.Second)
		collector.SetRecoveryTime(time.Second)
		collector.UpdateQueueStats(1, 1)
	})
}

func TestCollectorIsolation(t *testing.T) {
	reg := prometheus.NewRegistry()

	collector1 := NewCollector(reg)
	require.NotNil(t, collector1)

	// same registry twice is a programming error
	assert.Panics(t, func() {
		NewCollector(reg)
	})

	// a separate registry is fine
	assert.NotPanics(t, func() {
		NewCollector(prometheus.NewRegistry())
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	collector, reg := newTestCollector(t)
	collector.RecordSubmit()
	collector.RecordStale()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "tonebridge_jobs_submitted_total 1"))
	assert.True(t, strings.Contains(body, "tonebridge_stale_callbacks_total 1"))
}

func TestConcurrentMetricUpdates(t *testing.T) {
	collector, _ := newTestCollector(t)

	done := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		go func() {
			collector.RecordSubmit()
			collector.RecordTransition("PENDING")
			collector.ObserveStage("invert", "ok", 10*time.Millisecond)
			collector.UpdateQueueStats(10, 5)
			done <- true
		}()
	}
	for i := 0; i < 100; i++ {
		<-done
	}

	assert.Equal(t, 100.0, testutil.ToFloat64(collector.jobsSubmitted))
}
