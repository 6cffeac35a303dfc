package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() *Manager {
	return NewManager(WithRegistry(prometheus.NewRegistry()), WithNamespace("test"))
}

func TestSyncCounters(t *testing.T) {
	m := newTestManager()
	m.SyncAttempt("tracking.save")
	m.SyncAttempt("tracking.save")
	m.SyncRetry("tracking.save")
	m.SyncFailure("metric.status")
	m.SyncRollback("tracking.save")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.syncAttempts.WithLabelValues("tracking.save")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncRetries.WithLabelValues("tracking.save")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncFailures.WithLabelValues("metric.status")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.syncRollbacks.WithLabelValues("tracking.save")))
}

func TestGaugesAndForget(t *testing.T) {
	m := newTestManager()
	m.SetActiveTriggers("p1", 3)
	m.SetOverallProgress("p1", 42)
	m.RecordClassification("warning")
	m.AddDropped(0)
	m.AddDropped(2)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.activeTriggers.WithLabelValues("p1")))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.overallProgress.WithLabelValues("p1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.classifications.WithLabelValues("warning")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.progressDropped))

	m.ForgetProject("p1")
	assert.Equal(t, 0, testutil.CollectAndCount(m.activeTriggers))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := newTestManager()
	m.ObserveHTTP("/projects/{projectId}/progress", http.MethodGet, 200, 15*time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	res, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `test_http_requests_total{code="200",method="GET",route="/projects/{projectId}/progress"} 1`)
	assert.Contains(t, string(body), "test_http_request_duration_seconds_bucket")
}
