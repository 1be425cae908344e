package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordTick("ran")
	c.RecordTick("skipped")
	c.RecordTick("skipped")
	c.RecordClaim()
	c.RecordDeferred()
	c.RecordClaimLost()
	c.RecordOutcome("ok", "")
	c.RecordOutcome("error", "SubjectLocked")
	c.RecordDownloadAttempt(nil)
	c.RecordDownloadAttempt(errors.New("reset"))
	c.ObserveExtraction(1500 * time.Millisecond)
	c.SetHealthy(true)
	c.RecordPurged("runs", 4)
	c.RecordPurged("runs", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.ticks.WithLabelValues("skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.jobsClaimed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.outcomes.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.failures.WithLabelValues("SubjectLocked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.downloadAttempts.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.healthy))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.purged.WithLabelValues("runs")))

	c.SetHealthy(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.healthy))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordTick("ran")
		c.RecordClaim()
		c.RecordOutcome("ok", "")
		c.ObserveExtraction(time.Second)
		c.SetHealthy(true)
		c.RecordEnqueue()
	})
}

func TestHandler_ServesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordEnqueue()

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "validator_jobs_enqueued_total 1")
}
