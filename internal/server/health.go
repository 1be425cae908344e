package server

import (
	"sync"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/joseph-ayodele/specsheet-validator/internal/housekeeping"
	"github.com/joseph-ayodele/specsheet-validator/internal/metrics"
)

// HealthReporter fans health check results out to the gRPC health service, the metrics
// gauge and the HTTP /healthz handler.
type HealthReporter struct {
	grpc    *health.Server
	metrics *metrics.Collector
	now     func() time.Time

	mu   sync.RWMutex
	last *housekeeping.Status
	at   time.Time
}

func NewHealthReporter(hs *health.Server, m *metrics.Collector) *HealthReporter {
	return &HealthReporter{grpc: hs, metrics: m, now: time.Now}
}

// Observe matches the housekeeping.HealthChecker callback.
func (h *HealthReporter) Observe(st housekeeping.Status) {
	h.mu.Lock()
	h.last = &st
	h.at = h.now()
	h.mu.Unlock()

	h.metrics.SetHealthy(st.OK)
	if h.grpc == nil {
		return
	}
	serving := healthpb.HealthCheckResponse_NOT_SERVING
	if st.OK {
		serving = healthpb.HealthCheckResponse_SERVING
	}
	h.grpc.SetServingStatus("", serving)
	h.grpc.SetServingStatus(AnalysisServiceName, serving)
}

// Last returns the most recent status, or false before the first check.
func (h *HealthReporter) Last() (housekeeping.Status, time.Time, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.last == nil {
		return housekeeping.Status{}, time.Time{}, false
	}
	return *h.last, h.at, true
}
