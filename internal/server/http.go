package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/joseph-ayodele/specsheet-validator/internal/common"
	"github.com/joseph-ayodele/specsheet-validator/internal/entity"
	"github.com/joseph-ayodele/specsheet-validator/internal/metrics"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Handler serves the HTTP polling surface.
type Handler struct {
	svc    Analysis
	health *HealthReporter
	logger *slog.Logger
}

// NewRouter builds the chi router. health and gatherer may be nil to leave /healthz and
// /metrics unmounted.
func NewRouter(svc Analysis, health *HealthReporter, gatherer prometheus.Gatherer, logger *slog.Logger) *chi.Mux {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{svc: svc, health: health, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	r.Post("/subjects/{id}/jobs", h.Enqueue)
	r.Get("/jobs/{token}/progress", h.Progress)
	r.Get("/runs", h.ListRuns)
	r.Get("/runs.xlsx", h.ExportRuns)
	if health != nil {
		r.Get("/healthz", h.Healthz)
	}
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(gatherer))
	}
	return r
}

func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.Enqueue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (h *Handler) Progress(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Progress(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	filter, err := ParseRunFilter(r.URL.Query().Get)
	if err != nil {
		writeError(w, common.ToGRPCError(err))
		return
	}
	runs, err := h.svc.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []*entity.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (h *Handler) ExportRuns(w http.ResponseWriter, r *http.Request) {
	filter, err := ParseRunFilter(r.URL.Query().Get)
	if err != nil {
		writeError(w, common.ToGRPCError(err))
		return
	}
	b, err := h.svc.ExportRunsXLSX(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="runs.xlsx"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(b); err != nil {
		h.logger.Warn("http.write.failed", "path", r.URL.Path, "error", err)
	}
}

// Healthz reports the last health check: 200 when healthy, 503 when degraded or not yet run.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	st, at, ok := h.health.Last()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "reasons": []string{"no health check has run yet"}})
		return
	}
	code := http.StatusOK
	if !st.OK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"ok": st.OK, "reasons": st.Reasons, "checked_at": at.UTC()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	writeJSON(w, httpStatus(st.Code()), map[string]any{
		"error": map[string]string{"code": st.Code().String(), "message": st.Message()},
	})
}

func httpStatus(c codes.Code) int {
	switch c {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists:
		return http.StatusConflict
	case codes.FailedPrecondition:
		return http.StatusUnprocessableEntity
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http.request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
