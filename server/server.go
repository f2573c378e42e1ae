// Package server exposes the operator HTTP API: health, readiness, metrics, the
// in-flight capture list, capture history and job cancellation. Admin routes are
// protected by token or basic auth and rate limited per client IP. Every request
// carries a correlation ID for consistent logging.
package server

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/stream-relay/dispatch"
	"github.com/onnwee/stream-relay/telemetry"
)

// JobController is the slice of the dispatcher the API drives.
type JobController interface {
	Active() []dispatch.JobInfo
	Capacity() (inUse, limit int)
	CancelJob(id string) bool
	Cancel(key dispatch.Key) bool
}

// HistoryReader returns recently recorded captures, newest first.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]dispatch.JobInfo, error)
}

// Deps wires the API to the rest of the process. DB and History are nil when
// capture history is disabled.
type Deps struct {
	Jobs    JobController
	History HistoryReader
	DB      *sql.DB

	FFmpegBin string
	DataDir   string

	AdminToken    string
	AdminUsername string
	AdminPassword string

	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// NewMux returns the HTTP handler with all routes.
// ctx bounds the rate limiter's cleanup goroutine.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	authCfg := newAuthConfig(deps.AdminUsername, deps.AdminPassword, deps.AdminToken)
	limiter := newIPRateLimiter(ctx, &rateLimiterConfig{
		enabled:       deps.RateLimitRequests > 0,
		requestsPerIP: deps.RateLimitRequests,
		window:        deps.RateLimitWindow,
	})
	h := &Handlers{deps: deps}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/readyz", h.HandleReadyz)
	mux.HandleFunc("/jobs", h.HandleJobs)

	mux.HandleFunc("/admin/jobs", h.HandleAdminJobs)
	mux.HandleFunc("/admin/captures", h.HandleAdminCaptures)
	mux.HandleFunc("/admin/jobs/cancel", h.HandleAdminCancel)

	admin := adminAuth(rateLimitMiddleware(mux, limiter), authCfg)
	routed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/admin/") {
			admin.ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, r.Method+" "+r.URL.Path, telemetry.HTTPAttrs(r.Method, r.URL.Path)...)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		routed.ServeHTTP(rec, r.WithContext(ctx))
		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
	})
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server on addr and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, deps Deps) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewMux(ctx, deps),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
