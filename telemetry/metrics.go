// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors are constructed eagerly so packages can record into them before (or
// without) Init; Init only registers them with the default registry.
var (
	once sync.Once

	// Counters
	CapturesStarted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_captures_started_total", Help: "Number of capture jobs that reached the capturing state"})
	CapturesSucceeded = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_captures_succeeded_total", Help: "Number of capture jobs delivered successfully"})
	CapturesFailed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "relay_captures_failed_total", Help: "Number of capture jobs failed, by error kind"}, []string{"kind"})
	Rejections        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "relay_requests_rejected_total", Help: "Requests rejected before capture, by reason"}, []string{"reason"})
	Splits            = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_splits_total", Help: "Number of artifacts that had to be split"})
	UploadsSucceeded  = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_uploads_succeeded_total", Help: "Number of document uploads succeeded"})
	UploadsFailed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_uploads_failed_total", Help: "Number of document uploads failed"})
	UploadedBytes     = prometheus.NewCounter(prometheus.CounterOpts{Name: "relay_uploaded_bytes_total", Help: "Bytes uploaded to chats"})

	// Histograms (seconds)
	CaptureDuration      = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "relay_capture_duration_seconds", Help: "Capture tool run time seconds", Buckets: prometheus.ExponentialBuckets(1, 4, 10)})
	UploadDuration       = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "relay_upload_duration_seconds", Help: "Upload duration seconds per part", Buckets: prometheus.DefBuckets})
	TotalProcessDuration = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "relay_job_total_duration_seconds", Help: "Total job duration seconds from request to done", Buckets: prometheus.ExponentialBuckets(1, 4, 10)})

	// Gauges
	ActiveCaptures = prometheus.NewGauge(prometheus.GaugeOpts{Name: "relay_active_captures", Help: "Current number of in-flight capture jobs"})
)

// Init registers metrics with the default registry (idempotent).
func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			CapturesStarted, CapturesSucceeded, CapturesFailed, Rejections, Splits,
			UploadsSucceeded, UploadsFailed, UploadedBytes,
			CaptureDuration, UploadDuration, TotalProcessDuration,
			ActiveCaptures,
		)
	})
}

// SetActiveCaptures records the current in-flight job count.
func SetActiveCaptures(n int) { ActiveCaptures.Set(float64(n)) }

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
