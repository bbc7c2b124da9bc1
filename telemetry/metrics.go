// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	PollCycles     prometheus.Counter
	RacesDetected  prometheus.Counter
	RacesPosted    prometheus.Counter
	PostFailures   prometheus.Counter
	FetchFailures  prometheus.Counter
	ChartsRendered prometheus.Counter
	ChartFailures  prometheus.Counter
	TokenExchanges prometheus.Counter

	// Histograms (seconds)
	FetchDuration prometheus.Observer
	CycleDuration prometheus.Observer

	// Gauges
	RateLimitedGauge  prometheus.Gauge // 1=limited,0=clear
	SubscriptionGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollCycles = promauto.NewCounter(prometheus.CounterOpts{Name: "raceday_poll_cycles_total", Help: "Number of polling cycles executed"})
		RacesDetected = promauto.NewCounter(prometheus.CounterOpts{Name: "raceday_races_detected_total", Help: "Number of new races detected"})
		RacesPosted = promauto.NewCounter(prometheus.CounterOpts{Name: "raceday_races_posted_total", Help: "Number of race summaries posted"})
		PostFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "raceday_post_failures_total", Help: "Number of failed chat posts"})
		FetchFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "raceday_fetch_failures_total", Help: "Number of failed provider fetches"})
		ChartsRendered = promauto.NewCounter(prometheus.CounterOpts{Name: "raceday_charts_rendered_total", Help: "Number of standings charts rendered"})
		ChartFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "raceday_chart_failures_total", Help: "Number of failed chart renders"})
		TokenExchanges = promauto.NewCounter(prometheus.CounterOpts{Name: "raceday_token_exchanges_total", Help: "Number of OAuth token exchanges performed"})
		FetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "raceday_fetch_duration_seconds", Help: "Provider fetch duration seconds", Buckets: prometheus.DefBuckets})
		CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "raceday_cycle_duration_seconds", Help: "Polling cycle duration seconds", Buckets: prometheus.DefBuckets})
		RateLimitedGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "raceday_rate_limited", Help: "Provider rate limit active=1 clear=0"})
		SubscriptionGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "raceday_subscriptions", Help: "Current number of (user, channel) subscriptions"})
	})
}

// UpdateRateLimitGauge sets gauge to 1 if limited else 0.
func UpdateRateLimitGauge(limited bool) {
	if RateLimitedGauge != nil {
		if limited {
			RateLimitedGauge.Set(1)
		} else {
			RateLimitedGauge.Set(0)
		}
	}
}

// SetSubscriptions records the current subscription count.
func SetSubscriptions(n int) {
	if SubscriptionGauge != nil {
		SubscriptionGauge.Set(float64(n))
	}
}

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

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
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
