package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics bundles the prometheus collectors for the guard pipeline.
type Metrics struct {
	registry *prometheus.Registry

	TradesTotal     *prometheus.CounterVec
	RejectionsTotal *prometheus.CounterVec
	RetriesTotal    *prometheus.CounterVec
	RateLimitWaits  prometheus.Counter
	RateLimitWaited prometheus.Counter
	BreakerState    prometheus.Gauge
	OpenPositions   prometheus.Gauge
	DailyLoss       prometheus.Gauge
	TradeDuration   prometheus.Histogram
}

// New registers all collectors on a private registry so tests can hold
// multiple instances without duplicate-registration panics.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	auto := promauto.With(registry)

	return &Metrics{
		registry: registry,
		TradesTotal: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradeguard",
			Name:      "trades_total",
			Help:      "Trade attempts by venue and outcome.",
		}, []string{"venue", "result"}),
		RejectionsTotal: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradeguard",
			Name:      "rejections_total",
			Help:      "Trades rejected before submission, by guard.",
		}, []string{"guard"}),
		RetriesTotal: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tradeguard",
			Name:      "retries_total",
			Help:      "Retry attempts by operation.",
		}, []string{"operation"}),
		RateLimitWaits: auto.NewCounter(prometheus.CounterOpts{
			Namespace: "tradeguard",
			Name:      "rate_limit_waits_total",
			Help:      "Delays imposed by the rate limiter.",
		}),
		RateLimitWaited: auto.NewCounter(prometheus.CounterOpts{
			Namespace: "tradeguard",
			Name:      "rate_limit_wait_seconds_total",
			Help:      "Cumulative seconds spent waiting on quotas.",
		}),
		BreakerState: auto.NewGauge(prometheus.GaugeOpts{
			Namespace: "tradeguard",
			Name:      "breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}),
		OpenPositions: auto.NewGauge(prometheus.GaugeOpts{
			Namespace: "tradeguard",
			Name:      "open_positions",
			Help:      "Currently open positions.",
		}),
		DailyLoss: auto.NewGauge(prometheus.GaugeOpts{
			Namespace: "tradeguard",
			Name:      "daily_loss",
			Help:      "Accumulated daily loss tracked by the breaker.",
		}),
		TradeDuration: auto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tradeguard",
			Name:      "trade_duration_seconds",
			Help:      "End-to-end trade execution latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
	}
}

// SetBreakerState maps a breaker state name onto the gauge.
func (m *Metrics) SetBreakerState(kind string) {
	switch kind {
	case "open":
		m.BreakerState.Set(2)
	case "half_open":
		m.BreakerState.Set(1)
	default:
		m.BreakerState.Set(0)
	}
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs a metrics HTTP listener until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Info().Str("addr", addr).Msg("metrics listener started")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
