package proksi

import (
	"context"
	"errors"
	"net/http"
	"time"

	prometheusmetrics "github.com/deathowl/go-metrics-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rcrowley/go-metrics"
	"github.com/rs/zerolog"
)

// Metrics are the counters exported by proksi.
type Metrics struct {
	ReceivedHTTP       metrics.Counter
	ProxiedHTTP        metrics.Counter
	ReceivedHTTPS      metrics.Counter
	ProxiedHTTPS       metrics.Counter
	UpstreamErrors     metrics.Counter
	HealthChecksFailed metrics.Counter

	registry metrics.Registry
}

// NewMetrics registers the counters in r, a fresh registry when r is nil.
func NewMetrics(r metrics.Registry) *Metrics {
	if r == nil {
		r = metrics.NewRegistry()
	}
	return &Metrics{
		ReceivedHTTP:       metrics.GetOrRegisterCounter("http.requests.received", r),
		ProxiedHTTP:        metrics.GetOrRegisterCounter("http.requests.proxied", r),
		ReceivedHTTPS:      metrics.GetOrRegisterCounter("https.requests.received", r),
		ProxiedHTTPS:       metrics.GetOrRegisterCounter("https.requests.proxied", r),
		UpstreamErrors:     metrics.GetOrRegisterCounter("upstream.errors", r),
		HealthChecksFailed: metrics.GetOrRegisterCounter("health.checks.failed", r),
		registry:           r,
	}
}

// RunPrometheus exports the registry on bind until ctx is done.
func (m *Metrics) RunPrometheus(ctx context.Context, bind string, logger zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	p := prometheusmetrics.NewPrometheusProvider(m.registry, "proksi", "", reg, time.Second)
	go p.UpdatePrometheusMetrics()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	s := &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	logger.Info().Str("address", bind).Msg("starting metrics server")
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
