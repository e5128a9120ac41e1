// Package health periodically refreshes and probes the backends of every route.
package health

import (
	"context"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/rs/zerolog"

	"github.com/proksi/proksi/pkg/routes"
)

// DefaultInterval is how often the service wakes up to look for due routes.
const DefaultInterval = 20 * time.Second

// Service runs the health checks of all routes in a store.
type Service struct {
	Store    *routes.Store
	Interval time.Duration
	Logger   zerolog.Logger
	// Failed counts backends found unhealthy, may be nil
	Failed metrics.Counter

	now func() time.Time
}

// New returns a service checking the routes of store every interval.
func New(store *routes.Store, interval time.Duration, logger zerolog.Logger) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Service{
		Store:    store,
		Interval: interval,
		Logger:   logger.With().Str("service", "health").Logger(),
		now:      time.Now,
	}
}

// Start blocks until ctx is done. The first check happens one interval
// after start, the routes have just been built healthy.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Logger.Debug().Msg("health service stopped")
			return
		case <-ticker.C:
			s.CheckAll(ctx)
		}
	}
}

// CheckAll re-resolves and probes the backends of every due route.
func (s *Service) CheckAll(ctx context.Context) {
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	for _, r := range s.Store.All() {
		lb := r.LoadBalancer
		if !lb.Due(now()) {
			continue
		}
		if err := lb.Update(ctx); err != nil {
			s.Logger.Warn().Str("host", r.Host).Err(err).Msg("could not refresh backends")
		}
		lb.RunHealthCheck(ctx, true)
		if s.Failed == nil {
			continue
		}
		for _, b := range lb.Backends() {
			if !lb.Healthy(b.Addr) {
				s.Failed.Inc(1)
			}
		}
	}
}
