// Package discovery feeds the route store: the static routes of the
// configuration first, then updates published by the routes file watcher
// and the docker label poller.
package discovery

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/proksi/proksi/pkg/routes"
)

// Kind is the type of a routing update.
type Kind uint8

const (
	// KindNewRoute adds or replaces a route
	KindNewRoute Kind = iota
	// KindRemoveRoute deletes the route of a host
	KindRemoveRoute
)

// Update is a message sent to the routing service.
type Update struct {
	Kind  Kind
	Route routes.Definition
	Host  string
}

// NewRoute builds an update adding def.
func NewRoute(def routes.Definition) Update {
	return Update{Kind: KindNewRoute, Route: def, Host: def.Host}
}

// RemoveRoute builds an update deleting the route of host.
func RemoveRoute(host string) Update {
	return Update{Kind: KindRemoveRoute, Host: host}
}

// Publisher accepts routing updates.
type Publisher interface {
	Publish(Update)
}

// Service applies the static routes and the published updates to a store.
type Service struct {
	store   *routes.Store
	static  []routes.Definition
	updates chan Update
	stopped chan struct{}
	logger  zerolog.Logger

	staticOnce sync.Once
}

// New returns a service that will add static to store when started.
func New(store *routes.Store, static []routes.Definition, logger zerolog.Logger) *Service {
	return &Service{
		store:   store,
		static:  static,
		updates: make(chan Update, 64),
		stopped: make(chan struct{}),
		logger:  logger.With().Str("service", "discovery").Logger(),
	}
}

// AddStatic adds the configured routes once. Invalid routes are logged and
// skipped.
func (s *Service) AddStatic() {
	s.staticOnce.Do(func() {
		for _, def := range s.static {
			s.apply(NewRoute(def))
		}
	})
}

// Start adds the static routes then applies updates until ctx is done.
func (s *Service) Start(ctx context.Context) {
	defer close(s.stopped)
	s.AddStatic()
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-s.updates:
			s.apply(u)
		}
	}
}

// Publish queues u. It blocks while the queue is full and drops u once the
// service has stopped.
func (s *Service) Publish(u Update) {
	select {
	case s.updates <- u:
	case <-s.stopped:
		s.logger.Debug().Str("host", u.Host).Msg("discovery stopped, dropping update")
	}
}

func (s *Service) apply(u Update) {
	switch u.Kind {
	case KindNewRoute:
		changed, err := s.store.Add(u.Route)
		if err != nil {
			s.logger.Warn().Err(err).Str("host", u.Route.Host).Msg("could not add route")
			return
		}
		if changed {
			s.logger.Info().Str("host", u.Route.Host).Strs("upstreams", u.Route.UpstreamAddrs()).Msg("route added")
		}
	case KindRemoveRoute:
		if s.store.Remove(u.Host) {
			s.logger.Info().Str("host", u.Host).Msg("route removed")
		}
	}
}
