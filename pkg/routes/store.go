// Package routes keeps the host to route table shared by the listeners, the
// discovery sources and the health service.
package routes

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-collections/collections/tst"
	"github.com/rs/zerolog"
	"golang.org/x/net/http/httpguts"

	"github.com/proksi/proksi/pkg/balancer"
	"github.com/proksi/proksi/pkg/plugins"
)

// ErrInvalidUpstream wraps balancer construction failures.
var ErrInvalidUpstream = errors.New("invalid upstreams")

// Options are applied to every route the store builds.
type Options struct {
	HealthCheckFrequency time.Duration
	HealthCheckTimeout   time.Duration
	Resolver             balancer.Resolver
	Logger               zerolog.Logger
}

// Store is a concurrency-safe host to Route map with support for leading
// wildcard hosts such as *.example.com.
type Store struct {
	opts Options

	mu       sync.RWMutex
	routes   map[string]*Route
	suffixes *tst.TernarySearchTree
}

// NewStore returns an empty store.
func NewStore(opts Options) *Store {
	if opts.HealthCheckFrequency == 0 {
		opts.HealthCheckFrequency = balancer.DefaultHealthCheckFrequency
	}
	if opts.HealthCheckTimeout == 0 {
		opts.HealthCheckTimeout = time.Second
	}
	return &Store{
		opts:     opts,
		routes:   make(map[string]*Route),
		suffixes: tst.New(),
	}
}

func reverse(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < len(r)/2; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}

// rebuildSuffixes must be called with mu held for writing.
func (s *Store) rebuildSuffixes() {
	s.suffixes = tst.New()
	for host := range s.routes {
		if suffix, ok := strings.CutPrefix(host, "*"); ok {
			// keyed by the reversed suffix, e.g. "moc.elpmaxe."
			s.suffixes.Insert(reverse(suffix), host)
		}
	}
}

// Get looks up the route for host, trying an exact match first and then the
// longest matching wildcard.
func (s *Store) Get(host string) (*Route, bool) {
	host = NormalizeHost(host)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.routes[host]; ok {
		return r, true
	}
	if s.suffixes.Len() == 0 {
		return nil, false
	}
	// walk the parent domains, most specific first
	for i := strings.IndexByte(host, '.'); i >= 0; {
		if v := s.suffixes.Get(reverse(host[i:])); v != nil {
			if r, ok := s.routes[v.(string)]; ok {
				return r, true
			}
		}
		next := strings.IndexByte(host[i+1:], '.')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return nil, false
}

// All returns a snapshot of every route.
func (s *Store) All() []*Route {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Route, 0, len(s.routes))
	for _, r := range s.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

// Hosts returns every configured host, sorted.
func (s *Store) Hosts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.routes))
	for h := range s.routes {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Remove deletes the route of host and reports whether it existed.
func (s *Store) Remove(host string) bool {
	host = NormalizeHost(host)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.routes[host]; !ok {
		return false
	}
	delete(s.routes, host)
	s.rebuildSuffixes()
	return true
}

// unchanged reports whether def describes the same route as existing.
// Upstream order does not matter.
func unchanged(existing *Route, def Definition, lb *balancer.LoadBalancer) bool {
	if !existing.LoadBalancer.SameBackends(lb) {
		return false
	}
	a, b := existing.definition, def
	a.Upstreams, b.Upstreams = nil, nil
	return reflect.DeepEqual(a, b)
}

// Add inserts or replaces the route described by def. It returns false
// without touching the store when an identical route already exists.
func (s *Store) Add(def Definition) (bool, error) {
	host := NormalizeHost(def.Host)
	if err := validateHost(host); err != nil {
		return false, err
	}
	def.Host = host
	l := s.opts.Logger.With().Str("host", host).Logger()

	lb, err := balancer.New(def.UpstreamAddrs())
	if err != nil {
		l.Info().Strs("upstreams", def.UpstreamAddrs()).Msg("could not create upstreams for host")
		return false, fmt.Errorf("%w for %s: %v", ErrInvalidUpstream, host, err)
	}

	if existing, ok := s.Get(host); ok && existing.Host == host && unchanged(existing, def, lb) {
		l.Debug().Msg("skipping update, no routing changes for host")
		return false, nil
	}

	lb.SetHealthCheck(balancer.NewTCPHealthCheck(s.opts.HealthCheckTimeout))
	lb.HealthCheckFrequency = s.opts.HealthCheckFrequency
	lb.SetLogger(l)
	if s.opts.Resolver != nil {
		lb.SetResolver(s.opts.Resolver)
	}

	route := &Route{
		Host:           host,
		LoadBalancer:   lb,
		TLSPassthrough: def.TLSPassthrough,
		definition:     def,
	}

	if def.SSLCertificate != nil {
		route.SelfSignedCertificate = def.SSLCertificate.SelfSignedOnFailure
		if p := def.SSLCertificate.Path; p != nil {
			route.CertFile, route.KeyFile = p.Cert, p.Key
		}
	}

	if def.Headers != nil {
		for _, h := range def.Headers.Add {
			if !httpguts.ValidHeaderFieldName(h.Name) || !httpguts.ValidHeaderFieldValue(h.Value) {
				return false, fmt.Errorf("route %s: invalid header %q", host, h.Name)
			}
			route.HeaderAdd = append(route.HeaderAdd, Header{Name: http.CanonicalHeaderKey(h.Name), Value: h.Value})
		}
		for _, h := range def.Headers.Remove {
			if !httpguts.ValidHeaderFieldName(h.Name) {
				return false, fmt.Errorf("route %s: invalid header name %q", host, h.Name)
			}
			route.HeaderRemove = append(route.HeaderRemove, http.CanonicalHeaderKey(h.Name))
		}
	}

	for _, pc := range def.Plugins {
		p, err := plugins.Build(pc.Name, pc.Config)
		if err != nil {
			if errors.Is(err, plugins.ErrUnknownPlugin) || errors.Is(err, plugins.ErrNotImplemented) {
				l.Warn().Err(err).Str("plugin", pc.Name).Strs("available", plugins.Names()).Msg("ignoring plugin")
				continue
			}
			return false, fmt.Errorf("route %s: %w", host, err)
		}
		route.Plugins = append(route.Plugins, p)
	}

	route.PathMatcher, err = NewPathMatcher(def.PathPatterns())
	if err != nil {
		return false, fmt.Errorf("route %s: %w", host, err)
	}

	s.mu.Lock()
	s.routes[host] = route
	s.rebuildSuffixes()
	s.mu.Unlock()
	l.Debug().Strs("upstreams", def.UpstreamAddrs()).Bool("self_signed", route.SelfSignedCertificate).Msg("added route")
	return true, nil
}
