// Package balancer implements the per-route upstream set: round-robin
// selection over healthy backends, periodic health checks and re-resolution
// of hostname backends.
package balancer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrInvalidBackend is returned for an upstream that is not host:port
	ErrInvalidBackend = errors.New("invalid backend address")
	// ErrNoHealthyBackend is returned by Select when every backend is down
	ErrNoHealthyBackend = errors.New("no healthy backend")
)

// DefaultHealthCheckFrequency is how often a balancer wants its backends checked.
const DefaultHealthCheckFrequency = 15 * time.Second

// Backend is one upstream target.
type Backend struct {
	// Addr is the configured host:port
	Addr string
	// Resolved is the dialable ip:port, equal to Addr for IP backends
	Resolved string
}

// Resolver turns a hostname into addresses.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// HealthCheck probes a single backend.
type HealthCheck interface {
	Check(ctx context.Context, b Backend) error
}

type backendState struct {
	Backend
	healthy atomic.Bool
}

// LoadBalancer selects backends round-robin, skipping unhealthy ones.
type LoadBalancer struct {
	// HealthCheckFrequency is the minimum time between two health check runs
	HealthCheckFrequency time.Duration

	mu          sync.RWMutex
	backends    []*backendState
	counter     atomic.Uint64
	healthCheck HealthCheck
	resolver    Resolver
	lastCheck   time.Time
	logger      zerolog.Logger
}

func validAddr(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidBackend, addr, err)
	}
	if host == "" {
		return fmt.Errorf("%w %q: empty host", ErrInvalidBackend, addr)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("%w %q: bad port", ErrInvalidBackend, addr)
	}
	return nil
}

// New builds a balancer over addrs. Duplicate addresses are collapsed.
func New(addrs []string) (*LoadBalancer, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: no upstreams", ErrInvalidBackend)
	}
	lb := &LoadBalancer{
		HealthCheckFrequency: DefaultHealthCheckFrequency,
		logger:               zerolog.Nop(),
	}
	seen := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		if err := validAddr(a); err != nil {
			return nil, err
		}
		if seen[a] {
			continue
		}
		seen[a] = true
		st := &backendState{Backend: Backend{Addr: a, Resolved: a}}
		st.healthy.Store(true)
		lb.backends = append(lb.backends, st)
	}
	return lb, nil
}

// SetHealthCheck installs the probe used by RunHealthCheck.
func (lb *LoadBalancer) SetHealthCheck(hc HealthCheck) { lb.healthCheck = hc }

// SetResolver installs the resolver used by Update for hostname backends.
func (lb *LoadBalancer) SetResolver(r Resolver) { lb.resolver = r }

// SetLogger sets the logger used for health transitions.
func (lb *LoadBalancer) SetLogger(l zerolog.Logger) { lb.logger = l }

// Backends returns a snapshot of the backends.
func (lb *LoadBalancer) Backends() []Backend {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	out := make([]Backend, 0, len(lb.backends))
	for _, b := range lb.backends {
		out = append(out, b.Backend)
	}
	return out
}

// Addrs returns the configured addresses, sorted.
func (lb *LoadBalancer) Addrs() []string {
	bs := lb.Backends()
	out := make([]string, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.Addr)
	}
	sort.Strings(out)
	return out
}

// SameBackends reports whether both balancers have the same set of
// configured addresses.
func (lb *LoadBalancer) SameBackends(other *LoadBalancer) bool {
	a, b := lb.Addrs(), other.Addrs()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Healthy reports the last known health of addr.
func (lb *LoadBalancer) Healthy(addr string) bool {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	for _, b := range lb.backends {
		if b.Addr == addr {
			return b.healthy.Load()
		}
	}
	return false
}

// Select returns the next healthy backend.
func (lb *LoadBalancer) Select() (Backend, error) {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	n := len(lb.backends)
	if n == 0 {
		return Backend{}, ErrNoHealthyBackend
	}
	// the counter moves once per candidate, so a dead backend's turn is
	// not handed to its successor
	for i := 0; i < n; i++ {
		b := lb.backends[(lb.counter.Add(1)-1)%uint64(n)]
		if b.healthy.Load() {
			return b.Backend, nil
		}
	}
	return Backend{}, ErrNoHealthyBackend
}

// Update re-resolves hostname backends. IP backends are left untouched.
// A failed lookup keeps the previous resolution.
func (lb *LoadBalancer) Update(ctx context.Context) error {
	if lb.resolver == nil {
		return nil
	}
	lb.mu.RLock()
	backends := append([]*backendState(nil), lb.backends...)
	lb.mu.RUnlock()

	var errs []error
	for _, b := range backends {
		host, port, _ := net.SplitHostPort(b.Addr)
		if net.ParseIP(host) != nil {
			continue
		}
		addrs, err := lb.resolver.LookupHost(ctx, host)
		if err != nil || len(addrs) == 0 {
			errs = append(errs, fmt.Errorf("resolving %s: %w", host, err))
			continue
		}
		resolved := net.JoinHostPort(addrs[0], port)
		lb.mu.Lock()
		b.Resolved = resolved
		lb.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Due reports whether HealthCheckFrequency has elapsed since the last run.
func (lb *LoadBalancer) Due(now time.Time) bool {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	return lb.lastCheck.IsZero() || now.Sub(lb.lastCheck) >= lb.HealthCheckFrequency
}

// RunHealthCheck probes every backend and records the results. With
// parallel set, backends are probed concurrently.
func (lb *LoadBalancer) RunHealthCheck(ctx context.Context, parallel bool) {
	if lb.healthCheck == nil {
		return
	}
	lb.mu.Lock()
	lb.lastCheck = time.Now()
	backends := append([]*backendState(nil), lb.backends...)
	lb.mu.Unlock()

	check := func(b *backendState) {
		lb.mu.RLock()
		target := b.Backend
		lb.mu.RUnlock()
		err := lb.healthCheck.Check(ctx, target)
		healthy := err == nil
		if was := b.healthy.Swap(healthy); was != healthy {
			if healthy {
				lb.logger.Info().Str("backend", target.Addr).Msg("backend is healthy again")
			} else {
				lb.logger.Warn().Str("backend", target.Addr).Err(err).Msg("backend marked unhealthy")
			}
		}
	}

	if !parallel {
		for _, b := range backends {
			check(b)
		}
		return
	}
	var wg sync.WaitGroup
	for _, b := range backends {
		wg.Add(1)
		go func(b *backendState) {
			defer wg.Done()
			check(b)
		}(b)
	}
	wg.Wait()
}
