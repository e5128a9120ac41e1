package health

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/rs/zerolog"

	"github.com/proksi/proksi/pkg/routes"
)

func upstream(t *testing.T, addr string) routes.Upstream {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	p, _ := strconv.Atoi(port)
	return routes.Upstream{IP: host, Port: p}
}

func TestCheckAllMarksDeadBackends(t *testing.T) {
	live, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer live.Close()
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := dead.Addr().String()
	dead.Close()

	store := routes.NewStore(routes.Options{HealthCheckFrequency: time.Millisecond, HealthCheckTimeout: 200 * time.Millisecond})
	if _, err := store.Add(routes.Definition{
		Host:      "example.com",
		Upstreams: []routes.Upstream{upstream(t, live.Addr().String()), upstream(t, deadAddr)},
	}); err != nil {
		t.Fatal(err)
	}

	s := New(store, time.Hour, zerolog.Nop())
	s.Failed = metrics.NewCounter()
	s.CheckAll(context.Background())

	r, _ := store.Get("example.com")
	if !r.LoadBalancer.Healthy(live.Addr().String()) {
		t.Error("live backend marked unhealthy")
	}
	if r.LoadBalancer.Healthy(deadAddr) {
		t.Error("dead backend still healthy")
	}
	if got := s.Failed.Count(); got != 1 {
		t.Errorf("failed counter = %d, want 1", got)
	}
	for i := 0; i < 4; i++ {
		b, err := r.LoadBalancer.Select()
		if err != nil {
			t.Fatal(err)
		}
		if b.Addr != live.Addr().String() {
			t.Errorf("selected %s, want the live backend", b.Addr)
		}
	}
}

func TestCheckAllSkipsRoutesNotDue(t *testing.T) {
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := dead.Addr().String()
	dead.Close()

	store := routes.NewStore(routes.Options{HealthCheckFrequency: time.Hour})
	if _, err := store.Add(routes.Definition{Host: "a.example.com", Upstreams: []routes.Upstream{upstream(t, deadAddr)}}); err != nil {
		t.Fatal(err)
	}
	s := New(store, time.Hour, zerolog.Nop())
	s.CheckAll(context.Background())
	r, _ := store.Get("a.example.com")
	if r.LoadBalancer.Healthy(deadAddr) {
		t.Fatal("first run must probe the backend")
	}

	// not due for an hour, a second run must not touch it even when it comes back
	back, err := net.Listen("tcp", deadAddr)
	if err != nil {
		t.Skipf("could not rebind %s: %v", deadAddr, err)
	}
	defer back.Close()
	s.CheckAll(context.Background())
	if r.LoadBalancer.Healthy(deadAddr) {
		t.Error("route checked before it was due")
	}

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	s.CheckAll(context.Background())
	if !r.LoadBalancer.Healthy(deadAddr) {
		t.Error("route not checked once due")
	}
}

func TestStartStopsWithContext(t *testing.T) {
	s := New(routes.NewStore(routes.Options{}), 10*time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
