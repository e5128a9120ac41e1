package proksi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/rs/zerolog"
	"github.com/inetaf/tcpproxy"

	"github.com/proksi/proksi/pkg/acl"
)

// passthroughTarget forwards a TLS connection untouched to a backend of the
// route matching its SNI.
type passthroughTarget struct {
	c              *Config
	received       metrics.Counter
	proxied        metrics.Counter
	upstreamErrors metrics.Counter
	logger         zerolog.Logger
}

func newPassthroughTarget(c *Config, l zerolog.Logger) *passthroughTarget {
	t := &passthroughTarget{
		c:              c,
		received:       metrics.NilCounter{},
		proxied:        metrics.NilCounter{},
		upstreamErrors: metrics.NilCounter{},
		logger:         l,
	}
	if c.Metrics != nil {
		t.received, t.proxied, t.upstreamErrors = c.Metrics.ReceivedHTTPS, c.Metrics.ProxiedHTTPS, c.Metrics.UpstreamErrors
	}
	return t
}

// match selects the connections this target handles.
func (t *passthroughTarget) match(_ context.Context, sni string) bool {
	r, ok := t.c.Routes.Get(sni)
	return ok && r.TLSPassthrough
}

func (t *passthroughTarget) HandleConn(conn net.Conn) {
	t.received.Inc(1)
	var sni string
	if tc, ok := conn.(*tcpproxy.Conn); ok {
		sni = tc.HostName
	}
	l := t.logger.With().Str("sni", sni).Str("src_ip", conn.RemoteAddr().String()).Logger()

	if !acl.Allowed(t.c.Acl, conn.RemoteAddr(), sni) {
		l.Warn().Msg("ACL rejection")
		conn.Close()
		return
	}
	route, ok := t.c.Routes.Get(sni)
	if !ok || !route.TLSPassthrough {
		// the route went away between the match and now
		conn.Close()
		return
	}
	backend, err := route.LoadBalancer.Select()
	if err != nil {
		t.upstreamErrors.Inc(1)
		l.Warn().Err(err).Msg("no backend available")
		conn.Close()
		return
	}
	l.Debug().Str("backend", backend.Addr).Msg("passing connection through")
	t.proxied.Inc(1)
	dp := &tcpproxy.DialProxy{
		Addr:        backend.Resolved,
		DialTimeout: 10 * time.Second,
		DialContext: dialContext(t.c.Dialer),
		OnDialError: func(src net.Conn, err error) {
			t.upstreamErrors.Inc(1)
			l.Info().Msgf("could not connect to target with error: %s", err)
			src.Close()
		},
	}
	dp.HandleConn(conn)
}

// ServeHTTPS serves the TLS front on ln until ctx is done. Passthrough
// routes are matched by SNI on every connection, so routes added later by
// discovery are honoured.
func ServeHTTPS(ctx context.Context, c *Config, ln net.Listener, accessLog io.Writer, l zerolog.Logger) error {
	if c.Certs == nil {
		return fmt.Errorf("https listener needs a certificate store")
	}
	l = l.With().Str("service", "https").Logger()
	addr := ln.Addr().String()

	p := &tcpproxy.Proxy{
		ListenFunc: func(_, _ string) (net.Listener, error) { return ln, nil },
	}
	pt := newPassthroughTarget(c, l)
	p.AddSNIMatchRoute(addr, pt.match, pt)
	terminate := &tcpproxy.TargetListener{Address: addr}
	p.AddRoute(addr, terminate)

	received, proxied := c.counters(true)
	s := c.newServer(wrap(NewHandler(c, "https", received, proxied, l), accessLog, l))
	s.TLSConfig = c.Certs.TLSConfig()

	if err := p.Start(); err != nil {
		return fmt.Errorf("starting the tls front: %w", err)
	}
	go func() {
		<-ctx.Done()
		shutdown(s)
		_ = p.Close()
	}()

	errc := make(chan error, 2)
	go func() { errc <- p.Wait() }()
	go func() { errc <- s.ServeTLS(terminate, "", "") }()
	err := <-errc
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// RunHTTPS listens on BindHTTPS and serves until ctx is done.
func RunHTTPS(ctx context.Context, c *Config, accessLog io.Writer, l zerolog.Logger) error {
	ln, err := net.Listen("tcp", c.BindHTTPS)
	if err != nil {
		return fmt.Errorf("listening https on %s: %w", c.BindHTTPS, err)
	}
	l.Info().Str("service", "https").Msgf("listening https on %s", ln.Addr())
	return ServeHTTPS(ctx, c, ln, accessLog, l)
}
