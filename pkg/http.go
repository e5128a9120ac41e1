package proksi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/rcrowley/go-metrics"
	"github.com/rs/zerolog"
)

// recoveryLogger sends recovered panics to zerolog.
type recoveryLogger struct {
	logger zerolog.Logger
}

func (r recoveryLogger) Println(v ...interface{}) {
	r.logger.Error().Msg(fmt.Sprint(v...))
}

// wrap adds access logging to accessLog and panic recovery around h.
func wrap(h http.Handler, accessLog io.Writer, logger zerolog.Logger) http.Handler {
	if accessLog != nil {
		h = handlers.CombinedLoggingHandler(accessLog, h)
	}
	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{logger}),
		handlers.PrintRecoveryStack(true),
	)(h)
}

func (c *Config) newServer(h http.Handler) *http.Server {
	return &http.Server{
		Handler:           h,
		ReadTimeout:       c.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      c.WriteTimeout,
		IdleTimeout:       c.IdleTimeout,
		MaxHeaderBytes:    1 << 20,
	}
}

// HTTPHandler is the handler of the plain HTTP listener.
func HTTPHandler(c *Config, accessLog io.Writer, l zerolog.Logger) http.Handler {
	received, proxied := c.counters(false)
	h := NewHandler(c, "http", received, proxied, l)
	if c.HTTPSRedirect {
		h.RedirectToHTTPS(c.BindHTTPS)
	}
	return wrap(h, accessLog, l.With().Str("service", "http").Logger())
}

func (c *Config) counters(tls bool) (received, proxied metrics.Counter) {
	if c.Metrics == nil {
		return nil, nil
	}
	if tls {
		return c.Metrics.ReceivedHTTPS, c.Metrics.ProxiedHTTPS
	}
	return c.Metrics.ReceivedHTTP, c.Metrics.ProxiedHTTP
}

// ServeHTTP serves plain HTTP on ln until ctx is done.
func ServeHTTP(ctx context.Context, c *Config, ln net.Listener, accessLog io.Writer, l zerolog.Logger) error {
	s := c.newServer(HTTPHandler(c, accessLog, l))
	go func() {
		<-ctx.Done()
		shutdown(s)
	}()
	if err := s.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// RunHTTP listens on BindHTTP and serves until ctx is done.
func RunHTTP(ctx context.Context, c *Config, accessLog io.Writer, l zerolog.Logger) error {
	ln, err := net.Listen("tcp", c.BindHTTP)
	if err != nil {
		return fmt.Errorf("listening http on %s: %w", c.BindHTTP, err)
	}
	l.Info().Str("service", "http").Msgf("listening http on %s", ln.Addr())
	return ServeHTTP(ctx, c, ln, accessLog, l)
}

func shutdown(s *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		_ = s.Close()
	}
}
