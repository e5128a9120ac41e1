package proksi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"

	"github.com/proksi/proksi/pkg/acl"
	"github.com/proksi/proksi/pkg/balancer"
	"github.com/proksi/proksi/pkg/plugins"
	"github.com/proksi/proksi/pkg/routes"
)

// dialContext adapts d to the DialContext signature of http.Transport.
// Loopback targets never go through the SOCKS5 proxy.
func dialContext(d proxy.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	direct := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	if d == nil || d == proxy.Direct {
		return direct.DialContext
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
				return direct.DialContext(ctx, network, addr)
			}
		}
		if cd, ok := d.(proxy.ContextDialer); ok {
			return cd.DialContext(ctx, network, addr)
		}
		return d.Dial(network, addr)
	}
}

// Handler is the reverse proxy shared by the HTTP and HTTPS listeners.
type Handler struct {
	routes         *routes.Store
	acls           []acl.ACL
	received       metrics.Counter
	proxied        metrics.Counter
	upstreamErrors metrics.Counter
	transport      http.RoundTripper
	logger         zerolog.Logger

	redirect  bool
	httpsPort string
}

// NewHandler builds a handler counting into received and proxied. service
// names the listener in logs, http or https.
func NewHandler(c *Config, service string, received, proxied metrics.Counter, logger zerolog.Logger) *Handler {
	if received == nil {
		received = metrics.NilCounter{}
	}
	if proxied == nil {
		proxied = metrics.NilCounter{}
	}
	var upstreamErrors metrics.Counter = metrics.NilCounter{}
	if c.Metrics != nil {
		upstreamErrors = c.Metrics.UpstreamErrors
	}
	return &Handler{
		routes:         c.Routes,
		acls:           c.Acl,
		received:       received,
		proxied:        proxied,
		upstreamErrors: upstreamErrors,
		transport: &http.Transport{
			DialContext:           dialContext(c.Dialer),
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
		logger: logger.With().Str("service", service).Logger(),
	}
}

func remoteAddr(r *http.Request) net.Addr {
	addr, err := net.ResolveTCPAddr("tcp", r.RemoteAddr)
	if err != nil {
		return nil
	}
	return addr
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.received.Inc(1)
	host := routes.NormalizeHost(r.Host)
	l := h.logger.With().Str("host", host).Str("src_ip", r.RemoteAddr).Logger()

	if len(h.acls) > 0 {
		src := remoteAddr(r)
		if src == nil || !acl.Allowed(h.acls, src, host) {
			l.Info().Msg("rejected request")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	route, ok := h.routes.Get(host)
	if !ok {
		l.Debug().Msg("no route for host")
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if h.redirect {
		h.redirectHTTPS(w, r, host)
		return
	}
	if !route.PathMatcher.Match(r.URL.Path) {
		l.Debug().Str("path", r.URL.Path).Msg("path does not match the route")
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if plugins.Run(route.Plugins, w, r) {
		return
	}

	backend, err := route.LoadBalancer.Select()
	if err != nil {
		h.upstreamErrors.Inc(1)
		l.Warn().Err(err).Msg("no backend available")
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	h.forward(w, r, route, backend, l)
}

func (h *Handler) forward(w http.ResponseWriter, r *http.Request, route *routes.Route, backend balancer.Backend, l zerolog.Logger) {
	target := &url.URL{Scheme: "http", Host: backend.Resolved}
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.Host = pr.In.Host
			pr.SetXForwarded()
			route.ApplyHeaders(pr.Out.Header)
		},
		Transport: h.transport,
		ModifyResponse: func(*http.Response) error {
			h.proxied.Inc(1)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if errors.Is(err, context.Canceled) {
				l.Debug().Msg("client went away")
				return
			}
			h.upstreamErrors.Inc(1)
			l.Error().Err(err).Str("backend", backend.Addr).Msg("upstream request failed")
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	l.Debug().Str("method", r.Method).Str("url", r.URL.String()).Str("backend", backend.Addr).Msg("proxying request")
	rp.ServeHTTP(w, r)
}

// RedirectToHTTPS makes h answer requests for known hosts with a permanent
// redirect to https once the ACLs have accepted them.
func (h *Handler) RedirectToHTTPS(bindHTTPS string) {
	_, port, err := net.SplitHostPort(bindHTTPS)
	if err != nil || port == "443" {
		port = ""
	}
	h.redirect, h.httpsPort = true, port
}

func (h *Handler) redirectHTTPS(w http.ResponseWriter, r *http.Request, host string) {
	if h.httpsPort != "" {
		host = net.JoinHostPort(host, h.httpsPort)
	}
	http.Redirect(w, r, fmt.Sprintf("https://%s%s", host, r.URL.RequestURI()), http.StatusPermanentRedirect)
}
