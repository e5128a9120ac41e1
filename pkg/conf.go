package proksi

import (
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/txthinking/socks5"
	"golang.org/x/net/proxy"

	"github.com/proksi/proksi/pkg/acl"
	"github.com/proksi/proksi/pkg/balancer"
	"github.com/proksi/proksi/pkg/certs"
	"github.com/proksi/proksi/pkg/resolver"
	"github.com/proksi/proksi/pkg/routes"
)

// Config holds the listener settings and the shared runtime objects.
type Config struct {
	BindHTTP              string        `koanf:"bind_http"`
	BindHTTPS             string        `koanf:"bind_https"`
	HTTPSRedirect         bool          `koanf:"https_redirect"`
	TLSCert               string        `koanf:"tls_cert"`
	TLSKey                string        `koanf:"tls_key"`
	UpstreamDNS           string        `koanf:"upstream_dns"`
	UpstreamDNSOverSocks5 bool          `koanf:"upstream_dns_over_socks5"`
	UpstreamSOCKS5        string        `koanf:"upstream_socks5"`
	BindPrometheus        string        `koanf:"prometheus"`
	ReadTimeout           time.Duration `koanf:"read_timeout"`
	WriteTimeout          time.Duration `koanf:"write_timeout"`
	IdleTimeout           time.Duration `koanf:"idle_timeout"`

	Acl      []acl.ACL         `koanf:"-"`
	Routes   *routes.Store     `koanf:"-"`
	Certs    *certs.Store      `koanf:"-"`
	Resolver balancer.Resolver `koanf:"-"`
	Dialer   proxy.Dialer      `koanf:"-"`
	Metrics  *Metrics          `koanf:"-"`
}

// below are some functions to help populating some config fields based on other config fields

// SetDialer sets up the Dialer used for upstream connections based on the
// proxy settings provided. An error means the application cannot continue.
func (c *Config) SetDialer(logger zerolog.Logger) error {
	if c.UpstreamSOCKS5 == "" {
		c.Dialer = proxy.Direct
		return nil
	}
	uri, err := url.Parse(c.UpstreamSOCKS5)
	if err != nil {
		return fmt.Errorf("parsing upstream_socks5: %w", err)
	}
	if uri.Scheme != "socks5" {
		return fmt.Errorf("only SOCKS5 is supported")
	}

	logger.Info().Msgf("Using an upstream SOCKS5 proxy: %s", uri.Host)
	user := uri.User.Username()
	password, _ := uri.User.Password()
	c.Dialer, err = socks5.NewClient(uri.Host, user, password, 60, 60)
	if err != nil {
		return fmt.Errorf("setting up the socks5 client: %w", err)
	}
	return nil
}

// SetResolver sets up the resolver of hostname backends. Without an
// upstream_dns the system resolver is used. When the upstream cannot be
// reached through the SOCKS5 proxy it falls back to a direct connection.
func (c *Config) SetResolver(logger zerolog.Logger) error {
	if c.UpstreamDNS == "" {
		c.Resolver = net.DefaultResolver
		return nil
	}
	var socksProxy string
	if c.UpstreamSOCKS5 != "" && c.UpstreamDNSOverSocks5 {
		socksProxy = c.UpstreamSOCKS5
	} else {
		logger.Debug().Msg("disabling socks5 for dns because either upstream socks5 is not provided or upstream dns over socks5 is disabled")
	}
	dnsClient, err := resolver.New(c.UpstreamDNS, socksProxy)
	if err != nil && socksProxy != "" {
		logger.Error().Msgf("error setting up dns client with socks5 proxy, falling back to direct DNS client: %v", err)
		dnsClient, err = resolver.New(c.UpstreamDNS, "")
	}
	if err != nil {
		return fmt.Errorf("error setting up dns client: %w", err)
	}
	c.Resolver = dnsClient
	return nil
}
