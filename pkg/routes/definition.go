package routes

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Upstream is a single backend of a route.
type Upstream struct {
	IP   string `koanf:"ip" yaml:"ip"`
	Port int    `koanf:"port" yaml:"port"`
}

// Addr returns the upstream as host:port.
func (u Upstream) Addr() string {
	return net.JoinHostPort(u.IP, strconv.Itoa(u.Port))
}

// PathMatcherConfig lists path patterns a request must match.
type PathMatcherConfig struct {
	Patterns []string `koanf:"patterns" yaml:"patterns"`
}

// Matcher restricts which requests of a host a route accepts.
type Matcher struct {
	Path *PathMatcherConfig `koanf:"path" yaml:"path"`
}

// Header is a name/value pair added to upstream requests.
type Header struct {
	Name  string `koanf:"name" yaml:"name"`
	Value string `koanf:"value" yaml:"value"`
}

// HeaderName names a header removed from upstream requests.
type HeaderName struct {
	Name string `koanf:"name" yaml:"name"`
}

// Headers is the header manipulation of a route.
type Headers struct {
	Add    []Header     `koanf:"add" yaml:"add"`
	Remove []HeaderName `koanf:"remove" yaml:"remove"`
}

// PluginConfig enables a plugin on a route.
type PluginConfig struct {
	Name   string         `koanf:"name" yaml:"name"`
	Config map[string]any `koanf:"config" yaml:"config"`
}

// CertificatePath points at PEM files for a route.
type CertificatePath struct {
	Cert string `koanf:"cert" yaml:"cert"`
	Key  string `koanf:"key" yaml:"key"`
}

// SSLCertificate configures the certificate served for a route.
type SSLCertificate struct {
	SelfSignedOnFailure bool             `koanf:"self_signed_on_failure" yaml:"self_signed_on_failure"`
	Path                *CertificatePath `koanf:"path" yaml:"path"`
}

// Definition is a route as written in configuration or produced by discovery.
type Definition struct {
	Host           string          `koanf:"host" yaml:"host"`
	Upstreams      []Upstream      `koanf:"upstreams" yaml:"upstreams"`
	MatchWith      *Matcher        `koanf:"match_with" yaml:"match_with"`
	Headers        *Headers        `koanf:"headers" yaml:"headers"`
	Plugins        []PluginConfig  `koanf:"plugins" yaml:"plugins"`
	SSLCertificate *SSLCertificate `koanf:"ssl_certificate" yaml:"ssl_certificate"`
	// TLSPassthrough forwards TLS connections for Host untouched
	TLSPassthrough bool `koanf:"tls_passthrough" yaml:"tls_passthrough"`
}

// UpstreamAddrs returns the upstreams as host:port strings.
func (d Definition) UpstreamAddrs() []string {
	out := make([]string, 0, len(d.Upstreams))
	for _, u := range d.Upstreams {
		out = append(out, u.Addr())
	}
	return out
}

// PathPatterns returns the configured path patterns, if any.
func (d Definition) PathPatterns() []string {
	if d.MatchWith == nil || d.MatchWith.Path == nil {
		return nil
	}
	return d.MatchWith.Path.Patterns
}

// NormalizeHost lowercases host and strips any port and trailing dot.
func NormalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	return strings.TrimSuffix(host, ".")
}

func validateHost(host string) error {
	if host == "" {
		return fmt.Errorf("route host is empty")
	}
	if strings.Contains(host, "*") && (!strings.HasPrefix(host, "*.") || strings.Count(host, "*") > 1) {
		return fmt.Errorf("route host %q: only a leading *. wildcard is supported", host)
	}
	return nil
}
