// Package resolver resolves upstream hostnames through a configurable DNS
// upstream (plain UDP/TCP, DNS over TLS or DNS over HTTPS).
package resolver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	rdns "github.com/folbricht/routedns"
	"github.com/miekg/dns"
	"github.com/txthinking/socks5"
	"golang.org/x/net/proxy"
)

const (
	// DNSTimeout bounds a single upstream query
	DNSTimeout = 10 * time.Second
	// DNSClientUDPSize is the advertised EDNS0 buffer size
	DNSClientUDPSize = 1400
	// maxCNAMEDepth guards against CNAME loops
	maxCNAMEDepth = 8
)

// DNSClient is a wrapper around a routedns resolver.
type DNSClient struct {
	rdns.Resolver
}

// findBootstrapIP maps well-known resolvers to their address so DoT and DoH
// upstreams don't depend on the system resolver.
//
// dns.quad9.net -> 9.9.9.9
// one.one.one.one -> 1.1.1.1
// dns.google -> 8.8.8.8
func findBootstrapIP(fqdn string) string {
	host := strings.Split(fqdn, ":")[0]
	wellKnownDomains := map[string]string{
		"dns.quad9.net":   "9.9.9.9",
		"one.one.one.one": "1.1.1.1",
		"dns.google":      "8.8.8.8",
	}
	return wellKnownDomains[host]
}

func getDialerFromProxyURL(proxyURL string) (rdns.Dialer, error) {
	if proxyURL == "" {
		return &net.Dialer{}, nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return &net.Dialer{}, nil
	}
	auth := new(proxy.Auth)
	if u.User != nil {
		auth.User = u.User.Username()
		auth.Password, _ = u.User.Password()
	}
	return socks5.NewClient(u.Host, auth.User, auth.Password, 0, 5)
}

/*
New creates a DNS client from a URI.

Supported schemes:
  - udp://1.1.1.1:53 - plain DNS over UDP
  - tcp://9.9.9.9:53 - plain DNS over TCP
  - tcp-tls://one.one.one.one:853 - DNS over TLS
  - https://dns.google/dns-query - DNS over HTTPS

socksProxy, when not empty, is a socks5:// URL used to reach the upstream.
*/
func New(uri string, socksProxy string) (*DNSClient, error) {
	parsedURL, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	dialer, err := getDialerFromProxyURL(socksProxy)
	if err != nil {
		return nil, err
	}

	switch parsedURL.Scheme {
	case "udp", "tcp":
		host, port, err := net.SplitHostPort(parsedURL.Host)
		if err != nil {
			host = parsedURL.Host
			port = "53"
		}
		opt := rdns.DNSClientOptions{
			UDPSize:      DNSClientUDPSize,
			Dialer:       dialer,
			QueryTimeout: DNSTimeout,
		}
		id, err := rdns.NewDNSClient("proksi", rdns.AddressWithDefault(host, port), parsedURL.Scheme, opt)
		if err != nil {
			return nil, err
		}
		return &DNSClient{id}, nil
	case "tls", "tcp-tls":
		tlsConfig, err := rdns.TLSClientConfig("", "", "", strings.Split(parsedURL.Host, ":")[0])
		if err != nil {
			return nil, err
		}
		opt := rdns.DoTClientOptions{
			TLSConfig:     tlsConfig,
			BootstrapAddr: findBootstrapIP(parsedURL.Host),
			Dialer:        dialer,
		}
		id, err := rdns.NewDoTClient("proksi", parsedURL.Host, opt)
		if err != nil {
			return nil, err
		}
		return &DNSClient{id}, nil
	case "https":
		opt := rdns.DoHClientOptions{
			Method:        "POST",
			TLSConfig:     &tls.Config{ServerName: strings.Split(parsedURL.Host, ":")[0]},
			BootstrapAddr: findBootstrapIP(parsedURL.Host),
			Transport:     "tcp",
			Dialer:        dialer,
		}
		id, err := rdns.NewDoHClient("proksi", parsedURL.String(), opt)
		if err != nil {
			return nil, err
		}
		return &DNSClient{id}, nil
	}
	return nil, fmt.Errorf("failed to parse DNS upstream URI %q: unsupported scheme %q", uri, parsedURL.Scheme)
}

// query performs a single recursive query for fqdn.
func (c *DNSClient) query(fqdn string, qtype uint16) ([]dns.RR, error) {
	msg := dns.Msg{}
	msg.RecursionDesired = true
	msg.SetQuestion(dns.Fqdn(fqdn), qtype)
	msg.SetEdns0(DNSClientUDPSize, true)

	res, err := c.Resolve(&msg, rdns.ClientInfo{})
	if res == nil {
		if err == nil {
			err = fmt.Errorf("empty DNS response for %s", fqdn)
		}
		return nil, err
	}
	return res.Answer, err
}

func (c *DNSClient) lookup(fqdn string, qtype uint16, depth int) ([]string, error) {
	if depth > maxCNAMEDepth {
		return nil, fmt.Errorf("too many CNAME hops for %s", fqdn)
	}
	answers, err := c.query(fqdn, qtype)
	if err != nil {
		return nil, err
	}
	var out []string
	var target string
	for _, rr := range answers {
		switch v := rr.(type) {
		case *dns.A:
			out = append(out, v.A.String())
		case *dns.AAAA:
			out = append(out, v.AAAA.String())
		case *dns.CNAME:
			target = v.Target
		}
	}
	// a chain without addresses continues at its last hop
	if len(out) == 0 && target != "" {
		return c.lookup(target, qtype, depth+1)
	}
	return out, nil
}

// LookupHost returns the A records of host, falling back to AAAA when there
// are none. IP literals are returned as is.
func (c *DNSClient) LookupHost(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addrs, err := c.lookup(host, dns.TypeA, 0)
	if err == nil && len(addrs) > 0 {
		return addrs, nil
	}
	addrs6, err6 := c.lookup(host, dns.TypeAAAA, 0)
	if err6 != nil {
		if err != nil {
			return nil, err
		}
		return nil, err6
	}
	if len(addrs6) == 0 {
		return nil, fmt.Errorf("no address records for %s", host)
	}
	return addrs6, nil
}
