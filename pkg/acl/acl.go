// Package acl decides whether a client may use the proxy at all, before any
// routing happens. ACLs register themselves at import time and are started
// from the acl section of the configuration.
package acl

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/knadh/koanf"
	"github.com/rs/zerolog"
)

// Decision is the type of decision that an ACL can make for each connection info
type Decision uint8

const (
	// Accept shows the indifference of the ACL to the connection
	Accept Decision = iota
	// Reject shows that the ACL has rejected the connection. each ACL should
	// check this before proceeding to check the connection against its rules
	Reject
)

func (d Decision) String() string {
	if d == Reject {
		return "reject"
	}
	return "accept"
}

// ConnInfo contains all the information about a connection that is available
// to the ACLs
type ConnInfo struct {
	SrcIP net.Addr
	Host  string
	Decision
}

// ACL is a single access rule set.
type ACL interface {
	Decide(*ConnInfo) error
	Name() string
	Priority() uint
	ConfigAndStart(*zerolog.Logger, *koanf.Koanf) error
}

// StartACLs starts all the ACLs that have been configured and registered.
// The result is sorted by priority.
func StartACLs(log *zerolog.Logger, k *koanf.Koanf) ([]ACL, error) {
	var a []ACL
	aclK := k.Cut("acl")
	for _, factory := range availableACLs {
		acl := factory()
		// only configure if the "enabled" key is set to true
		if !aclK.Bool(fmt.Sprintf("%s.enabled", acl.Name())) {
			continue
		}
		l := log.With().Str("service", acl.Name()).Logger()
		// the full config is passed on so ACLs can cut it themselves
		if err := acl.ConfigAndStart(&l, k); err != nil {
			return a, fmt.Errorf("starting %s acl: %w", acl.Name(), err)
		}
		a = append(a, acl)
	}
	sort.SliceStable(a, func(i, j int) bool { return a[i].Priority() < a[j].Priority() })
	return a, nil
}

// MakeDecision runs the ACLs in order and leaves the outcome in c.Decision.
func MakeDecision(c *ConnInfo, a []ACL) error {
	for _, acl := range a {
		if err := acl.Decide(c); err != nil {
			return err
		}
	}
	return nil
}

// Allowed is a shortcut for MakeDecision that reports whether the client
// may proceed. ACL errors reject.
func Allowed(a []ACL, src net.Addr, host string) bool {
	if len(a) == 0 {
		return true
	}
	c := ConnInfo{SrcIP: src, Host: host}
	if err := MakeDecision(&c, a); err != nil {
		return false
	}
	return c.Decision != Reject
}

// srcIP extracts the IP of a net.Addr.
func srcIP(a net.Addr) net.IP {
	switch v := a.(type) {
	case *net.TCPAddr:
		return v.IP
	case *net.UDPAddr:
		return v.IP
	case nil:
		return nil
	}
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		host = a.String()
	}
	return net.ParseIP(host)
}

// open returns a reader for a local path or an http(s) URL.
func open(logger *zerolog.Logger, path string) (io.ReadCloser, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		logger.Info().Msgf("(re)fetching URL: %s", path)
		resp, err := http.Get(path)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("fetching %s: %s", path, resp.Status)
		}
		return resp.Body, nil
	}
	logger.Info().Msgf("(re)loading file: %s", path)
	return os.Open(path)
}

// each ACL should register a constructor by appending to this list
var availableACLs []func() ACL
