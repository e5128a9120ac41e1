// Package certs selects the certificate served for each TLS handshake:
// configured per-route files, a generated self-signed certificate when a
// route allows it, or the listener default.
package certs

import (
	"crypto/tls"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/proksi/proksi/pkg/routes"
)

// DefaultHost is the subject of the generated default certificate.
const DefaultHost = "proksi.local"

type cacheEntry struct {
	certFile, keyFile string
	cert              *tls.Certificate
}

// Store resolves certificates from the route table.
type Store struct {
	routes *routes.Store
	logger zerolog.Logger

	mu          sync.Mutex
	defaultCert *tls.Certificate
	cache       map[string]cacheEntry
}

// NewStore loads the default certificate from certFile/keyFile, or generates
// a self-signed one when both are empty.
func NewStore(rt *routes.Store, certFile, keyFile string, logger zerolog.Logger) (*Store, error) {
	s := &Store{routes: rt, logger: logger, cache: make(map[string]cacheEntry)}
	switch {
	case certFile != "" && keyFile != "":
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("loading default certificate: %w", err)
		}
		s.defaultCert = &cert
	case certFile == "" && keyFile == "":
		logger.Info().Msg("certificate was not provided, generating a self signed default certificate")
		cert, err := SelfSignedKeyPair(DefaultHost)
		if err != nil {
			return nil, fmt.Errorf("generating default certificate: %w", err)
		}
		s.defaultCert = cert
	default:
		return nil, fmt.Errorf("tls_cert and tls_key must be set together")
	}
	return s, nil
}

// certificateFor returns the certificate for a route, loading or generating
// it on first use. The cache is keyed by host and invalidated when the
// route's files change.
func (s *Store) certificateFor(r *routes.Route, sni string) *tls.Certificate {
	if r.CertFile == "" && !r.SelfSignedCertificate {
		return s.defaultCert
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.cache[r.Host]; ok && e.certFile == r.CertFile && e.keyFile == r.KeyFile {
		return e.cert
	}

	var cert *tls.Certificate
	if r.CertFile != "" {
		c, err := tls.LoadX509KeyPair(r.CertFile, r.KeyFile)
		if err == nil {
			cert = &c
		} else {
			s.logger.Error().Err(err).Str("host", r.Host).Msg("could not load route certificate")
		}
	}
	if cert == nil && r.SelfSignedCertificate {
		name := r.Host
		if strings.HasPrefix(name, "*.") {
			name = sni
		}
		c, err := SelfSignedKeyPair(name)
		if err != nil {
			s.logger.Error().Err(err).Str("host", r.Host).Msg("could not generate self signed certificate")
		} else {
			s.logger.Info().Str("host", name).Msg("serving self signed certificate")
			cert = c
		}
	}
	if cert == nil {
		cert = s.defaultCert
	}
	// wildcard routes with generated certs depend on the SNI, don't cache them
	if !(strings.HasPrefix(r.Host, "*.") && r.CertFile == "") {
		s.cache[r.Host] = cacheEntry{certFile: r.CertFile, keyFile: r.KeyFile, cert: cert}
	}
	return cert
}

// GetCertificate implements tls.Config.GetCertificate.
func (s *Store) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	sni := routes.NormalizeHost(hello.ServerName)
	if sni != "" {
		if r, ok := s.routes.Get(sni); ok {
			return s.certificateFor(r, sni), nil
		}
	}
	if s.defaultCert == nil {
		return nil, fmt.Errorf("no certificate for %q", sni)
	}
	return s.defaultCert, nil
}

// TLSConfig returns a server config backed by the store.
func (s *Store) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: s.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
	}
}
