package routes

import (
	"net/http"

	"github.com/proksi/proksi/pkg/balancer"
	"github.com/proksi/proksi/pkg/plugins"
)

// Route is the routing entry of one host.
type Route struct {
	Host         string
	LoadBalancer *balancer.LoadBalancer
	PathMatcher  PathMatcher
	HeaderAdd    []Header
	HeaderRemove []string
	Plugins      []plugins.Plugin
	// SelfSignedCertificate allows a generated certificate when the
	// configured one cannot be loaded
	SelfSignedCertificate bool
	CertFile              string
	KeyFile               string
	TLSPassthrough        bool

	definition Definition
}

// Definition returns the definition the route was built from.
func (r *Route) Definition() Definition { return r.definition }

// ApplyHeaders removes then adds the configured headers on an upstream request.
func (r *Route) ApplyHeaders(h http.Header) {
	for _, name := range r.HeaderRemove {
		h.Del(name)
	}
	for _, hdr := range r.HeaderAdd {
		h.Set(hdr.Name, hdr.Value)
	}
}
