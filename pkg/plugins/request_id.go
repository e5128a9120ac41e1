package plugins

import (
	"net/http"

	"github.com/google/uuid"
)

// DefaultRequestIDHeader is the header request_id sets when none is configured.
const DefaultRequestIDHeader = "X-Request-Id"

// requestID tags each request with a unique id, keeping one supplied by the client.
type requestID struct {
	header string
}

func (p *requestID) Name() string { return "request_id" }

func (p *requestID) Filter(w http.ResponseWriter, r *http.Request) bool {
	id := r.Header.Get(p.header)
	if id == "" {
		id = uuid.NewString()
		r.Header.Set(p.header, id)
	}
	w.Header().Set(p.header, id)
	return false
}

func init() {
	register("request_id", func(config map[string]any) (Plugin, error) {
		return &requestID{header: http.CanonicalHeaderKey(stringOpt(config, "header", DefaultRequestIDHeader))}, nil
	})
}
