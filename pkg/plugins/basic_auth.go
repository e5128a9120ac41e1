package plugins

import (
	"crypto/subtle"
	"fmt"
	"net/http"
)

// basicAuth rejects requests without the configured credentials.
type basicAuth struct {
	user  string
	pass  string
	realm string
}

func (p *basicAuth) Name() string { return "basic_auth" }

func (p *basicAuth) Filter(w http.ResponseWriter, r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if ok &&
		subtle.ConstantTimeCompare([]byte(user), []byte(p.user)) == 1 &&
		subtle.ConstantTimeCompare([]byte(pass), []byte(p.pass)) == 1 {
		// upstreams don't need our credentials
		r.Header.Del("Authorization")
		return false
	}
	w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", p.realm))
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	return true
}

func init() {
	register("basic_auth", func(config map[string]any) (Plugin, error) {
		p := &basicAuth{
			user:  stringOpt(config, "user", ""),
			pass:  stringOpt(config, "pass", ""),
			realm: stringOpt(config, "realm", "proksi"),
		}
		if p.user == "" || p.pass == "" {
			return nil, fmt.Errorf("basic_auth: user and pass are required")
		}
		return p, nil
	})
}
