package plugins

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNames(t *testing.T) {
	got := Names()
	want := []string{"basic_auth", "request_id"}
	if len(got) != len(want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names() = %v, want %v", got, want)
		}
	}
}

func TestBuild(t *testing.T) {
	tests := []struct {
		desc    string
		name    string
		config  map[string]any
		wantErr bool
		is      error
	}{
		{desc: "request id", name: "request_id"},
		{desc: "basic auth", name: "basic_auth", config: map[string]any{"user": "a", "pass": "b"}},
		{desc: "basic auth without pass", name: "basic_auth", config: map[string]any{"user": "a"}, wantErr: true},
		{desc: "oauth2", name: "oauth2", wantErr: true, is: ErrNotImplemented},
		{desc: "unknown", name: "rate_limit", wantErr: true, is: ErrUnknownPlugin},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			_, err := Build(tt.name, tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Build(%s) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Errorf("Build(%s) error = %v, want %v", tt.name, err, tt.is)
			}
		})
	}
}

func TestRequestID(t *testing.T) {
	p, err := Build("request_id", nil)
	if err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	if p.Filter(w, r) {
		t.Fatal("request_id must not answer the request")
	}
	id := r.Header.Get(DefaultRequestIDHeader)
	if len(id) != 36 {
		t.Errorf("generated id %q is not a uuid", id)
	}
	if w.Header().Get(DefaultRequestIDHeader) != id {
		t.Error("response does not echo the request id")
	}

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(DefaultRequestIDHeader, "client-id")
	p.Filter(httptest.NewRecorder(), r)
	if got := r.Header.Get(DefaultRequestIDHeader); got != "client-id" {
		t.Errorf("client supplied id replaced with %q", got)
	}
}

func TestRequestIDCustomHeader(t *testing.T) {
	p, _ := Build("request_id", map[string]any{"header": "x-trace-id"})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	p.Filter(httptest.NewRecorder(), r)
	if r.Header.Get("X-Trace-Id") == "" {
		t.Error("custom header not set")
	}
}

func TestBasicAuth(t *testing.T) {
	p, err := Build("basic_auth", map[string]any{"user": "admin", "pass": "s3cret"})
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name       string
		user, pass string
		set        bool
		wantDone   bool
	}{
		{name: "valid", user: "admin", pass: "s3cret", set: true, wantDone: false},
		{name: "wrong pass", user: "admin", pass: "nope", set: true, wantDone: true},
		{name: "wrong user", user: "root", pass: "s3cret", set: true, wantDone: true},
		{name: "missing", wantDone: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.set {
				r.SetBasicAuth(tt.user, tt.pass)
			}
			w := httptest.NewRecorder()
			done := p.Filter(w, r)
			if done != tt.wantDone {
				t.Fatalf("Filter() = %v, want %v", done, tt.wantDone)
			}
			if done {
				if w.Code != http.StatusUnauthorized {
					t.Errorf("status = %d, want 401", w.Code)
				}
				if w.Header().Get("WWW-Authenticate") == "" {
					t.Error("missing WWW-Authenticate")
				}
			} else if r.Header.Get("Authorization") != "" {
				t.Error("credentials forwarded upstream")
			}
		})
	}
}

func TestRun(t *testing.T) {
	auth, _ := Build("basic_auth", map[string]any{"user": "a", "pass": "b"})
	rid, _ := Build("request_id", nil)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	if !Run([]Plugin{rid, auth}, w, r) {
		t.Error("chain should stop at basic_auth")
	}
	if r.Header.Get(DefaultRequestIDHeader) == "" {
		t.Error("request_id should have run before basic_auth")
	}
}
