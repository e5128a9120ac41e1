package acl

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stderr).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339, NoColor: true})

const cidrCSV = `# proksi cidr list
0.0.0.0/0,reject
77.77.0.0/16,allow
10.1.1.1,allow
192.168.0.0/16
`

func writeCSV(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "cidr.csv")
	if err := os.WriteFile(p, []byte(cidrCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func getAcls(t *testing.T, config string) []ACL {
	t.Helper()
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider([]byte(config)), yaml.Parser()); err != nil {
		t.Fatalf("error loading config: %v", err)
	}
	a, err := StartACLs(&logger, k)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func mockAddr(t *testing.T, ip string) net.Addr {
	t.Helper()
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(ip, "80"))
	if err != nil {
		t.Fatalf("error parsing ip from string: %v", err)
	}
	return addr
}

func TestCIDRDecision(t *testing.T) {
	config := `
acl:
  cidr:
    enabled: true
    priority: 30
    path: ` + writeCSV(t) + `
    refresh_interval: 0s`
	acls := getAcls(t, config)
	if len(acls) != 1 {
		t.Fatalf("started %d acls, want 1", len(acls))
	}

	cases := []struct {
		ip   string
		want Decision
	}{
		{"1.1.1.1", Reject},
		{"77.77.1.1", Accept},
		{"10.1.1.1", Accept},
		{"10.1.1.2", Reject},
		{"192.168.1.1", Reject},
	}
	for _, tc := range cases {
		t.Run(tc.ip, func(t *testing.T) {
			c := &ConnInfo{SrcIP: mockAddr(t, tc.ip), Host: "example.com"}
			if err := MakeDecision(c, acls); err != nil {
				t.Fatal(err)
			}
			if c.Decision != tc.want {
				t.Errorf("MakeDecision(%s) = %v, want %v", tc.ip, c.Decision, tc.want)
			}
			if got := Allowed(acls, mockAddr(t, tc.ip), "example.com"); got != (tc.want == Accept) {
				t.Errorf("Allowed(%s) = %v", tc.ip, got)
			}
		})
	}
}

func TestDisabledACLsAreNotStarted(t *testing.T) {
	acls := getAcls(t, `
acl:
  cidr:
    enabled: false
  geoip:
    enabled: false`)
	if len(acls) != 0 {
		t.Errorf("started %d acls, want none", len(acls))
	}
	if !Allowed(acls, mockAddr(t, "1.1.1.1"), "x") {
		t.Error("no acls must allow everything")
	}
}

func TestStartFailsOnMissingList(t *testing.T) {
	k := koanf.New(".")
	_ = k.Load(rawbytes.Provider([]byte(`
acl:
  cidr:
    enabled: true
    path: /does/not/exist.csv`)), yaml.Parser())
	if _, err := StartACLs(&logger, k); err == nil {
		t.Error("expected an error for a missing cidr list")
	}
}

type staticCountries map[string]string

func (s staticCountries) Country(ip net.IP) (string, error) {
	if c, ok := s[ip.String()]; ok {
		return c, nil
	}
	return "", os.ErrNotExist
}

func TestGeoIPAllowed(t *testing.T) {
	lookup := staticCountries{"1.1.1.1": "AU", "8.8.8.8": "US", "5.5.5.5": "DE"}
	tests := []struct {
		name    string
		allowed []string
		blocked []string
		ip      string
		want    bool
	}{
		{name: "blocked", blocked: []string{"us"}, ip: "8.8.8.8", want: false},
		{name: "not blocked", blocked: []string{"us"}, ip: "1.1.1.1", want: true},
		{name: "allowed", allowed: []string{"au"}, ip: "1.1.1.1", want: true},
		{name: "not allowed", allowed: []string{"au"}, ip: "5.5.5.5", want: false},
		{name: "block wins", allowed: []string{"us"}, blocked: []string{"us"}, ip: "8.8.8.8", want: false},
		{name: "unknown country", blocked: []string{"us"}, ip: "9.9.9.9", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &geoIP{AllowedCountries: tt.allowed, BlockedCountries: tt.blocked, lookup: lookup, logger: &logger}
			if got := g.allowed(net.ParseIP(tt.ip)); got != tt.want {
				t.Errorf("allowed(%s) = %v, want %v", tt.ip, got, tt.want)
			}
		})
	}
}

func TestGeoIPFailsOpenWithoutDatabase(t *testing.T) {
	g := &geoIP{BlockedCountries: []string{"us"}, logger: &logger}
	c := &ConnInfo{SrcIP: mockAddr(t, "8.8.8.8")}
	if err := g.Decide(c); err != nil {
		t.Fatal(err)
	}
	if c.Decision != Accept {
		t.Errorf("decision = %v, want accept", c.Decision)
	}
}

func TestGeoIPStartsWithoutDatabase(t *testing.T) {
	acls := getAcls(t, `
acl:
  geoip:
    enabled: true
    path: `+filepath.Join(t.TempDir(), "GeoLite2-Country.mmdb")+`
    blocked: [us]
    refresh_interval: 0s`)
	if len(acls) != 1 || acls[0].Name() != "geoip" {
		t.Fatalf("got %d acls, want the geoip acl", len(acls))
	}
	if !Allowed(acls, mockAddr(t, "8.8.8.8"), "example.com") {
		t.Error("geoip without a database must allow")
	}
}

func TestPriorityOrder(t *testing.T) {
	csv := writeCSV(t)
	k := koanf.New(".")
	_ = k.Load(rawbytes.Provider([]byte(`
acl:
  cidr:
    enabled: true
    priority: 30
    path: `+csv+`
  domain:
    enabled: true
    priority: 10
    path: `+writeDomains(t))), yaml.Parser())
	acls, err := StartACLs(&logger, k)
	if err != nil {
		t.Fatal(err)
	}
	if len(acls) != 2 || acls[0].Name() != "domain" {
		t.Fatalf("got %d acls, want domain first", len(acls))
	}
	for i := 1; i < len(acls); i++ {
		if acls[i-1].Priority() > acls[i].Priority() {
			t.Errorf("acls not sorted by priority: %d before %d", acls[i-1].Priority(), acls[i].Priority())
		}
	}
}

const domainCSV = `# hosts that are never proxied
internal.example.com,fqdn
admin.,prefix
.corp.example.com,suffix
legacy.example.org
`

func writeDomains(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "domains.csv")
	if err := os.WriteFile(p, []byte(domainCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDomainDecision(t *testing.T) {
	acls := getAcls(t, `
acl:
  domain:
    enabled: true
    path: `+writeDomains(t))
	cases := []struct {
		host string
		want Decision
	}{
		{"internal.example.com", Reject},
		{"INTERNAL.example.com.", Reject},
		{"admin.example.com", Reject},
		{"git.corp.example.com", Reject},
		{"legacy.example.org", Reject},
		{"example.com", Accept},
		{"corp.example.com", Accept},
		{"www.internal.example.com", Accept},
	}
	for _, tc := range cases {
		t.Run(tc.host, func(t *testing.T) {
			c := &ConnInfo{SrcIP: mockAddr(t, "1.1.1.1"), Host: tc.host}
			if err := MakeDecision(c, acls); err != nil {
				t.Fatal(err)
			}
			if c.Decision != tc.want {
				t.Errorf("MakeDecision(%s) = %v, want %v", tc.host, c.Decision, tc.want)
			}
		})
	}
}

func TestDomainReloadReplacesList(t *testing.T) {
	p := writeDomains(t)
	d := &domain{logger: &logger}
	if err := d.LoadDomainsCsv(p); err != nil {
		t.Fatal(err)
	}
	if !d.inDomainList("admin.example.com") {
		t.Fatal("admin prefix not loaded")
	}
	if err := os.WriteFile(p, []byte("other.example.com\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := d.LoadDomainsCsv(p); err != nil {
		t.Fatal(err)
	}
	if d.inDomainList("admin.example.com") {
		t.Error("old entries survived a reload")
	}
	if !d.inDomainList("other.example.com") {
		t.Error("new entry missing after reload")
	}
}
