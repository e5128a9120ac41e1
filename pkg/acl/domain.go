package acl

import (
	"bufio"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-collections/collections/tst"
	"github.com/knadh/koanf"
	"github.com/rs/zerolog"
)

// domain rejects requests for the hosts of a CSV list (file or URL). Each
// line is a name and a match type: fqdn (default), prefix or suffix.
//
//	internal.example.com,fqdn
//	admin.,prefix
//	.corp.example.com,suffix
type domain struct {
	Path            string
	RefreshInterval time.Duration

	mu       sync.RWMutex
	prefixes *tst.TernarySearchTree
	suffixes *tst.TernarySearchTree
	fqdns    map[string]bool
	logger   *zerolog.Logger
	priority uint
}

func reverse(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < len(r)/2; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}

// inDomainList reports whether host is listed.
func (d *domain) inDomainList(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.fqdns[host] {
		return true
	}
	// every prefix of host, hosts are short enough
	for i := 1; i <= len(host); i++ {
		if d.prefixes.Get(host[:i]) != nil {
			return true
		}
	}
	// suffix match is a prefix match on the reversed strings
	rev := reverse(host)
	for i := 1; i <= len(rev); i++ {
		if d.suffixes.Get(rev[:i]) != nil {
			return true
		}
	}
	return false
}

// LoadDomainsCsv replaces the lists with the content at path.
func (d *domain) LoadDomainsCsv(path string) error {
	rc, err := open(d.logger, path)
	if err != nil {
		return err
	}
	defer rc.Close()

	prefixes, suffixes, fqdns := tst.New(), tst.New(), map[string]bool{}
	scanner := bufio.NewScanner(rc)
	for scanner.Scan() {
		line := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, kind, found := strings.Cut(line, ",")
		name, kind = strings.TrimSpace(name), strings.TrimSpace(kind)
		if kind != "prefix" {
			name = strings.TrimSuffix(name, ".")
		}
		if name == "" {
			continue
		}
		switch kind {
		case "prefix":
			prefixes.Insert(name, name)
		case "suffix":
			suffixes.Insert(reverse(name), name)
		case "fqdn":
			fqdns[name] = true
		default:
			if found {
				d.logger.Info().Msg(line + " is not a valid line, assuming FQDN")
			}
			fqdns[name] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	d.prefixes, d.suffixes, d.fqdns = prefixes, suffixes, fqdns
	d.mu.Unlock()
	d.logger.Info().Msgf("%s loaded with %d prefix, %d suffix and %d fqdn", path, prefixes.Len(), suffixes.Len(), len(fqdns))
	return nil
}

func (d *domain) loadDomainsCsvWorker() {
	for range time.NewTicker(d.RefreshInterval).C {
		if err := d.LoadDomainsCsv(d.Path); err != nil {
			d.logger.Error().Err(err).Msg("reloading domain list")
		}
	}
}

func (d *domain) Decide(c *ConnInfo) error {
	if c.Decision == Reject || c.Host == "" {
		return nil
	}
	if d.inDomainList(c.Host) {
		d.logger.Debug().Msgf("host is on the domain list: %s", c.Host)
		c.Decision = Reject
	}
	return nil
}

func (d *domain) Name() string {
	return "domain"
}
func (d *domain) Priority() uint {
	return d.priority
}

func (d *domain) ConfigAndStart(logger *zerolog.Logger, c *koanf.Koanf) error {
	c = c.Cut(fmt.Sprintf("acl.%s", d.Name()))
	d.logger = logger
	d.prefixes, d.suffixes, d.fqdns = tst.New(), tst.New(), map[string]bool{}
	d.Path = c.String("path")
	d.priority = uint(c.Int("priority"))
	d.RefreshInterval = c.Duration("refresh_interval")
	if err := d.LoadDomainsCsv(d.Path); err != nil {
		return err
	}
	if d.RefreshInterval > 0 {
		go d.loadDomainsCsvWorker()
	}
	return nil
}

// make domain available to the ACL system at import time
func init() {
	availableACLs = append(availableACLs, func() ACL { return &domain{} })
}
