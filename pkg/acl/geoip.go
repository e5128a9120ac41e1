package acl

import (
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/knadh/koanf"
	"github.com/oschwald/maxminddb-golang"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"
)

// countryLookup resolves an IP to its ISO country code.
type countryLookup interface {
	Country(ip net.IP) (string, error)
}

type mmdbLookup struct {
	reader *maxminddb.Reader
}

func (m mmdbLookup) Country(ip net.IP) (string, error) {
	var record struct {
		Country struct {
			ISOCode string `maxminddb:"iso_code"`
		} `maxminddb:"country"`
	}
	if err := m.reader.Lookup(ip, &record); err != nil {
		return "", err
	}
	if record.Country.ISOCode == "" {
		return "", fmt.Errorf("no country for %s", ip)
	}
	return record.Country.ISOCode, nil
}

// geoIP checks the country of origin of clients against allowed and blocked
// lists read from the configuration. The MMDB database is loaded from a file
// or URL and reloaded every refresh_interval.
type geoIP struct {
	Path             string
	AllowedCountries []string
	BlockedCountries []string
	Refresh          time.Duration

	mu       sync.RWMutex
	lookup   countryLookup
	logger   *zerolog.Logger
	priority uint
}

func toLowerSlice(in []string) (out []string) {
	for _, v := range in {
		out = append(out, strings.ToLower(strings.TrimSpace(v)))
	}
	return
}

func (g *geoIP) load() error {
	rc, err := open(g.logger, g.Path)
	if err != nil {
		return err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}
	reader, err := maxminddb.FromBytes(data)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.lookup = mmdbLookup{reader: reader}
	g.mu.Unlock()
	g.logger.Info().Msgf("geolocation database with %d bytes loaded", len(data))
	return nil
}

func (g *geoIP) reloadWorker() {
	for range time.NewTicker(g.Refresh).C {
		if err := g.load(); err != nil {
			g.logger.Error().Err(err).Msg("reloading geolocation database")
		}
	}
}

// allowed checks an IP against the blocked and allowed lists:
//  1. without a database the check fails open
//  2. an IP without a country is rejected
//  3. a blocked country is rejected, the blocked list wins over the allowed list
//  4. an allowed country is accepted
//  5. anything else is accepted only when a blocked list is configured
func (g *geoIP) allowed(ip net.IP) bool {
	g.mu.RLock()
	lookup := g.lookup
	g.mu.RUnlock()
	if lookup == nil {
		return true
	}
	country, err := lookup.Country(ip)
	if err != nil {
		g.logger.Info().Msgf("failed to get the geolocation of ip %s", ip)
		return false
	}
	country = strings.ToLower(country)
	if slices.Contains(g.BlockedCountries, country) {
		return false
	}
	if slices.Contains(g.AllowedCountries, country) {
		return true
	}
	return len(g.BlockedCountries) > 0
}

func (g *geoIP) Decide(c *ConnInfo) error {
	if c.Decision == Reject {
		return nil
	}
	ip := srcIP(c.SrcIP)
	if ip == nil {
		return fmt.Errorf("geoip acl: no source ip in %v", c.SrcIP)
	}
	if !g.allowed(ip) {
		g.logger.Info().Msgf("rejecting connection from ip %s", ip)
		c.Decision = Reject
	}
	return nil
}

func (g *geoIP) Name() string {
	return "geoip"
}
func (g *geoIP) Priority() uint {
	return g.priority
}

func (g *geoIP) ConfigAndStart(logger *zerolog.Logger, c *koanf.Koanf) error {
	c = c.Cut(fmt.Sprintf("acl.%s", g.Name()))
	g.logger = logger
	g.Path = c.String("path")
	g.priority = uint(c.Int("priority"))
	g.AllowedCountries = toLowerSlice(c.Strings("allowed"))
	g.BlockedCountries = toLowerSlice(c.Strings("blocked"))
	g.Refresh = c.Duration("refresh_interval")
	// without a database the acl fails open until a reload succeeds
	if err := g.load(); err != nil {
		g.logger.Error().Err(err).Msg("loading geolocation database, allowing every country until it loads")
	}
	if g.Refresh > 0 {
		go g.reloadWorker()
	}
	return nil
}

// make the geoIP available at import time
func init() {
	availableACLs = append(availableACLs, func() ACL { return &geoIP{} })
}
