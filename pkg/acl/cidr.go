package acl

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/knadh/koanf"
	"github.com/rs/zerolog"
	"github.com/yl2chen/cidranger"
)

// cidr lets proksi allow or reject clients by source network.
// The list is a CSV file or URL with the CIDR in the first column and the
// policy (allow or reject, default reject) in the second, refreshed
// periodically. An allow entry overrides a reject entry that also matches.
type cidr struct {
	Path            string
	RefreshInterval time.Duration

	mu           sync.RWMutex
	allowRanger  cidranger.Ranger
	rejectRanger cidranger.Ranger
	logger       *zerolog.Logger
	priority     uint
}

func parseNet(s string) (*net.IPNet, error) {
	s = strings.TrimSpace(s)
	if _, netw, err := net.ParseCIDR(s); err == nil {
		return netw, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, fmt.Errorf("%q is not an IP or CIDR", s)
	}
	if ip.To4() != nil {
		_, netw, err := net.ParseCIDR(s + "/32")
		return netw, err
	}
	_, netw, err := net.ParseCIDR(s + "/128")
	return netw, err
}

// LoadCIDRCSV replaces the rangers with the content at path.
func (d *cidr) LoadCIDRCSV(path string) error {
	rc, err := open(d.logger, path)
	if err != nil {
		d.logger.Error().Msg(err.Error())
		return err
	}
	defer rc.Close()

	allow := cidranger.NewPCTrieRanger()
	reject := cidranger.NewPCTrieRanger()
	scanner := bufio.NewScanner(rc)
	for scanner.Scan() {
		row := strings.TrimSpace(scanner.Text())
		if row == "" || strings.HasPrefix(row, "#") {
			continue
		}
		// cut the line at the first comma
		network, policy, found := strings.Cut(row, ",")
		if !found {
			d.logger.Info().Msg(network + " is not a valid csv line, assuming reject")
		}
		netw, err := parseNet(network)
		if err != nil {
			d.logger.Error().Msg(err.Error())
			continue
		}
		if strings.TrimSpace(strings.ToLower(policy)) == "allow" {
			_ = allow.Insert(cidranger.NewBasicRangerEntry(*netw))
		} else {
			_ = reject.Insert(cidranger.NewBasicRangerEntry(*netw))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	d.allowRanger, d.rejectRanger = allow, reject
	d.mu.Unlock()
	d.logger.Info().Msgf("%d allow and %d reject cidr(s) loaded", allow.Len(), reject.Len())
	return nil
}

func (d *cidr) loadCIDRCSVWorker() {
	for {
		time.Sleep(d.RefreshInterval)
		_ = d.LoadCIDRCSV(d.Path)
	}
}

// Decide checks if the connection is allowed or rejected
func (d *cidr) Decide(c *ConnInfo) error {
	if c.Decision == Reject {
		return nil
	}
	ip := srcIP(c.SrcIP)
	if ip == nil {
		return fmt.Errorf("cidr acl: no source ip in %v", c.SrcIP)
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.rejectRanger == nil {
		return nil
	}
	rejected, err := d.rejectRanger.Contains(ip)
	if err != nil {
		return err
	}
	if !rejected {
		return nil
	}
	if allowed, err := d.allowRanger.Contains(ip); err == nil && allowed {
		return nil
	}
	d.logger.Debug().Str("src_ip", ip.String()).Msg("rejected by cidr acl")
	c.Decision = Reject
	return nil
}

// Name function is used to cut the YAML config file to be passed on to the ACL for config
func (d *cidr) Name() string {
	return "cidr"
}
func (d *cidr) Priority() uint {
	return d.priority
}

// ConfigAndStart loads the list once and keeps refreshing it in the background
func (d *cidr) ConfigAndStart(logger *zerolog.Logger, c *koanf.Koanf) error {
	c = c.Cut(fmt.Sprintf("acl.%s", d.Name()))
	d.logger = logger
	d.Path = c.String("path")
	d.priority = uint(c.Int("priority"))
	d.RefreshInterval = c.Duration("refresh_interval")
	if err := d.LoadCIDRCSV(d.Path); err != nil {
		return err
	}
	if d.RefreshInterval > 0 {
		go d.loadCIDRCSVWorker()
	}
	return nil
}

// make the acl available at import time
func init() {
	availableACLs = append(availableACLs, func() ACL { return &cidr{} })
}
