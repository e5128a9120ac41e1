package discovery

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/rs/zerolog"

	"github.com/proksi/proksi/pkg/routes"
)

const (
	// DefaultLabelPrefix namespaces the container labels read by DockerSource
	DefaultLabelPrefix = "proksi"
	// DefaultDockerInterval is the polling interval of DockerSource
	DefaultDockerInterval = 15 * time.Second
	defaultContainerPort  = 80
)

// ContainerLister is the part of the docker client DockerSource needs.
type ContainerLister interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
}

// DockerSource turns labelled containers into routes. A container is picked
// up when it carries <prefix>.enable=true and <prefix>.host; it may set
// <prefix>.port, <prefix>.path_pattern (comma separated) and
// <prefix>.self_signed. Containers sharing a host become upstreams of one route.
type DockerSource struct {
	Client      ContainerLister
	LabelPrefix string
	Interval    time.Duration
	// Network selects the container network to take the IP from, any
	// network when empty
	Network string
	Logger  zerolog.Logger

	hosts map[string]bool
}

// NewDockerSource polls client with the default prefix and interval.
func NewDockerSource(client ContainerLister, logger zerolog.Logger) *DockerSource {
	return &DockerSource{
		Client:      client,
		LabelPrefix: DefaultLabelPrefix,
		Interval:    DefaultDockerInterval,
		Logger:      logger.With().Str("service", "discovery").Str("source", "docker").Logger(),
	}
}

func (d *DockerSource) label(name string) string {
	return d.LabelPrefix + "." + name
}

func (d *DockerSource) containerIP(c types.Container) string {
	if c.NetworkSettings == nil {
		return ""
	}
	if d.Network != "" {
		if n, ok := c.NetworkSettings.Networks[d.Network]; ok && n != nil {
			return n.IPAddress
		}
		return ""
	}
	names := make([]string, 0, len(c.NetworkSettings.Networks))
	for name := range c.NetworkSettings.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if n := c.NetworkSettings.Networks[name]; n != nil && n.IPAddress != "" {
			return n.IPAddress
		}
	}
	return ""
}

// Definitions groups the labelled containers by host.
func (d *DockerSource) Definitions(containers []types.Container) []routes.Definition {
	byHost := map[string]*routes.Definition{}
	var order []string
	for _, c := range containers {
		l := d.Logger.With().Str("container", c.ID).Logger()
		host := routes.NormalizeHost(c.Labels[d.label("host")])
		if host == "" {
			l.Debug().Msg("container has no host label")
			continue
		}
		ip := d.containerIP(c)
		if ip == "" {
			l.Warn().Str("host", host).Msg("container has no ip address")
			continue
		}
		port := defaultContainerPort
		if p, ok := c.Labels[d.label("port")]; ok {
			n, err := strconv.Atoi(p)
			if err != nil || n < 1 || n > 65535 {
				l.Warn().Str("port", p).Msg("invalid port label")
				continue
			}
			port = n
		}

		def, ok := byHost[host]
		if !ok {
			def = &routes.Definition{Host: host}
			byHost[host] = def
			order = append(order, host)
		}
		def.Upstreams = append(def.Upstreams, routes.Upstream{IP: ip, Port: port})

		if v := c.Labels[d.label("path_pattern")]; v != "" && def.MatchWith == nil {
			var patterns []string
			for _, p := range strings.Split(v, ",") {
				if p = strings.TrimSpace(p); p != "" {
					patterns = append(patterns, p)
				}
			}
			def.MatchWith = &routes.Matcher{Path: &routes.PathMatcherConfig{Patterns: patterns}}
		}
		if ss, _ := strconv.ParseBool(c.Labels[d.label("self_signed")]); ss {
			def.SSLCertificate = &routes.SSLCertificate{SelfSignedOnFailure: true}
		}
	}
	sort.Strings(order)
	out := make([]routes.Definition, 0, len(order))
	for _, h := range order {
		out = append(out, *byHost[h])
	}
	return out
}

// Poll lists the enabled containers once and publishes their routes, and a
// RemoveRoute for hosts whose containers are gone.
func (d *DockerSource) Poll(ctx context.Context, pub Publisher) error {
	containers, err := d.Client.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", d.label("enable")+"=true")),
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}
	current := map[string]bool{}
	for _, def := range d.Definitions(containers) {
		current[def.Host] = true
		pub.Publish(NewRoute(def))
	}
	for host := range d.hosts {
		if !current[host] {
			pub.Publish(RemoveRoute(host))
		}
	}
	d.hosts = current
	return nil
}

// Run polls until ctx is done.
func (d *DockerSource) Run(ctx context.Context, pub Publisher) {
	interval := d.Interval
	if interval <= 0 {
		interval = DefaultDockerInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := d.Poll(ctx, pub); err != nil {
			d.Logger.Error().Err(err).Msg("docker discovery failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
