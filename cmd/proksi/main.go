package main

import (
	"context"
	_ "embed"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/pkg/profile"
	"github.com/rcrowley/go-metrics"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	proksi "github.com/proksi/proksi/pkg"
	"github.com/proksi/proksi/pkg/acl"
	"github.com/proksi/proksi/pkg/certs"
	"github.com/proksi/proksi/pkg/discovery"
	"github.com/proksi/proksi/pkg/health"
	"github.com/proksi/proksi/pkg/logger"
	"github.com/proksi/proksi/pkg/routes"
)

var (
	version   string = "v0-UNKNOWN"
	commit    string = "NOT PROVIDED"
	envPrefix string = "PROKSI_" // used as the prefix to read env variables at runtime
)

//go:embed config.defaults.yaml
var defaultConfig []byte

// log is the bootstrap logger, replaced once the configuration is loaded
var log = logger.NewLogger(os.Stderr, "console")

// loadConfig layers the defaults, the config file and the environment.
func loadConfig(path string) (*koanf.Koanf, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(defaultConfig), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading default config: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
	}
	// load environment variables starting with envPrefix
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, envPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}
	return k, nil
}

func main() {
	cmd := &cobra.Command{
		Use:           "proksi",
		Short:         "HTTP and TLS reverse proxy with route discovery",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := cmd.Flags()
	config := flags.StringP("config", "c", "", "path to YAML configuration file")
	defaults := flags.Bool("defaultconfig", false, "write the default config yaml file to stdout")
	showVersion := flags.BoolP("version", "v", false, "show version info and exit")
	profileMode := flags.String("profile", "", "write a cpu or mem profile to the working directory")

	cmd.RunE = func(command *cobra.Command, args []string) error {
		if *showVersion {
			fmt.Printf("proksi version %s, commit %s\n", version, commit)
			return nil
		}
		if *defaults {
			_, err := os.Stdout.Write(defaultConfig)
			return err
		}
		switch *profileMode {
		case "":
		case "cpu":
			defer profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook).Stop()
		case "mem":
			defer profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.NoShutdownHook).Stop()
		default:
			return fmt.Errorf("unknown profile mode %q, use cpu or mem", *profileMode)
		}
		k, err := loadConfig(*config)
		if err != nil {
			return err
		}
		return run(k)
	}
	cmd.AddCommand(newImageCommand())

	if err := cmd.Execute(); err != nil {
		log.Error().Msgf("failed to execute command: %s", err)
		os.Exit(1)
	}
}

func run(k *koanf.Koanf) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// every log line goes through the asynchronous writer
	writer := logger.New(os.Stdout, logger.DefaultQueueSize)
	writerCtx, stopWriter := context.WithCancel(context.Background())
	go writer.Run(writerCtx)
	defer func() {
		stopWriter()
		writer.Close(2 * time.Second)
	}()

	generalConfig := k.Cut("general")
	log = logger.SetLevel(logger.NewLogger(writer, generalConfig.String("log_format")), generalConfig.String("log_level"))
	stdlog.SetFlags(0)
	stdlog.SetOutput(log)
	log.Info().Msgf("starting proksi. version %s, commit %s", version, commit)

	var c proksi.Config
	if err := generalConfig.Unmarshal("", &c); err != nil {
		return fmt.Errorf("parsing general config: %w", err)
	}

	var err error
	c.Acl, err = acl.StartACLs(&log, k)
	if err != nil {
		return fmt.Errorf("failed to start ACLs: %w", err)
	}

	c.Metrics = proksi.NewMetrics(metrics.DefaultRegistry)
	if err := c.SetDialer(log); err != nil {
		return err
	}
	if err := c.SetResolver(log); err != nil {
		return err
	}

	c.Routes = routes.NewStore(routes.Options{
		HealthCheckFrequency: k.Duration("health_check.frequency"),
		HealthCheckTimeout:   k.Duration("health_check.timeout"),
		Resolver:             c.Resolver,
		Logger:               log,
	})
	c.Certs, err = certs.NewStore(c.Routes, c.TLSCert, c.TLSKey, log.With().Str("service", "certs").Logger())
	if err != nil {
		return err
	}

	var static []routes.Definition
	if err := k.Unmarshal("routes", &static); err != nil {
		return fmt.Errorf("parsing routes: %w", err)
	}
	disc := discovery.New(c.Routes, static, log)
	// the static routes are in place before the listeners accept anything
	disc.AddStatic()

	var docker *discovery.DockerSource
	if k.Bool("discovery.docker.enabled") {
		if docker, err = dockerSource(k, log); err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		disc.Start(ctx)
		return nil
	})
	if path := k.String("discovery.routes_file"); path != "" {
		src := discovery.NewFileSource(path, log)
		g.Go(func() error { return src.Run(ctx, disc) })
	}
	if docker != nil {
		g.Go(func() error {
			docker.Run(ctx, disc)
			return nil
		})
	}

	hs := health.New(c.Routes, k.Duration("health_check.interval"), log)
	hs.Failed = c.Metrics.HealthChecksFailed
	g.Go(func() error {
		hs.Start(ctx)
		return nil
	})

	if c.BindPrometheus != "" {
		g.Go(func() error { return c.Metrics.RunPrometheus(ctx, c.BindPrometheus, log) })
	}
	g.Go(func() error { return proksi.RunHTTP(ctx, &c, writer, log) })
	g.Go(func() error { return proksi.RunHTTPS(ctx, &c, writer, log) })

	err = g.Wait()
	if err != nil {
		log.Error().Err(err).Msg("shutting down")
		return err
	}
	log.Info().Msg("shutting down")
	return nil
}

func dockerSource(k *koanf.Koanf, l zerolog.Logger) (*discovery.DockerSource, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	src := discovery.NewDockerSource(cli, l)
	if p := k.String("discovery.docker.label_prefix"); p != "" {
		src.LabelPrefix = p
	}
	if d := k.Duration("discovery.docker.interval"); d > 0 {
		src.Interval = d
	}
	src.Network = k.String("discovery.docker.network")
	return src, nil
}
