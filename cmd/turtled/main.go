// Command turtled is the bootstrap CLI for the turtle server: it loads a
// YAML config, applies flag overrides, sets up zerolog, wires vhosts and
// proxy routes, drops privileges, then binds and serves until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/turtle-io/turtle"
	"github.com/turtle-io/turtle/reverseproxy"
)

var (
	configFlag   string
	portFlag     int
	addressFlag  string
	rootFlag     string
	defaultFlag  string
	compressFlag bool
	logLevelFlag string
	logFileFlag  string

	// proxyFlags holds "route=origin", repeatable, for ad-hoc proxy routes
	// that don't warrant a YAML entry.
	proxyFlags stringList

	version = "DEV"
)

type stringList []string

func (s *stringList) String() string     { return fmt.Sprint(*s) }
func (s *stringList) Set(v string) error { *s = append(*s, v); return nil }

func init() {
	flag.StringVar(&configFlag, "config", "", "Path to YAML config file")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	flag.StringVar(&addressFlag, "address", "", "Address to bind (overrides config)")
	flag.StringVar(&rootFlag, "root", "", "Document root (overrides config)")
	flag.StringVar(&defaultFlag, "default", "", "Default vhost label (overrides config)")
	flag.BoolVar(&compressFlag, "compress", false, "Enable compression (overrides config)")
	flag.StringVar(&logLevelFlag, "log-level", "", "Log level: trace|debug|info|warn|error (overrides config)")
	flag.StringVar(&logFileFlag, "log-file", "", "Log file to use in addition to stdout")
	flag.Var(&proxyFlags, "proxy", "route=originURL, repeatable")
}

func main() {
	flag.Parse()

	fc, err := loadFileConfig(configFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, "turtled: config:", err)
		os.Exit(1)
	}
	cfg := toServerConfig(fc)
	applyFlagOverrides(&cfg)

	log := setupLogging(cfg)

	srv, err := turtle.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("could not construct server")
	}

	if err := wireProxies(srv, fc.Proxy.Rewrite, proxyFlags); err != nil {
		log.Fatal().Err(err).Msg("could not register proxy route")
	}

	go watchSignals(srv, log)

	log.Info().Str("version", version).Int("port", cfg.Port).Msg("starting turtled")

	if err := maybeDropPrivileges(cfg.UID, log); err != nil {
		log.Fatal().Err(err).Msg("could not drop privileges")
	}

	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func applyFlagOverrides(cfg *turtle.Config) {
	if portFlag != 0 {
		cfg.Port = portFlag
	}
	if addressFlag != "" {
		cfg.Address = addressFlag
	}
	if rootFlag != "" {
		cfg.Root = rootFlag
	}
	if defaultFlag != "" {
		cfg.Default = defaultFlag
	}
	if compressFlag {
		cfg.Compress = true
	}
	if logLevelFlag != "" {
		cfg.LogLevel = logLevelFlag
	}
}

// setupLogging builds the process logger: a console writer to stdout,
// optionally fanned out to a log file via zerolog.MultiLevelWriter.
func setupLogging(cfg turtle.Config) zerolog.Logger {
	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		level = parsed
	}

	outputs := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout}}
	if logFileFlag != "" {
		f, err := os.OpenFile(logFileFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			fmt.Fprintln(os.Stderr, "turtled: log file:", err)
		} else {
			outputs = append(outputs, f)
		}
	}

	writer := zerolog.MultiLevelWriter(outputs...)
	return zerolog.New(writer).Level(level).With().Timestamp().Str("id", cfg.ID).Logger()
}

// wireProxies registers cmd/turtled's -proxy flags ("route=origin") plus
// the config's rewrite list against every route. Proxy routes beyond this
// simple form belong in a future vhost-scoped config section; flagging
// them all with the same rewrite list is this CLI's deliberate limit.
func wireProxies(srv *turtle.Server, rewrite []string, routes []string) error {
	for _, spec := range routes {
		route, origin, err := splitProxySpec(spec)
		if err != nil {
			return err
		}
		originURL, err := url.Parse(origin)
		if err != nil {
			return fmt.Errorf("proxy %q: %w", spec, err)
		}
		opts := reverseproxy.Options{}
		if len(rewrite) > 0 {
			opts.RewriteTypes = rewrite
		}
		if err := srv.Proxy(route, originURL, opts); err != nil {
			return err
		}
	}
	return nil
}

func splitProxySpec(spec string) (route, origin string, err error) {
	for i := 0; i < len(spec); i++ {
		if spec[i] == '=' {
			return spec[:i], spec[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("malformed -proxy value %q, want route=origin", spec)
}

// watchSignals implements the SIGHUP-reload / SIGINT-SIGTERM-shutdown
// pattern: SIGHUP triggers Reload, SIGINT/SIGTERM triggers a bounded
// graceful Stop.
func watchSignals(srv *turtle.Server, log zerolog.Logger) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigs {
		log.Info().Str("signal", sig.String()).Msg("caught signal")
		switch sig {
		case syscall.SIGHUP:
			if err := srv.Reload(); err != nil {
				log.Error().Err(err).Msg("reload failed")
			}
		case syscall.SIGINT, syscall.SIGTERM:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := srv.Stop(ctx); err != nil {
				log.Error().Err(err).Msg("shutdown failed")
			}
			cancel()
			os.Exit(0)
		}
	}
}
