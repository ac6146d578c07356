// luigid is the Luigi host gateway: an HTTP daemon that lets an
// authenticated caller on the local network manage Luigi modules and the
// host itself, within a fixed whitelist of privileged operations.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/luigilabs/luigid/internal/api"
	"github.com/luigilabs/luigid/internal/audit"
	"github.com/luigilabs/luigid/internal/config"
	"github.com/luigilabs/luigid/internal/dispatch"
	"github.com/luigilabs/luigid/internal/registry"
	"github.com/luigilabs/luigid/internal/scheduler"
	"github.com/luigilabs/luigid/internal/security"
	"github.com/luigilabs/luigid/internal/sensors"
	"github.com/luigilabs/luigid/internal/sysinfo"
)

var (
	version   = "0.3.0"
	buildTime = "dev"
)

const defaultConfigPath = "/etc/luigi/luigid.toml"

func main() {
	os.Exit(run())
}

func run() int {
	// Subcommands come before flag parsing so `luigid install --config x`
	// works without flag package surprises.
	if len(os.Args) > 1 && os.Args[1] == "install" {
		if err := installSystemd(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	fs := flag.NewFlagSet("luigid", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Path to config file")
	showVersion := fs.Bool("version", false, "Show version")
	checkOnly := fs.Bool("check-config", false, "Validate config and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		return 1
	}

	if *showVersion {
		fmt.Printf("luigid v%s (built %s)\n", version, buildTime)
		fmt.Println("Luigi host gateway")
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *checkOnly {
		fmt.Println("config ok")
		return 0
	}

	logger := newLogger(cfg.Server.LogLevel)
	logger.Info("luigid starting", "version", version, "config", *configPath)

	if err := serve(cfg, logger); err != nil {
		logger.Error("luigid exited with error", "error", err)
		return 1
	}
	logger.Info("luigid stopped")
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// serve builds every component and runs them until a shutdown signal.
func serve(cfg *config.Config, logger *slog.Logger) error {
	auditLog, err := audit.Open(cfg.Audit.Path, cfg.Audit.MaxSizeBytes, cfg.Audit.MaxGenerations, logger)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	filter, err := security.NewIPFilter(cfg.IPFilter, auditLog)
	if err != nil {
		return err
	}
	limiter := security.NewLimiter(cfg.RateLimit)
	guard := security.NewGuard(cfg.Auth, limiter, auditLog)
	sandbox := security.NewSandbox(cfg.Commands, cfg.CommandTimeout(), cfg.KillGrace(), nil, logger)

	reg, err := registry.Load(cfg.Registry.Dir, logger)
	if err != nil {
		return err
	}

	dispatcher := dispatch.New(sandbox, reg, auditLog, cfg.Commands.ServiceControl, "/etc/luigi", logger)
	collector := sysinfo.NewCollector(logger)

	var store *sensors.Store
	if cfg.MQTT.Enabled {
		store, err = sensors.OpenStore(cfg.Sensors.DBPath)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	server := api.NewServer(cfg, filter, limiter, guard, dispatcher, reg, collector, store, auditLog, logger)

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals()...)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.Start(gCtx)
	})

	if cfg.MQTT.Enabled {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "luigi"
		}
		interval := time.Duration(cfg.Sensors.PublishIntervalSec) * time.Second
		bridge := sensors.NewBridge(cfg.MQTT, nil, collector, store, hostname, interval, logger)
		g.Go(func() error {
			if err := bridge.Start(gCtx); err != nil {
				// The gateway still serves without the broker.
				logger.Error("mqtt bridge failed", "error", err)
			}
			return nil
		})
	}

	if cfg.Scheduler.Enabled {
		retention := time.Duration(cfg.Sensors.RetentionDays) * 24 * time.Hour
		sched, err := scheduler.New(cfg.Scheduler, dispatcher, auditLog, store, retention, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return sched.Start(gCtx)
		})
	}

	return g.Wait()
}
