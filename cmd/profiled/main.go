// Command profiled runs one profile-hosting server of the identity
// network: it hosts identity profiles, relays application-service calls
// between checked-in clients, answers profile searches, and replicates its
// identity set to the neighborhood.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/profnet/profiled/internal/config"
	"github.com/profnet/profiled/internal/identity"
	"github.com/profnet/profiled/internal/imagestore"
	"github.com/profnet/profiled/internal/metrics"
	"github.com/profnet/profiled/internal/neighborhood"
	"github.com/profnet/profiled/internal/server"
	"github.com/profnet/profiled/internal/store"
	"github.com/profnet/profiled/internal/watchdog"
)

// Set via -ldflags at build time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "profiled.yaml", "path to the configuration file")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("profiled %s (%s, built %s)\n", version, commit, buildDate)
		return
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q\n", *logLevel)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(*configPath); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	key, err := identity.LoadOrCreateServerKey(cfg.Identity.KeyFile)
	if err != nil {
		return fmt.Errorf("load server key: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st store.Store
	if cfg.Database.DSN != "" {
		pg, err := store.OpenPostgres(ctx, cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		st = pg
	} else {
		slog.Warn("no database configured, using the in-memory store; state is lost on restart")
		st = store.NewMemory()
	}
	defer st.Close()

	images, err := imagestore.Open(cfg.Images.Directory)
	if err != nil {
		return fmt.Errorf("open image store: %w", err)
	}

	m := metrics.New(version, runtime.Version())

	worker := neighborhood.NewWorker(st, images, neighborhood.NewDialSender(key))
	srv := server.New(cfg, server.Deps{
		Store:   st,
		Images:  images,
		Key:     key,
		Metrics: m,
		Signal:  worker.Signal,
	})

	if err := srv.Start(ctx); err != nil {
		return err
	}
	slog.Info("profiled started", "version", version,
		"server", identity.Short(srv.ServerID()))
	watchdog.Ready()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})
	g.Go(func() error {
		srv.RunSweepers(gctx)
		return nil
	})
	g.Go(func() error {
		watchdog.Run(gctx, watchdog.Options{}, healthChecks(gctx, st))
		return nil
	})

	if cfg.Telemetry.Metrics.Enabled {
		metricsSrv := &http.Server{
			Addr:              cfg.Telemetry.Metrics.ListenAddress,
			Handler:           m.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			err := metricsSrv.ListenAndServe()
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		})
		slog.Info("metrics listening", "addr", cfg.Telemetry.Metrics.ListenAddress)
	}

	<-ctx.Done()
	slog.Info("shutting down")
	watchdog.Stopping()
	srv.Shutdown()
	return g.Wait()
}

// healthChecks builds the watchdog probes: the store must answer a trivial
// transaction within a bounded time.
func healthChecks(ctx context.Context, st store.Store) []watchdog.HealthCheck {
	return []watchdog.HealthCheck{
		{
			Name: "store",
			Check: func() error {
				probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				defer cancel()
				return st.InTx(probeCtx, nil, func(tx store.Tx) error {
					_, err := tx.CountHosted(probeCtx)
					return err
				})
			},
		},
	}
}
