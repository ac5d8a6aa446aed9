// proc-enroller watches the kernel process connector and moves newly exec'd
// processes into cgroups according to a name-based policy.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mrzor/proc-enroller/internal/cgroup"
	"github.com/mrzor/proc-enroller/internal/config"
	"github.com/mrzor/proc-enroller/internal/connector"
	"github.com/mrzor/proc-enroller/internal/eventprocessor"
	"github.com/mrzor/proc-enroller/internal/eventstream"
	"github.com/mrzor/proc-enroller/internal/metrics"
	"github.com/mrzor/proc-enroller/internal/netlink"
	"github.com/mrzor/proc-enroller/internal/otel"
	"github.com/mrzor/proc-enroller/internal/policy"
	"github.com/mrzor/proc-enroller/internal/procstatus"
	"github.com/mrzor/proc-enroller/internal/timesync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// Version information injected at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "proc-enroller",
		Short:         "Move exec'd processes into cgroups by name",
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.NewViper(cmd.Flags())
			if err != nil {
				return err
			}
			cfg, err := config.Load(v, cmd.Flags())
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	config.BindFlags(cmd.Flags())
	return cmd
}

// newLogger builds a production (JSON) or development (console) logger.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	logConfig := zap.NewDevelopmentConfig()
	if cfg.LogFormat == "json" {
		logConfig = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	logConfig.Level = zap.NewAtomicLevelAt(level)

	return logConfig.Build()
}

// setupOTEL initializes tracing and returns the provider and its cleanup.
func setupOTEL(ctx context.Context, logger *zap.Logger) (*otel.Provider, func(), error) {
	otelCfg, err := config.ParseOTELConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse OTEL config: %w", err)
	}

	provider, err := otel.InitProvider(ctx, otelCfg, version, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize OTEL provider: %w", err)
	}

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutting down OTEL provider", zap.Error(err))
		}
	}

	return provider, cleanup, nil
}

// setupComponents wires the policy, collaborators and event processor.
func setupComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics, provider *otel.Provider) (*eventprocessor.Processor, error) {
	table, err := policy.New(cfg.Rules)
	if err != nil {
		return nil, err
	}
	for _, r := range table.Rules() {
		logger.Info("policy rule", zap.Stringer("rule", r))
	}

	clock, err := timesync.NewConverter(ctx)
	if err != nil {
		logger.Warn("boot time unavailable, exec times are estimates", zap.Error(err))
	}

	return eventprocessor.NewProcessor(
		procstatus.NewResolver(cfg.ProcRoot),
		table,
		cgroup.NewSink(cfg.CgroupRoot, cfg.CgroupFile),
		eventprocessor.WithLogger(logger),
		eventprocessor.WithMetrics(m),
		eventprocessor.WithTracer(provider.Tracer()),
		eventprocessor.WithClock(clock),
	), nil
}

// serveMetrics serves Prometheus metrics until ctx is done.
func serveMetrics(ctx context.Context, addr string, m *metrics.Metrics, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx) //nolint:errcheck // Best-effort shutdown
	}()

	logger.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving metrics: %w", err)
	}
	return nil
}

// sweep enrolls processes that were already running at startup.
func sweep(ctx context.Context, processor *eventprocessor.Processor, logger *zap.Logger) {
	procs, err := procstatus.Scan(ctx)
	if err != nil {
		logger.Warn("scanning existing processes", zap.Error(err))
		return
	}
	n := processor.EnrollExisting(ctx, procs)
	logger.Info("scanned existing processes", zap.Int("processes", len(procs)), zap.Int("matched", n))
}

func run(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting proc-enroller",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("built", date),
	)

	provider, cleanupOTEL, err := setupOTEL(ctx, logger)
	if err != nil {
		return err
	}
	defer cleanupOTEL()

	m := metrics.New()
	processor, err := setupComponents(ctx, cfg, logger, m, provider)
	if err != nil {
		return err
	}
	defer processor.Wait()

	pid := uint32(os.Getpid()) //nolint:gosec // pid fits in uint32
	conn, err := netlink.Dial(pid, connector.IdxProc, cfg.PollInterval)
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Warn("closing netlink socket", zap.Error(err))
		}
	}()

	stream := eventstream.New(conn, processor,
		eventstream.WithLogger(logger),
		eventstream.WithMetrics(m),
		eventstream.WithPort(pid),
	)

	g, gctx := errgroup.WithContext(ctx)
	gctx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		// A stream that ends on its own takes the metrics server down with it.
		defer cancel()
		if err := stream.Start(gctx); err != nil {
			return err
		}
		// Subscribed first so nothing exec'd during the sweep is missed.
		if cfg.ScanExisting {
			sweep(gctx, processor, logger)
		}
		<-stream.Done()
		return stream.Err()
	})

	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.MetricsAddr, m, logger)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("proc-enroller stopped")
	return nil
}
