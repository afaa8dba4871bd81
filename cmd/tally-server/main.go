// main.go is the entry point for the tally server. It wires together the blob
// store, the statistics tracker, the ingestion pipeline and the HTTP server,
// and manages the operational lifecycle including background maintenance.
//
// Startup Sequence
// ================
//
// Configuration is loaded and validated first; any problem there (a missing
// secret, an unknown backend) aborts the process before anything is opened.
// Then the blob store is opened. For the file backend this replays the
// journal, so the previous run's state is back in memory before the tracker
// reads it. The tracker loads the all-time sketch and filter, and the
// identity mode is checked against the one the store was first written
// with. Only then does the HTTP listener start accepting pings.
//
// Durability Policy
// =================
//
// Pings update memory and are acknowledged immediately. Dirty buckets are
// written to the store every tracker.flush_interval, so a crash loses at
// most that much. Deployments that cannot accept the loss set
// ingest.sync_persist, which flushes before every acknowledgement. A failed
// write never fails a ping: it is logged, counted, and retried on the next
// flush.
//
// Background Maintenance
// ======================
//
// Two loops run next to the HTTP server:
//
// Replay Sweep: every replay.sweep_interval, nonces older than twice the
// freshness window are dropped from the replay guard.
//
// Tracker: flushes dirty buckets, rebuilds week and month buckets from the
// flushed days, and evicts cold days from memory.
//
// Graceful Shutdown
// =================
//
// On SIGINT/SIGTERM the listener stops accepting requests and in-flight ones
// get server.shutdown_timeout to finish. The tracker then flushes and
// aggregates one last time, and the store is closed (the file backend
// compacts its journal on close).

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/godaddy/asherah/go/securememory/memguard"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"tally.lopezb.com/internal/tally/blobstore"
	"tally.lopezb.com/internal/tally/config"
	"tally.lopezb.com/internal/tally/identity"
	"tally.lopezb.com/internal/tally/ingest"
	"tally.lopezb.com/internal/tally/observability"
	"tally.lopezb.com/internal/tally/replay"
	"tally.lopezb.com/internal/tally/tracker"
)

type application struct {
	config   *config.Config
	logger   *slog.Logger
	store    blobstore.Store
	tracker  *tracker.Tracker
	guard    *replay.Guard
	deriver  identity.Deriver
	pipeline *ingest.Pipeline
	metrics  *observability.Metrics
	tracer   trace.Tracer
	now      func() time.Time
}

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "tally-server",
		Short: "Anonymous unique-visitor counting service",
		Long: `tally-server accepts signed, replay-protected pings and estimates daily,
weekly and monthly active users, new users and cohort retention without
storing any user identifier.

Configuration is read from --config (or tally.yaml in . or /etc/tally)
and TALLY_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}

			logger, err := observability.NewLogger(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				return err
			}

			app, err := newApplication(cmd.Context(), cfg, logger)
			if err != nil {
				logger.Error("startup failed", "error", err)
				return err
			}

			return app.serve()
		},
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newApplication opens every component. On error everything opened so far
// is closed again.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	app := &application{
		config: cfg,
		logger: logger,
		tracer: otel.Tracer(observability.ServiceName),
		now:    time.Now,
		guard:  replay.New(cfg.ReplayWindow()),
	}

	ready := false
	defer func() {
		if !ready {
			app.close()
		}
	}()

	secret, err := identity.ReadSecret(cfg.Identity.Secret, cfg.Identity.SecretFile)
	if err != nil {
		return nil, err
	}

	app.deriver, err = identity.New(identity.Mode(cfg.Identity.Mode), secret, new(memguard.SecretFactory))
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}

	app.metrics = observability.NewMetrics(app.guard.Len)

	app.store, err = blobstore.Open(ctx, cfg.BlobStore(), logger)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	app.tracker, err = tracker.Open(ctx, app.store, cfg.TrackerConfig(),
		tracker.WithLogger(logger),
		tracker.WithPersistFailureHook(app.metrics.PersistFailure),
	)
	if err != nil {
		return nil, err
	}

	if err := app.tracker.PinIdentityMode(ctx, string(app.deriver.Mode())); err != nil {
		return nil, err
	}

	app.pipeline, err = ingest.New(cfg.IngestConfig(), app.guard, app.deriver, app.tracker,
		ingest.WithLogger(logger),
		ingest.WithObserver(app.metrics),
		ingest.WithClock(func() time.Time { return app.now() }),
	)
	if err != nil {
		return nil, err
	}

	logger.Info("tally initialized",
		"identity_mode", app.deriver.Mode(),
		"store", cfg.Store.Backend,
		"compression", cfg.Store.Compression,
		"precision", cfg.Estimator.Precision,
		"window", cfg.Ingest.Window)

	ready = true
	return app, nil
}

// close releases the store and the secret. It is safe to call on a
// partially built application.
func (app *application) close() {
	if app.store != nil {
		if err := app.store.Close(); err != nil {
			app.logger.Error("failed to close blob store", "error", err)
		}
	}

	if app.deriver != nil {
		_ = app.deriver.Close()
	}
}
