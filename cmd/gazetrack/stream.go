package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/gaze.report/internal/api"
	"github.com/banshee-data/gaze.report/internal/config"
	"github.com/banshee-data/gaze.report/internal/db"
	"github.com/banshee-data/gaze.report/internal/filter"
	"github.com/banshee-data/gaze.report/internal/gaze"
	"github.com/banshee-data/gaze.report/internal/monitoring"
	"github.com/banshee-data/gaze.report/internal/tracker"
)

var streamQuiet bool

func newStreamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Stream filtered gaze samples to stdout",
		Long: "Connects the configured tracker, runs its samples through the filter and\n" +
			"prints one \"x y\" line per smoothed sample. The HTTP API and the gRPC\n" +
			"health service run alongside when their listen addresses are set.",
		Args: cobra.NoArgs,
		RunE: runStream,
	}
	cmd.Flags().BoolVarP(&streamQuiet, "quiet", "q", false, "do not print samples")
	return cmd
}

func runStream(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	f, err := filter.New(cfg.FilterKind(), cfg.FilterOptions())
	if err != nil {
		return err
	}
	stats := tracker.NewStreamStats()
	client, err := buildTracker(cfg, f, stats)
	if err != nil {
		return err
	}

	var store *db.DB
	if cfg.Store.Path != "" && cfg.Server.Listen != "" {
		if store, err = db.NewDB(cfg.Store.Path); err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer store.Close()
	}

	out := cmd.OutOrStdout()
	if streamQuiet {
		out = io.Discard
	}
	return runPipeline(cmd.Context(), cfg, client, f, stats, store, out)
}

// runPipeline supervises the tracker loop, the sample consumer and the
// optional API and health servers. Everything stops when the tracker input
// ends or ctx is cancelled.
func runPipeline(ctx context.Context, cfg *config.Config, client tracker.Client, f filter.Filter,
	stats *tracker.StreamStats, store *db.DB, out io.Writer) error {
	var handler http.Handler
	if cfg.Server.Listen != "" {
		var err error
		handler, err = apiHandler(api.Options{
			Tracker: client,
			Channel: f.Channel(),
			Stats:   stats,
		}, f, store)
		if err != nil {
			return err
		}
	}
	var hs *api.HealthServer
	if cfg.Server.GRPCListen != "" {
		hs = api.NewHealthServer(cfg.Server.GRPCListen)
		if err := hs.Start(); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	session := uuid.NewString()
	monitoring.Logf("stream %s: %s tracker, %s filter", session, cfg.Tracker.Kind, cfg.FilterKind())

	g.Go(func() error {
		defer cancel()
		defer f.Close()
		return superviseTracker(gctx, client, handler != nil)
	})

	g.Go(func() error {
		// a producer blocked in Publish only wakes on Close
		defer f.Close()
		err := gaze.Consume(gctx, f.Channel(), printSample(out))
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if handler != nil {
		g.Go(func() error {
			return serveHTTP(gctx, cfg.Server.Listen, handler)
		})
	}

	if hs != nil {
		g.Go(func() error {
			defer hs.Stop()
			hs.Watch(gctx, client, 0)
			return nil
		})
	}

	err := g.Wait()
	client.RequestStop()
	if derr := client.Disconnect(); derr != nil {
		monitoring.Logf("disconnect: %v", derr)
	}
	snap := stats.Snapshot()
	monitoring.Logf("stream %s done: %d packets, %d samples, %d rejected",
		session, snap.Packets, snap.Samples, snap.Rejected)
	return err
}

// apiHandler builds the API mux with the store's admin routes and request
// logging.
func apiHandler(opts api.Options, f filter.Filter, store *db.DB) (http.Handler, error) {
	if fx, ok := f.(api.FixationSource); ok {
		opts.Fixations = fx
	}
	if store != nil {
		opts.Runs = store
	}
	mux := api.NewServer(opts).ServeMux()
	if store != nil {
		if err := store.AttachAdminRoutes(mux); err != nil {
			return nil, fmt.Errorf("failed to attach admin routes: %w", err)
		}
	}
	return api.LoggingMiddleware(mux), nil
}

func printSample(w io.Writer) func(gaze.Sample) error {
	return func(s gaze.Sample) error {
		monitoring.Debugf("sample %s", s)
		_, err := fmt.Fprintf(w, "%d %d\n", s.X, s.Y)
		return err
	}
}
