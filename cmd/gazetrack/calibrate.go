package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/gaze.report/internal/api"
	"github.com/banshee-data/gaze.report/internal/calibration"
	"github.com/banshee-data/gaze.report/internal/config"
	"github.com/banshee-data/gaze.report/internal/db"
	"github.com/banshee-data/gaze.report/internal/gaze"
)

var (
	targetStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#C89A3A"))
	hintStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#8C8C8C"))
	goodStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#52C41A"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF4D4F"))
)

func newCalibrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "calibrate",
		Short: "Run an iViewX calibration and validation",
		Long: "Walks the device through its calibration points. Press Enter (or POST\n" +
			"/api/calibration/accept) once the subject fixates the first point; the\n" +
			"device accepts the rest. The run is validated at four checkpoints and\n" +
			"stored when a store path is configured.",
		Args: cobra.NoArgs,
		RunE: runCalibrate,
	}
}

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the iViewX device answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cal := calibration.NewIViewXCalibrator(calibratorConfig(cfg, nil, nil))
			if err := cal.Connect(cmd.Context()); err != nil {
				return err
			}
			defer cal.Disconnect()
			if !cal.TestConnection(cmd.Context()) {
				return fmt.Errorf("no reply from %s within %s", cfg.Tracker.DeviceAddr(), cfg.Calibration.GetPingTimeout())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s answered\n", cfg.Tracker.DeviceAddr())
			return nil
		},
	}
}

func calibratorConfig(cfg *config.Config, ind calibration.Indicator, rec calibration.RunRecorder) calibration.Config {
	return calibration.Config{
		DeviceAddr:   cfg.Tracker.DeviceAddr(),
		LocalPort:    cfg.Tracker.LocalPort,
		ScreenWidth:  cfg.Calibration.ScreenWidth,
		ScreenHeight: cfg.Calibration.ScreenHeight,
		DisplayIndex: cfg.Calibration.DisplayIndex,
		PointCount:   cfg.Calibration.Points,
		PingTimeout:  cfg.Calibration.GetPingTimeout(),
		ReplyTimeout: cfg.Calibration.GetReplyTimeout(),
		Indicator:    ind,
		Recorder:     rec,
	}
}

func runCalibrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	var store *db.DB
	var recorder calibration.RunRecorder
	if cfg.Store.Path != "" {
		if store, err = db.NewDB(cfg.Store.Path); err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer store.Close()
		recorder = store
	}

	cal := calibration.NewIViewXCalibrator(calibratorConfig(cfg, &terminalIndicator{w: out}, recorder))
	ctx := cmd.Context()
	if err := cal.Connect(ctx); err != nil {
		return err
	}
	defer cal.Disconnect()
	if !cal.TestConnection(ctx) {
		return fmt.Errorf("no reply from %s within %s", cfg.Tracker.DeviceAddr(), cfg.Calibration.GetPingTimeout())
	}

	run, err := calibrateWithAccept(ctx, cal, cmd.InOrStdin(), cfg.Server.Listen, store)
	if err != nil {
		return err
	}
	printRunSummary(out, run)
	return nil
}

// calibrateWithAccept runs cal while feeding it accept signals from input
// lines and, when listen is set, from the HTTP API.
func calibrateWithAccept(ctx context.Context, cal calibration.Calibrator, input io.Reader, listen string, store *db.DB) (*calibration.Run, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if listen != "" {
		handler, err := apiHandler(api.Options{Calibrator: cal}, nil, store)
		if err != nil {
			return nil, err
		}
		g.Go(func() error {
			return serveHTTP(gctx, listen, handler)
		})
	}

	// Reading stdin cannot be interrupted; the goroutine ends with the
	// process when input stays open.
	go acceptFromInput(gctx, input, cal)

	var run *calibration.Run
	g.Go(func() error {
		defer cancel()
		var err error
		run, err = cal.Calibrate(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return run, nil
}

// acceptFromInput calls Accept for every line read until input ends or ctx
// is done.
func acceptFromInput(ctx context.Context, input io.Reader, cal calibration.Calibrator) {
	scanner := bufio.NewScanner(input)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		cal.Accept()
	}
}

// terminalIndicator prints calibration targets instead of drawing them.
type terminalIndicator struct {
	mu sync.Mutex
	w  io.Writer
}

func (t *terminalIndicator) Show(index int, p gaze.Sample) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.w, "%s %s\n", targetStyle.Render(fmt.Sprintf("point %d at %s", index+1, p)),
		hintStyle.Render(acceptHint(index)))
}

func (t *terminalIndicator) Done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.w, hintStyle.Render("calibration points complete, validating"))
}

func acceptHint(index int) string {
	if index == 0 {
		return "(press Enter when fixated)"
	}
	return ""
}

func printRunSummary(w io.Writer, run *calibration.Run) {
	fmt.Fprintf(w, "calibrated %d points in %s\n", len(run.Points), run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	if run.Validation == nil || len(run.Validation.Measurements) == 0 {
		fmt.Fprintln(w, warnStyle.Render("no validation measurements"))
		return
	}
	dev := run.Validation.MeanDeviation()
	style := goodStyle
	if !run.Validation.Complete() {
		style = warnStyle
	}
	fmt.Fprintln(w, style.Render(fmt.Sprintf("mean deviation %.2f° x %.2f° over %d of %d checkpoints",
		dev.X, dev.Y, dev.Samples, calibration.ValidationPointCount)))
}
