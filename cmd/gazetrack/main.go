// Command gazetrack streams gaze samples from an eye tracker, runs device
// calibrations and manages the calibration run store.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/banshee-data/gaze.report/internal/config"
	"github.com/banshee-data/gaze.report/internal/monitoring"
)

var (
	configPath  string
	debugLog    bool
	trackerKind string
	deviceHost  string
	devicePort  int
	localPort   int
	filterKind  string
	listenAddr  string
	grpcListen  string
	storePath   string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "gazetrack",
		Short:         "Eye tracker ingestion and calibration",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	defaults := config.Defaults()
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "path to a .json or .toml config file")
	flags.BoolVar(&debugLog, "debug", false, "enable per-sample debug logging")
	flags.StringVar(&trackerKind, "tracker", defaults.Tracker.Kind, "tracker kind: iviewx, itu, simulator, pcap, serial")
	flags.StringVar(&deviceHost, "device-host", defaults.Tracker.DeviceHost, "tracker host")
	flags.IntVar(&devicePort, "device-port", defaults.Tracker.DevicePort, "tracker command port")
	flags.IntVar(&localPort, "local-port", defaults.Tracker.LocalPort, "local port samples and replies arrive on (0 = tracker default)")
	flags.StringVar(&filterKind, "filter", defaults.Filter.Kind, "filter: passthrough, sliding_window, fixation_least_squares")
	flags.StringVar(&listenAddr, "listen", defaults.Server.Listen, "HTTP API listen address (empty disables)")
	flags.StringVar(&grpcListen, "grpc-listen", defaults.Server.GRPCListen, "gRPC health listen address (empty disables)")
	flags.StringVar(&storePath, "store", defaults.Store.Path, "calibration store path (empty disables)")

	rootCmd.AddCommand(newStreamCmd())
	rootCmd.AddCommand(newCalibrateCmd())
	rootCmd.AddCommand(newPingCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newToggleCmd())
	rootCmd.AddCommand(newAcceptCmd())
	rootCmd.AddCommand(newRunsCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// loadConfig reads --config (or the defaults) and applies any flags given on
// the command line on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Defaults()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	applyString(cmd, "tracker", &cfg.Tracker.Kind, trackerKind)
	applyString(cmd, "device-host", &cfg.Tracker.DeviceHost, deviceHost)
	applyInt(cmd, "device-port", &cfg.Tracker.DevicePort, devicePort)
	applyInt(cmd, "local-port", &cfg.Tracker.LocalPort, localPort)
	applyString(cmd, "filter", &cfg.Filter.Kind, filterKind)
	applyString(cmd, "listen", &cfg.Server.Listen, listenAddr)
	applyString(cmd, "grpc-listen", &cfg.Server.GRPCListen, grpcListen)
	applyString(cmd, "store", &cfg.Store.Path, storePath)
	if changed(cmd, "debug") {
		cfg.Debug = debugLog
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	monitoring.SetDebug(cfg.Debug)
	return cfg, nil
}

func changed(cmd *cobra.Command, name string) bool {
	f := cmd.Flag(name)
	return f != nil && f.Changed
}

func applyString(cmd *cobra.Command, name string, target *string, value string) {
	if changed(cmd, name) {
		*target = value
	}
}

func applyInt(cmd *cobra.Command, name string, target *int, value int) {
	if changed(cmd, name) {
		*target = value
	}
}
