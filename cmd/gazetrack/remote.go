package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/banshee-data/gaze.report/internal/api"
	"github.com/banshee-data/gaze.report/internal/httputil"
	"github.com/banshee-data/gaze.report/internal/version"
)

const remoteTimeout = 5 * time.Second

// httpClient is replaced in tests.
var httpClient httputil.HTTPClient = &http.Client{Timeout: remoteTimeout}

// apiURL resolves path against the configured API listen address.
func apiURL(cmd *cobra.Command, path string) (string, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return "", err
	}
	if cfg.Server.Listen == "" {
		return "", errors.New("no API address; set --listen")
	}
	base := cfg.Server.Listen
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return strings.TrimSuffix(base, "/") + path, nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running stream or calibration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, err := apiURL(cmd, "/api/status")
			if err != nil {
				return err
			}
			var st api.Status
			if err := httputil.GetJSON(cmd.Context(), httpClient, url, &st); err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func printStatus(w io.Writer, st api.Status) {
	fmt.Fprintf(w, "tracker:     %s\n", st.Tracker)
	if st.Calibration != "" {
		fmt.Fprintf(w, "calibration: %s (point %d)\n", st.Calibration, st.CalibrationPoint+1)
	}
	if st.Channel != nil {
		fmt.Fprintf(w, "channel:     %d published, %d taken", st.Channel.Published, st.Channel.Taken)
		if st.Channel.Closed {
			fmt.Fprint(w, ", closed")
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "uptime:      %s\n", st.Uptime)
	fmt.Fprintf(w, "build:       %s\n", st.Build)
}

func newToggleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle",
		Short: "Connect or disconnect the tracker of a running stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, err := apiURL(cmd, "/api/tracker/toggle")
			if err != nil {
				return err
			}
			var resp map[string]string
			if err := httputil.PostJSON(cmd.Context(), httpClient, url, nil, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tracker %s\n", resp["tracker"])
			return nil
		},
	}
}

func newAcceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept",
		Short: "Accept the first point of a running calibration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, err := apiURL(cmd, "/api/calibration/accept")
			if err != nil {
				return err
			}
			return httputil.PostJSON(cmd.Context(), httpClient, url, nil, nil)
		},
	}
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return toml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Get())
		},
	}
}
