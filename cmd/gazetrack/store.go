package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/gaze.report/internal/db"
)

var runsLimit int

func openStore(cmd *cobra.Command) (*db.DB, error) {
	path, err := storeLocation(cmd)
	if err != nil {
		return nil, err
	}
	return db.NewDB(path)
}

// openStoreForMigration skips the automatic migration so a dirty schema can
// still be inspected and forced.
func openStoreForMigration(cmd *cobra.Command) (*db.DB, error) {
	path, err := storeLocation(cmd)
	if err != nil {
		return nil, err
	}
	return db.Open(path)
}

func storeLocation(cmd *cobra.Command) (string, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return "", err
	}
	if cfg.Store.Path == "" {
		return "", errors.New("no store configured; set --store or store.path")
	}
	return cfg.Store.Path, nil
}

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect stored calibration runs",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List calibration runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			runs, err := store.CalibrationRuns(cmd.Context(), runsLimit)
			if err != nil {
				return err
			}
			return printRuns(cmd.OutOrStdout(), runs)
		},
	}
	list.Flags().IntVar(&runsLimit, "limit", db.DefaultRunLimit, "maximum runs to list")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print one run with its validation measurements as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			run, err := store.CalibrationRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(run)
		},
	}

	notes := &cobra.Command{
		Use:   "notes <id> <text>...",
		Short: "Replace the notes of a run",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.SetRunNotes(cmd.Context(), args[0], strings.Join(args[1:], " "))
		},
	}

	remove := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a run and its measurements",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.DeleteCalibrationRun(cmd.Context(), args[0])
		},
	}

	cmd.AddCommand(list, show, notes, remove)
	return cmd
}

func printRuns(w io.Writer, runs []db.CalibrationRun) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tDEVICE\tSCREEN\tPOINTS\tDEV X\tDEV Y\tNOTES")
	for _, r := range runs {
		devX, devY := "-", "-"
		if r.MeanDeviation.Samples > 0 {
			devX = strconv.FormatFloat(r.MeanDeviation.X, 'f', 2, 64)
			devY = strconv.FormatFloat(r.MeanDeviation.Y, 'f', 2, 64)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%dx%d\t%d\t%s\t%s\t%s\n",
			r.ID, r.StartedAt.Local().Format(time.DateTime), r.Device,
			r.ScreenWidth, r.ScreenHeight, len(r.Points), devX, devY, r.Notes)
	}
	return tw.Flush()
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the calibration store schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStoreForMigration(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.MigrateUp()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStoreForMigration(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.MigrateDown()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStoreForMigration(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			v, dirty, err := store.MigrateVersion()
			if err != nil {
				return err
			}
			latest, err := db.LatestMigrationVersion()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d (latest %d)", v, latest)
			if dirty {
				fmt.Fprint(cmd.OutOrStdout(), " dirty")
			}
			fmt.Fprintln(cmd.OutOrStdout())
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "force <version>",
		Short: "Set the schema version without running migrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version %q: %w", args[0], err)
			}
			store, err := openStoreForMigration(cmd)
			if err != nil {
				return err
			}
			defer store.Close()
			return store.MigrateForce(v)
		},
	})
	return cmd
}
