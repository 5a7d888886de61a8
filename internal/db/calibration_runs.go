package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/gaze.report/internal/calibration"
	"github.com/banshee-data/gaze.report/internal/gaze"
)

// ErrRunNotFound is returned when no run has the requested ID.
var ErrRunNotFound = errors.New("calibration run not found")

// DefaultRunLimit bounds CalibrationRuns when no limit is given.
const DefaultRunLimit = 100

// CalibrationRun is a stored calibration.
type CalibrationRun struct {
	ID            string                        `json:"id"`
	Device        string                        `json:"device"`
	ScreenWidth   int                           `json:"screen_width"`
	ScreenHeight  int                           `json:"screen_height"`
	StartedAt     time.Time                     `json:"started_at"`
	FinishedAt    time.Time                     `json:"finished_at"`
	Points        []gaze.Sample                 `json:"points"`
	MeanDeviation calibration.Deviation         `json:"mean_deviation"`
	Validation    *calibration.ValidationResult `json:"validation,omitempty"`
	Notes         string                        `json:"notes,omitempty"`
}

// RecordCalibration stores run and its validation exchange in one
// transaction. It implements calibration.RunRecorder.
func (db *DB) RecordCalibration(ctx context.Context, device string, screen gaze.Sample, run *calibration.Run) error {
	_, err := db.InsertCalibrationRun(ctx, device, screen, run)
	return err
}

// InsertCalibrationRun stores run and returns its generated ID.
func (db *DB) InsertCalibrationRun(ctx context.Context, device string, screen gaze.Sample, run *calibration.Run) (string, error) {
	if run == nil {
		return "", errors.New("nil calibration run")
	}
	points, err := json.Marshal(run.Points)
	if err != nil {
		return "", fmt.Errorf("failed to encode points: %w", err)
	}

	var dev calibration.Deviation
	if run.Validation != nil {
		dev = run.Validation.MeanDeviation()
	}

	id := uuid.NewString()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO calibration_runs (
			run_id, device, screen_width, screen_height,
			started_unix_nanos, finished_unix_nanos, points_json,
			mean_dev_x, mean_dev_y, validated_points
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, device, screen.X, screen.Y,
		run.StartedAt.UnixNano(), run.FinishedAt.UnixNano(), string(points),
		dev.X, dev.Y, dev.Samples,
	); err != nil {
		return "", fmt.Errorf("failed to insert calibration run: %w", err)
	}

	if v := run.Validation; v != nil {
		for i := range v.Measurements {
			check := ""
			if i < len(v.CheckPoints) {
				check = v.CheckPoints[i]
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO validation_measurements (run_id, seq, check_point, measurement) VALUES (?, ?, ?, ?)`,
				id, i, check, v.Measurements[i],
			); err != nil {
				return "", fmt.Errorf("failed to insert validation measurement %d: %w", i, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// CalibrationRuns lists the most recent runs, newest first, without their
// validation exchange.
func (db *DB) CalibrationRuns(ctx context.Context, limit int) ([]CalibrationRun, error) {
	if limit <= 0 {
		limit = DefaultRunLimit
	}
	rows, err := db.QueryContext(ctx, `
		SELECT run_id, device, screen_width, screen_height,
			started_unix_nanos, finished_unix_nanos, points_json,
			mean_dev_x, mean_dev_y, validated_points, notes
		FROM calibration_runs
		ORDER BY started_unix_nanos DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []CalibrationRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// CalibrationRun loads one run with its validation exchange.
func (db *DB) CalibrationRun(ctx context.Context, id string) (*CalibrationRun, error) {
	row := db.QueryRowContext(ctx, `
		SELECT run_id, device, screen_width, screen_height,
			started_unix_nanos, finished_unix_nanos, points_json,
			mean_dev_x, mean_dev_y, validated_points, notes
		FROM calibration_runs
		WHERE run_id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT check_point, measurement FROM validation_measurements WHERE run_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	v := &calibration.ValidationResult{}
	for rows.Next() {
		var check, measurement string
		if err := rows.Scan(&check, &measurement); err != nil {
			return nil, err
		}
		v.CheckPoints = append(v.CheckPoints, check)
		v.Measurements = append(v.Measurements, measurement)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	r.Validation = v
	return &r, nil
}

// SetRunNotes replaces the free-text notes of a run.
func (db *DB) SetRunNotes(ctx context.Context, id, notes string) error {
	res, err := db.ExecContext(ctx, `UPDATE calibration_runs SET notes = ? WHERE run_id = ?`, notes, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// DeleteCalibrationRun removes a run and its measurements.
func (db *DB) DeleteCalibrationRun(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM calibration_runs WHERE run_id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (CalibrationRun, error) {
	var (
		r                 CalibrationRun
		started, finished int64
		points            string
	)
	if err := s.Scan(
		&r.ID, &r.Device, &r.ScreenWidth, &r.ScreenHeight,
		&started, &finished, &points,
		&r.MeanDeviation.X, &r.MeanDeviation.Y, &r.MeanDeviation.Samples, &r.Notes,
	); err != nil {
		return CalibrationRun{}, err
	}
	r.StartedAt = time.Unix(0, started).UTC()
	r.FinishedAt = time.Unix(0, finished).UTC()
	if err := json.Unmarshal([]byte(points), &r.Points); err != nil {
		return CalibrationRun{}, fmt.Errorf("run %s: failed to decode points: %w", r.ID, err)
	}
	return r, nil
}
