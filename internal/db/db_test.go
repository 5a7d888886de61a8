package db

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gaze.report/internal/calibration"
	"github.com/banshee-data/gaze.report/internal/gaze"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testRun(start time.Time) *calibration.Run {
	return &calibration.Run{
		Points:    []gaze.Sample{{X: 100, Y: 50}, {X: 200, Y: 100}},
		StartedAt: start,
		Validation: &calibration.ValidationResult{
			CheckPoints:  []string{"480 270", "1440 810"},
			Measurements: []string{"ET_VLS 482 268 0.4° 0.6°", "ET_VLS 1436 815 0.8° 1.0°"},
		},
		FinishedAt: start.Add(30 * time.Second),
	}
}

func TestPragmasApplied(t *testing.T) {
	db := newTestDB(t)

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout, foreignKeys int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	assert.Equal(t, 5000, busyTimeout)
	assert.Equal(t, 1, foreignKeys)
}

func TestMigrations(t *testing.T) {
	db := newTestDB(t)

	latest, err := LatestMigrationVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), latest)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, latest, version)
	assert.False(t, dirty)

	require.NoError(t, db.MigrateDown())
	version, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	require.NoError(t, db.MigrateUp())
	require.NoError(t, db.MigrateUp(), "no change is not an error")
	version, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, latest, version)
}

func TestCalibrationRun_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	run := testRun(start)

	id, err := db.InsertCalibrationRun(ctx, "192.168.1.10:6665", gaze.Sample{X: 1920, Y: 1080}, run)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := db.CalibrationRun(ctx, id)
	require.NoError(t, err)

	want := &CalibrationRun{
		ID:           id,
		Device:       "192.168.1.10:6665",
		ScreenWidth:  1920,
		ScreenHeight: 1080,
		StartedAt:    start,
		FinishedAt:   start.Add(30 * time.Second),
		Points:       run.Points,
		MeanDeviation: calibration.Deviation{
			X:       0.6,
			Y:       0.8,
			Samples: 2,
		},
		Validation: run.Validation,
	}
	if diff := cmp.Diff(want, got, cmpFloat()); diff != "" {
		t.Errorf("run mismatch (-want +got):\n%s", diff)
	}
}

func cmpFloat() cmp.Option {
	return cmp.Comparer(func(a, b float64) bool {
		d := a - b
		return d < 1e-9 && d > -1e-9
	})
}

func TestCalibrationRuns_NewestFirst(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, db.RecordCalibration(ctx, "dev", gaze.Sample{X: 800, Y: 600}, testRun(base.Add(time.Duration(i)*time.Hour))))
	}

	runs, err := db.CalibrationRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, base.Add(2*time.Hour), runs[0].StartedAt)
	assert.Equal(t, base, runs[2].StartedAt)
	assert.Nil(t, runs[0].Validation, "listing omits the validation exchange")

	runs, err = db.CalibrationRuns(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestCalibrationRun_WithoutValidation(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	run := testRun(time.Unix(100, 0))
	run.Validation = nil

	id, err := db.InsertCalibrationRun(ctx, "dev", gaze.Sample{}, run)
	require.NoError(t, err)

	got, err := db.CalibrationRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, calibration.Deviation{}, got.MeanDeviation)
	assert.Empty(t, got.Validation.Measurements)

	_, err = db.InsertCalibrationRun(ctx, "dev", gaze.Sample{}, nil)
	assert.Error(t, err)
}

func TestCalibrationRun_NotesAndDelete(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id, err := db.InsertCalibrationRun(ctx, "dev", gaze.Sample{X: 1, Y: 1}, testRun(time.Unix(0, 0)))
	require.NoError(t, err)

	require.NoError(t, db.SetRunNotes(ctx, id, "glasses on"))
	got, err := db.CalibrationRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "glasses on", got.Notes)

	assert.ErrorIs(t, db.SetRunNotes(ctx, "missing", "x"), ErrRunNotFound)

	require.NoError(t, db.DeleteCalibrationRun(ctx, id))
	_, err = db.CalibrationRun(ctx, id)
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, db.DeleteCalibrationRun(ctx, id), ErrRunNotFound)

	var orphans int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM validation_measurements").Scan(&orphans))
	assert.Zero(t, orphans, "measurements cascade with their run")
}

func TestAttachAdminRoutes(t *testing.T) {
	db := newTestDB(t)
	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	for _, path := range []string{"/debug/tailsql/", "/debug/backup"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		// Debug routes may reject non-local callers; they must still exist.
		assert.NotEqual(t, http.StatusNotFound, w.Code, path)
	}
}

func TestServeBackup(t *testing.T) {
	db := newTestDB(t)
	_, err := db.InsertCalibrationRun(context.Background(), "dev", gaze.Sample{}, testRun(time.Unix(0, 0)))
	require.NoError(t, err)

	w := httptest.NewRecorder()
	db.serveBackup(w, httptest.NewRequest(http.MethodGet, "/debug/backup", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/gzip", w.Header().Get("Content-Type"))

	zr, err := gzip.NewReader(w.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.True(t, len(data) > 16 && string(data[:16]) == "SQLite format 3\x00")
}
