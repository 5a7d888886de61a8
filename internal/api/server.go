// Package api serves the JSON status API for a running gaze pipeline.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/gaze.report/internal/calibration"
	"github.com/banshee-data/gaze.report/internal/db"
	"github.com/banshee-data/gaze.report/internal/gaze"
	"github.com/banshee-data/gaze.report/internal/httputil"
	"github.com/banshee-data/gaze.report/internal/monitoring"
	"github.com/banshee-data/gaze.report/internal/tracker"
	"github.com/banshee-data/gaze.report/internal/version"
)

// ANSI escape codes used by LoggingMiddleware
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// FixationSource exposes fixation history. Reads between LockFixationList
// and UnlockFixationList see one consistent state.
type FixationSource interface {
	LockFixationList()
	UnlockFixationList()
	FixationsLocked() []gaze.Fixation
	CurrentFixationLocked() (gaze.Fixation, bool)
}

// RunStore reads and annotates stored calibration runs.
type RunStore interface {
	CalibrationRuns(ctx context.Context, limit int) ([]db.CalibrationRun, error)
	CalibrationRun(ctx context.Context, id string) (*db.CalibrationRun, error)
	SetRunNotes(ctx context.Context, id, notes string) error
	DeleteCalibrationRun(ctx context.Context, id string) error
}

// Options wires the server to the pipeline. Every field is optional;
// endpoints whose backend is nil answer 503.
type Options struct {
	Tracker    tracker.Client
	Channel    *gaze.Channel
	Fixations  FixationSource
	Stats      *tracker.StreamStats
	Calibrator calibration.Calibrator
	Runs       RunStore
}

type Server struct {
	opts    Options
	started time.Time
}

func NewServer(opts Options) *Server {
	return &Server{opts: opts, started: time.Now()}
}

// Status is the /api/status payload.
type Status struct {
	Tracker          string             `json:"tracker"`
	Calibration      string             `json:"calibration,omitempty"`
	CalibrationPoint int                `json:"calibration_point"`
	Channel          *gaze.ChannelStats `json:"channel,omitempty"`
	Uptime           string             `json:"uptime"`
	Build            version.Info       `json:"build"`
}

// FixationsResponse is the /api/fixations payload.
type FixationsResponse struct {
	Current   *gaze.Fixation  `json:"current,omitempty"`
	Fixations []gaze.Fixation `json:"fixations"`
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.showStatus)
	mux.HandleFunc("POST /api/tracker/toggle", s.toggleTracker)
	mux.HandleFunc("GET /api/fixations", s.listFixations)
	mux.HandleFunc("GET /api/stats", s.showStats)
	mux.HandleFunc("POST /api/calibration/accept", s.acceptCalibration)
	mux.HandleFunc("GET /api/calibrations", s.listCalibrations)
	mux.HandleFunc("GET /api/calibrations/{id}", s.showCalibration)
	mux.HandleFunc("POST /api/calibrations/{id}/notes", s.setCalibrationNotes)
	mux.HandleFunc("DELETE /api/calibrations/{id}", s.deleteCalibration)
	return mux
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	st := Status{
		Tracker: tracker.Disconnected.String(),
		Uptime:  time.Since(s.started).Truncate(time.Second).String(),
		Build:   version.Get(),
	}
	if s.opts.Tracker != nil {
		st.Tracker = s.opts.Tracker.State().String()
	}
	if s.opts.Calibrator != nil {
		st.Calibration = s.opts.Calibrator.State().String()
		st.CalibrationPoint = s.opts.Calibrator.PointIndex()
	}
	if s.opts.Channel != nil {
		cs := s.opts.Channel.Stats()
		st.Channel = &cs
	}
	httputil.WriteJSONOK(w, st)
}

func (s *Server) toggleTracker(w http.ResponseWriter, r *http.Request) {
	if s.opts.Tracker == nil {
		httputil.ServiceUnavailable(w, "no tracker configured")
		return
	}
	if err := s.opts.Tracker.Toggle(r.Context()); err != nil {
		httputil.WriteJSONError(w, http.StatusBadGateway, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"tracker": s.opts.Tracker.State().String()})
}

func (s *Server) listFixations(w http.ResponseWriter, r *http.Request) {
	if s.opts.Fixations == nil {
		httputil.ServiceUnavailable(w, "active filter does not track fixations")
		return
	}
	src := s.opts.Fixations
	src.LockFixationList()
	resp := FixationsResponse{Fixations: src.FixationsLocked()}
	if cur, ok := src.CurrentFixationLocked(); ok {
		resp.Current = &cur
	}
	src.UnlockFixationList()

	if resp.Fixations == nil {
		resp.Fixations = []gaze.Fixation{}
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	if s.opts.Stats == nil {
		httputil.ServiceUnavailable(w, "no stream statistics")
		return
	}
	httputil.WriteJSONOK(w, s.opts.Stats.Snapshot())
}

func (s *Server) acceptCalibration(w http.ResponseWriter, r *http.Request) {
	if s.opts.Calibrator == nil {
		httputil.ServiceUnavailable(w, "no calibrator configured")
		return
	}
	s.opts.Calibrator.Accept()
	httputil.WriteJSON(w, http.StatusAccepted, map[string]int{"point": s.opts.Calibrator.PointIndex()})
}

func (s *Server) listCalibrations(w http.ResponseWriter, r *http.Request) {
	if s.opts.Runs == nil {
		httputil.ServiceUnavailable(w, "calibration store disabled")
		return
	}
	limit := db.DefaultRunLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			httputil.BadRequest(w, "invalid 'limit' parameter")
			return
		}
		limit = n
	}
	runs, err := s.opts.Runs.CalibrationRuns(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, "failed to list calibration runs: "+err.Error())
		return
	}
	if runs == nil {
		runs = []db.CalibrationRun{}
	}
	httputil.WriteJSONOK(w, runs)
}

func (s *Server) showCalibration(w http.ResponseWriter, r *http.Request) {
	if s.opts.Runs == nil {
		httputil.ServiceUnavailable(w, "calibration store disabled")
		return
	}
	run, err := s.opts.Runs.CalibrationRun(r.Context(), r.PathValue("id"))
	if s.storeError(w, err) {
		return
	}
	httputil.WriteJSONOK(w, run)
}

func (s *Server) setCalibrationNotes(w http.ResponseWriter, r *http.Request) {
	if s.opts.Runs == nil {
		httputil.ServiceUnavailable(w, "calibration store disabled")
		return
	}
	var body struct {
		Notes string `json:"notes"`
	}
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if s.storeError(w, s.opts.Runs.SetRunNotes(r.Context(), r.PathValue("id"), body.Notes)) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteCalibration(w http.ResponseWriter, r *http.Request) {
	if s.opts.Runs == nil {
		httputil.ServiceUnavailable(w, "calibration store disabled")
		return
	}
	if s.storeError(w, s.opts.Runs.DeleteCalibrationRun(r.Context(), r.PathValue("id"))) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// storeError writes the response for a failed store call and reports
// whether it did.
func (s *Server) storeError(w http.ResponseWriter, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, db.ErrRunNotFound):
		httputil.NotFound(w, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
	return true
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status and duration of each request.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}
