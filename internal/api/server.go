// Package api is the operator surface: one composite status read plus the
// enable / stop / home commands, and the recent motion history.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/eidos-vision/pickpoint/internal/calib"
	"github.com/eidos-vision/pickpoint/internal/motion"
	"github.com/eidos-vision/pickpoint/internal/motiondb"
	"github.com/eidos-vision/pickpoint/internal/track"
	"github.com/eidos-vision/pickpoint/internal/version"
)

// ANSI escape codes for request logging
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	commander *motion.Commander
	tracker   *track.Tracker
	calib     *calib.Store
	db        *motiondb.DB
}

func NewServer(commander *motion.Commander, tracker *track.Tracker, store *calib.Store, db *motiondb.DB) *Server {
	return &Server{
		commander: commander,
		tracker:   tracker,
		calib:     store,
		db:        db,
	}
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
	default:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	}
}

// LoggingMiddleware logs method, path, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf("[%s] %s %s %vms",
			statusCodeColor(lrw.statusCode), r.Method, r.URL.Path,
			time.Since(start).Milliseconds())
	})
}

// Routes attaches all API handlers to the given mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/motions", s.handleMotions)
	mux.HandleFunc("POST /api/enable", s.handleEnable)
	mux.HandleFunc("POST /api/disable", s.handleDisable)
	mux.HandleFunc("POST /api/stop", s.handleStop)
	mux.HandleFunc("POST /api/home", s.handleHome)
	mux.HandleFunc("POST /api/calibration/reload", s.handleCalibrationReload)
}

// targetJSON is the wire form of a tracked target.
type targetJSON struct {
	Position   [3]float64 `json:"position"`
	Velocity   [3]float64 `json:"velocity"`
	Confidence float64    `json:"confidence"`
	Age        int        `json:"age"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func toTargetJSON(t track.TrackedTarget) *targetJSON {
	return &targetJSON{
		Position:   [3]float64{t.Position.X, t.Position.Y, t.Position.Z},
		Velocity:   [3]float64{t.Velocity.X, t.Velocity.Y, t.Velocity.Z},
		Confidence: t.Confidence,
		Age:        t.Age,
		UpdatedAt:  t.UpdatedAt,
	}
}

// compositeStatus is the single status read exposed to operators: motion
// state, the stable target if any, and the last failure kind until it is
// superseded by a new command attempt.
type compositeStatus struct {
	Version      string          `json:"version"`
	MotionState  motion.State    `json:"motion_state"`
	Enabled      bool            `json:"enabled"`
	StableTarget *targetJSON     `json:"stable_target,omitempty"`
	LiveTarget   *targetJSON     `json:"live_target,omitempty"`
	Command      *motion.Command `json:"command,omitempty"`
	LastFailure  string          `json:"last_failure,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	snap := s.commander.Status()

	status := compositeStatus{
		Version:     version.Version,
		MotionState: snap.State,
		Enabled:     snap.Enabled,
		Command:     snap.Command,
		LastFailure: snap.LastFailure,
	}
	if stable, ok := s.tracker.StableTarget(now); ok {
		status.StableTarget = toTargetJSON(stable)
	}
	if live, ok := s.tracker.Current(now); ok {
		status.LiveTarget = toTargetJSON(live)
	}

	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleMotions(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		http.Error(w, "motion history disabled", http.StatusNotFound)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	records, err := s.db.RecentMotions(limit)
	if err != nil {
		log.Printf("api: recent motions: %v", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"motions": records})
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	if err := s.commander.Enable(); err != nil {
		log.Printf("api: enable failed: %v", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "enabled"})
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	s.commander.Disable()
	writeJSON(w, http.StatusOK, map[string]string{"result": "disabled"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.commander.RequestStop()
	writeJSON(w, http.StatusAccepted, map[string]string{"result": "stop requested"})
}

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	s.commander.RequestHome()
	writeJSON(w, http.StatusAccepted, map[string]string{"result": "home requested"})
}

func (s *Server) handleCalibrationReload(w http.ResponseWriter, r *http.Request) {
	if err := s.calib.Reload(); err != nil {
		log.Printf("api: calibration reload failed: %v", err)
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "calibration reloaded"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}
