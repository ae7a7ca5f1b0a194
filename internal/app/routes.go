package app

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/koojai/internal/observe"
	"github.com/MrWong99/koojai/internal/session"
	"github.com/MrWong99/koojai/internal/transcript"
	"github.com/MrWong99/koojai/pkg/audio/capture"
	"github.com/MrWong99/koojai/pkg/memory"
	"github.com/MrWong99/koojai/pkg/provider/s2s"
)

// maxBodyBytes caps request bodies on the control endpoints.
const maxBodyBytes = 4096

type startRequest struct {
	UserID string `json:"user_id"`
}

type sessionResponse struct {
	Session    session.Info      `json:"session"`
	Transcript []transcript.Turn `json:"transcript"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// routes builds the HTTP surface:
//
//	GET  /healthz, /readyz   health checks
//	GET  /metrics            Prometheus scrape
//	GET  /ws                 UI event stream
//	GET  /session            current or last session and its transcript
//	POST /session/start      start a session, body {"user_id": "..."} optional
//	POST /session/stop       stop the running session
//	GET  /reports/{userID}   stored analysis reports, newest first
func (a *App) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(observe.Middleware(a.metrics))

	a.health.Register(r)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	r.Method(http.MethodGet, "/ws", a.hub)

	r.Get("/session", a.handleSession)
	r.Post("/session/start", a.handleStart)
	r.Post("/session/stop", a.handleStop)
	r.Get("/reports/{userID}", a.handleReports)
	return r
}

func (a *App) handleSession(w http.ResponseWriter, _ *http.Request) {
	turns := a.ctl.Transcript()
	if turns == nil {
		turns = []transcript.Turn{}
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: a.ctl.Info(), Transcript: turns})
}

func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}

	info, err := a.ctl.Start(r.Context(), req.UserID)
	if err != nil {
		writeJSON(w, startStatus(err), errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// startStatus maps a Start failure to an HTTP status.
func startStatus(err error) int {
	switch {
	case errors.Is(err, capture.ErrCaptureUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, s2s.ErrConnect):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (a *App) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := a.ctl.Stop(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, a.ctl.Info())
}

func (a *App) handleReports(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	reports, err := a.store.Reports(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if reports == nil {
		reports = []memory.Report{}
	}
	writeJSON(w, http.StatusOK, reports)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
