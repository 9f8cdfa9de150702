// Package server exposes a Runtime over HTTP and as MCP stdio tools.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ShayCichocki/switchboard/internal/app"
	"github.com/ShayCichocki/switchboard/internal/logging"
	"github.com/ShayCichocki/switchboard/internal/metrics"
	"github.com/ShayCichocki/switchboard/internal/orchestrator"
	"github.com/ShayCichocki/switchboard/internal/trace"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

const maxBodyBytes = 1 << 20

// Server serves the admin and request API.
type Server struct {
	rt  *app.Runtime
	log zerolog.Logger
}

// New creates a Server over rt.
func New(rt *app.Runtime) *Server {
	return &Server{rt: rt, log: logging.For("server")}
}

type executeRequest struct {
	Text      string `json:"text"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	// ChannelID, when set, also delivers the answer through the notifier.
	ChannelID string `json:"channel_id"`
}

type routeRequest struct {
	Text  string `json:"text"`
	Limit int    `json:"limit"`
}

type errorResponse struct {
	Error   string `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.healthz)
	if s.rt.Config.Server.Metrics {
		mux.Handle("GET /metrics", metrics.Handler(s.rt.Metrics))
	}
	mux.HandleFunc("POST /v1/execute", s.execute)
	mux.HandleFunc("POST /v1/route", s.route)
	mux.HandleFunc("GET /v1/breakers", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.rt.Breakers.Stats())
	})
	mux.HandleFunc("GET /v1/cache/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.rt.Cache.Stats())
	})
	mux.HandleFunc("GET /v1/traces", s.listTraces)
	mux.HandleFunc("GET /v1/traces/{id}", s.getTrace)
	return s.logRequests(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", addr).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.Ping(r.Context()); err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "text is required"})
		return
	}

	resp, err := s.rt.Orchestrator.Execute(r.Context(), orchestrator.Request{
		Text:      req.Text,
		UserID:    req.UserID,
		SessionID: req.SessionID,
	}, nil)
	if err != nil {
		s.log.Warn().Err(err).Str(logging.TRACE_ID, resp.TraceID).Msg("request failed")
		writeJSON(w, statusFor(err), errorResponse{Error: orchestrator.UserMessage(err), TraceID: resp.TraceID})
		return
	}

	if req.ChannelID != "" {
		if err := s.rt.Notifier.Send(r.Context(), req.ChannelID, resp.Text); err != nil {
			s.log.Warn().Err(err).Str(logging.TRACE_ID, resp.TraceID).Str("channel", req.ChannelID).Msg("notification not delivered")
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "text is required"})
		return
	}
	matches, err := s.rt.Router.Route(r.Context(), req.Text, req.Limit)
	if err != nil {
		writeJSON(w, statusFor(err), errorResponse{Error: orchestrator.UserMessage(err)})
		return
	}
	if matches == nil {
		matches = []models.Match{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

func (s *Server) listTraces(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := trace.Filter{
		UserID: q.Get("user_id"),
		Status: models.TraceStatus(q.Get("status")),
	}
	if f.Status != "" && !f.Status.Valid() {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown status " + strconv.Quote(string(f.Status))})
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		f.Limit = n
	}

	traces, err := s.rt.Tracer.List(r.Context(), f)
	if err != nil {
		s.log.Error().Err(err).Msg("list traces")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "trace store unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"traces": traces})
}

func (s *Server) getTrace(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tr, ok, err := s.rt.Tracer.Get(r.Context(), id)
	switch {
	case err != nil:
		s.log.Error().Err(err).Str(logging.TRACE_ID, id).Msg("get trace")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "trace store unavailable"})
	case !ok:
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "trace not found", TraceID: id})
	default:
		writeJSON(w, http.StatusOK, tr)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidGraph):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		// Client went away; nobody reads the status.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}
