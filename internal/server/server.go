// Package server exposes the Candor analysis pipeline over HTTP: multipart
// audio upload with SSE or WebSocket event streaming, a synchronous wait
// mode, and session lifecycle endpoints.
//
// The server is the validation boundary: uploads are checked for MIME type
// and size here, and the pipeline never re-validates. Session store errors
// map onto HTTP statuses (404 unknown session, 409 concurrent analysis);
// everything else is a 400 before the pipeline starts or an error event once
// the stream is open.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/candorlab/candor/internal/observe"
	"github.com/candorlab/candor/internal/pipeline"
	"github.com/candorlab/candor/internal/session"
)

// DefaultMaxUpload is the largest accepted audio upload.
const DefaultMaxUpload int64 = 10 << 20

// allowedMIME maps accepted upload content types onto their normalised form.
var allowedMIME = map[string]string{
	"audio/wav":   "audio/wav",
	"audio/x-wav": "audio/wav",
	"audio/wave":  "audio/wav",
	"audio/mp3":   "audio/mpeg",
	"audio/mpeg":  "audio/mpeg",
	"audio/ogg":   "audio/ogg",
	"audio/webm":  "audio/webm",
}

// Option is a functional option for configuring a Server.
type Option func(*Server)

// WithMaxUpload overrides the upload size limit. Default 10 MiB.
func WithMaxUpload(n int64) Option {
	return func(s *Server) { s.maxUpload = n }
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics attaches metric instruments for the active-session and
// active-run gauges. Nil disables them.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server handles the Candor HTTP API. Safe for concurrent use.
type Server struct {
	orch      *pipeline.Orchestrator
	sessions  session.Store
	maxUpload int64
	metrics   *observe.Metrics
	logger    *slog.Logger
}

// New creates a Server over the given orchestrator and session store.
func New(orch *pipeline.Orchestrator, sessions session.Store, opts ...Option) (*Server, error) {
	if orch == nil {
		return nil, errors.New("server: orchestrator is required")
	}
	if sessions == nil {
		return nil, errors.New("server: session store is required")
	}
	s := &Server{
		orch:      orch,
		sessions:  sessions,
		maxUpload: DefaultMaxUpload,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/analyze", s.handleAnalyze)
	mux.HandleFunc("GET /api/analyze/ws", s.handleAnalyzeWS)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}/history", s.handleHistory)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
}

// errorBody is the JSON problem body for non-streaming failures.
type errorBody struct {
	Error string `json:"error"`
}

// writeJSON encodes v with the given status. Encoding failures are logged
// and otherwise dropped; headers are already out.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON problem body.
func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorBody{Error: msg})
}

// sessionStatus maps session store errors onto HTTP statuses.
func sessionStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrAnalysisInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
