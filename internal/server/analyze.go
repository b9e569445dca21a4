package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/candorlab/candor/internal/pipeline"
	"github.com/candorlab/candor/internal/session"
	"github.com/candorlab/candor/pkg/analyzer"
)

// formOverhead is the slack on top of the upload limit for the multipart
// framing and the non-file form fields.
const formOverhead int64 = 1 << 20

// handleAnalyze accepts a multipart audio upload and runs one analysis.
// Events stream over SSE; with ?wait=1 the handler blocks and returns the
// final document as a single JSON body instead.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	clip, sessionID, ok := s.parseUpload(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	if sessionID == "" {
		info, err := s.sessions.Create(ctx)
		if err != nil {
			s.logger.Error("create session", "error", err)
			s.writeError(w, http.StatusInternalServerError, "create session failed")
			return
		}
		if s.metrics != nil {
			s.metrics.ActiveSessions.Add(ctx, 1)
		}
		sessionID = info.ID
	}
	// Auto-created sessions are only discoverable through this header.
	w.Header().Set("X-Session-ID", sessionID)

	if s.metrics != nil {
		s.metrics.ActiveRuns.Add(ctx, 1)
		defer s.metrics.ActiveRuns.Add(context.WithoutCancel(ctx), -1)
	}

	if r.URL.Query().Get("wait") == "1" {
		s.analyzeSync(w, r, clip, sessionID)
		return
	}
	s.analyzeStream(w, r, clip, sessionID)
}

// analyzeSync runs the pipeline to completion and returns the aggregated
// document. The event stream is still what produces the document; it is
// folded server-side instead of being forwarded.
func (s *Server) analyzeSync(w http.ResponseWriter, r *http.Request, clip analyzer.Clip, sessionID string) {
	result, err := s.orch.Run(r.Context(), clip, sessionID, pipeline.DiscardSink)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrAnalysisInProgress):
			s.writeError(w, sessionStatus(err), err.Error())
		default:
			s.logger.Error("analysis failed", "session_id", sessionID, "error", err)
			s.writeError(w, http.StatusInternalServerError, "analysis failed: "+err.Error())
		}
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// sseSink writes events as SSE data frames. Headers go out lazily on the
// first event so that failures before any event (unknown session, concurrent
// run) can still use a proper HTTP status.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (k *sseSink) Send(ev pipeline.Event) error {
	if !k.started {
		h := k.w.Header()
		h.Set("Content-Type", "text/event-stream; charset=utf-8")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		k.w.WriteHeader(http.StatusOK)
		k.started = true
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(k.w, "data: %s\n\n", b); err != nil {
		return err
	}
	k.flusher.Flush()
	return nil
}

// analyzeStream runs the pipeline, forwarding events over SSE.
func (s *Server) analyzeStream(w http.ResponseWriter, r *http.Request, clip analyzer.Clip, sessionID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sink := &sseSink{w: w, flusher: flusher}
	_, err := s.orch.Run(r.Context(), clip, sessionID, sink)
	if err != nil && !sink.started {
		// Nothing has been streamed yet, so a plain status still works.
		s.writeError(w, sessionStatus(err), err.Error())
		return
	}
	if err != nil {
		// The terminal error event is already on the stream.
		s.logger.Warn("analysis stream ended with error", "session_id", sessionID, "error", err)
	}
}

// parseUpload validates the multipart upload and extracts the clip and the
// optional session id. On failure it writes the error response and returns
// ok=false.
func (s *Server) parseUpload(w http.ResponseWriter, r *http.Request) (clip analyzer.Clip, sessionID string, ok bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+formOverhead)
	if err := r.ParseMultipartForm(s.maxUpload + formOverhead); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("upload exceeds %d byte limit", s.maxUpload))
		} else {
			s.writeError(w, http.StatusBadRequest, "malformed multipart body")
		}
		return clip, "", false
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, `missing file field "audio"`)
		return clip, "", false
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "read upload: "+err.Error())
		return clip, "", false
	}
	if int64(len(data)) > s.maxUpload {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("upload exceeds %d byte limit", s.maxUpload))
		return clip, "", false
	}

	mimeType, ok := normalizeMIME(header.Header.Get("Content-Type"))
	if !ok {
		s.writeError(w, http.StatusBadRequest, "unsupported content type; expected wav, mp3, ogg, or webm audio")
		return clip, "", false
	}

	return analyzer.Clip{Data: data, MIMEType: mimeType}, r.FormValue("session_id"), true
}

// normalizeMIME parses and normalises an upload content type against the
// accepted set.
func normalizeMIME(ct string) (string, bool) {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return "", false
	}
	norm, ok := allowedMIME[strings.ToLower(mt)]
	return norm, ok
}

// wsAnalyzeRequest is the first (JSON) frame of a WebSocket analysis.
type wsAnalyzeRequest struct {
	// SessionID selects an existing session. Empty creates a new one.
	SessionID string `json:"session_id"`

	// MIMEType declares the content type of the binary audio frame that
	// follows.
	MIMEType string `json:"mime_type"`
}

// wsAnalyzeAck tells the client which session the run landed in before any
// pipeline events arrive.
type wsAnalyzeAck struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// handleAnalyzeWS runs one analysis over a WebSocket: the client sends a JSON
// request frame and a binary audio frame, then receives the same event
// sequence the SSE endpoint streams.
func (s *Server) handleAnalyzeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	conn.SetReadLimit(s.maxUpload + 512)

	var req wsAnalyzeRequest
	if err := wsjson.Read(ctx, conn, &req); err != nil {
		conn.Close(websocket.StatusPolicyViolation, "expected a JSON request frame")
		return
	}
	mimeType, ok := normalizeMIME(req.MIMEType)
	if !ok {
		conn.Close(websocket.StatusPolicyViolation, "unsupported content type")
		return
	}

	typ, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "expected a binary audio frame")
		return
	}
	if typ != websocket.MessageBinary {
		conn.Close(websocket.StatusPolicyViolation, "expected a binary audio frame")
		return
	}
	if int64(len(data)) > s.maxUpload {
		conn.Close(websocket.StatusMessageTooBig, "upload exceeds size limit")
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		info, err := s.sessions.Create(ctx)
		if err != nil {
			s.logger.Error("create session", "error", err)
			conn.Close(websocket.StatusInternalError, "create session failed")
			return
		}
		if s.metrics != nil {
			s.metrics.ActiveSessions.Add(ctx, 1)
		}
		sessionID = info.ID
	}
	if err := wsjson.Write(ctx, conn, wsAnalyzeAck{Type: "session", SessionID: sessionID}); err != nil {
		return
	}

	if s.metrics != nil {
		s.metrics.ActiveRuns.Add(ctx, 1)
		defer s.metrics.ActiveRuns.Add(context.WithoutCancel(ctx), -1)
	}

	clip := analyzer.Clip{Data: data, MIMEType: mimeType}
	sink := pipeline.SinkFunc(func(ev pipeline.Event) error {
		return wsjson.Write(ctx, conn, ev)
	})

	_, err = s.orch.Run(ctx, clip, sessionID, sink)
	switch {
	case err == nil:
		conn.Close(websocket.StatusNormalClosure, "analysis complete")
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrAnalysisInProgress):
		// Fails before any event, so the reason travels as an error event.
		_ = wsjson.Write(ctx, conn, pipeline.ErrorEvent("session", err.Error()))
		conn.Close(websocket.StatusNormalClosure, "analysis rejected")
	default:
		// The terminal error event is already on the stream.
		conn.Close(websocket.StatusNormalClosure, "analysis aborted")
	}
}
