package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/candorlab/candor/internal/pipeline"
	"github.com/candorlab/candor/internal/resilience"
	"github.com/candorlab/candor/internal/server"
	"github.com/candorlab/candor/internal/session"
	"github.com/candorlab/candor/pkg/analysis"
	"github.com/candorlab/candor/pkg/analyzer"
	"github.com/candorlab/candor/pkg/analyzer/mock"
)

type fixture struct {
	sessions *session.MemStore
	srv      *httptest.Server
	client   *http.Client
}

func newFixture(t *testing.T, opts ...server.Option) *fixture {
	t.Helper()

	sessions := session.NewMemStore(nil)
	orch, err := pipeline.New(pipeline.Config{
		Quality: &mock.Quality{Report: &analysis.AudioQuality{
			Duration: 5, SampleRate: 16000, QualityScore: 92, Loudness: 0.2,
		}},
		Transcriber: &mock.Transcriber{Result: &analyzer.Transcript{
			Text:     "I was home all evening.",
			Duration: 5,
		}},
		Deep: &mock.Deep{Analysis: &analysis.DeepAnalysis{
			CredibilityScore: 70,
			ConfidenceLevel:  analysis.ConfidenceMedium,
			RiskAssessment:   analysis.RiskAssessment{OverallRisk: analysis.RiskLow},
		}},
		Emotion:    &mock.Emotion{Scores: []analysis.EmotionScore{{Label: "neutral", Score: 0.8}}},
		Linguistic: &mock.Linguistic{Features: &analysis.LinguisticFeatures{WordCount: 5, SentenceCount: 1}},
		Sessions:   sessions,
		Retry:      resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}

	s, err := server.New(orch, sessions, opts...)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	mux := http.NewServeMux()
	s.Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &fixture{sessions: sessions, srv: srv, client: srv.Client()}
}

// upload builds a multipart body with one audio part and an optional
// session_id field.
func upload(t *testing.T, contentType, sessionID string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if sessionID != "" {
		if err := mw.WriteField("session_id", sessionID); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}

	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="audio"; filename="clip"`)
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatalf("CreatePart: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func decodeJSON[T any](t *testing.T, r io.Reader) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(r).Decode(&v); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return v
}

// ── session lifecycle ────────────────────────────────────────────────────────

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	// Create.
	resp, err := f.client.Post(f.srv.URL+"/api/sessions", "", nil)
	if err != nil {
		t.Fatalf("POST /api/sessions: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	info := decodeJSON[session.Info](t, resp.Body)
	resp.Body.Close()
	if info.ID == "" {
		t.Fatal("created session has empty id")
	}

	// Fresh history is an empty array, never null.
	resp, err = f.client.Get(f.srv.URL + "/api/sessions/" + info.ID + "/history")
	if err != nil {
		t.Fatalf("GET history: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(raw), `"history":[]`) {
		t.Errorf("fresh history should be an empty array, got: %s", raw)
	}

	// Delete is idempotent.
	for range 2 {
		req, _ := http.NewRequest(http.MethodDelete, f.srv.URL+"/api/sessions/"+info.ID, nil)
		resp, err := f.client.Do(req)
		if err != nil {
			t.Fatalf("DELETE: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Errorf("delete status = %d, want 204", resp.StatusCode)
		}
	}

	// History of a deleted session is 404.
	resp, err = f.client.Get(f.srv.URL + "/api/sessions/" + info.ID + "/history")
	if err != nil {
		t.Fatalf("GET history: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("history status = %d, want 404", resp.StatusCode)
	}
}

// ── synchronous analysis ─────────────────────────────────────────────────────

func TestAnalyze_SyncCreatesSessionAndAppends(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	body, ct := upload(t, "audio/wav", "", []byte("audio-bytes"))
	resp, err := f.client.Post(f.srv.URL+"/api/analyze?wait=1", ct, body)
	if err != nil {
		t.Fatalf("POST /api/analyze: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 200; body: %s", resp.StatusCode, raw)
	}
	sessionID := resp.Header.Get("X-Session-ID")
	if sessionID == "" {
		t.Fatal("missing X-Session-ID header for auto-created session")
	}

	result := decodeJSON[analysis.Result](t, resp.Body)
	if result.Transcript != "I was home all evening." {
		t.Errorf("transcript = %q", result.Transcript)
	}
	if result.SessionID != sessionID {
		t.Errorf("result session id = %q, want %q", result.SessionID, sessionID)
	}

	// The run landed in the session's history.
	history, err := f.sessions.History(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("history length = %d, want 1", len(history))
	}
}

func TestAnalyze_UnknownSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	body, ct := upload(t, "audio/wav", "no-such-session", []byte("audio-bytes"))
	resp, err := f.client.Post(f.srv.URL+"/api/analyze?wait=1", ct, body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestAnalyze_ConcurrentRunConflicts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	info, err := f.sessions.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Simulate an in-flight run.
	if err := f.sessions.Acquire(context.Background(), info.ID); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	body, ct := upload(t, "audio/wav", info.ID, []byte("audio-bytes"))
	resp, err := f.client.Post(f.srv.URL+"/api/analyze?wait=1", ct, body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

// ── upload validation ────────────────────────────────────────────────────────

func TestAnalyze_Validation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, server.WithMaxUpload(64))

	t.Run("unsupported content type", func(t *testing.T) {
		body, ct := upload(t, "video/mp4", "", []byte("xx"))
		resp, err := f.client.Post(f.srv.URL+"/api/analyze?wait=1", ct, body)
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("missing audio field", func(t *testing.T) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		_ = mw.WriteField("session_id", "whatever")
		_ = mw.Close()
		resp, err := f.client.Post(f.srv.URL+"/api/analyze?wait=1", mw.FormDataContentType(), &buf)
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("oversized upload", func(t *testing.T) {
		body, ct := upload(t, "audio/wav", "", bytes.Repeat([]byte("a"), 256))
		resp, err := f.client.Post(f.srv.URL+"/api/analyze?wait=1", ct, body)
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("wav alias accepted", func(t *testing.T) {
		body, ct := upload(t, "audio/x-wav", "", []byte("ok"))
		resp, err := f.client.Post(f.srv.URL+"/api/analyze?wait=1", ct, body)
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want 200", resp.StatusCode)
		}
	})
}

// ── SSE streaming ────────────────────────────────────────────────────────────

func TestAnalyze_SSEStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	info, err := f.sessions.Create(context.Background())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	body, ct := upload(t, "audio/wav", info.ID, []byte("audio-bytes"))
	resp, err := f.client.Post(f.srv.URL+"/api/analyze", ct, body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); !strings.HasPrefix(got, "text/event-stream") {
		t.Errorf("Content-Type = %q, want text/event-stream", got)
	}

	var events []pipeline.Event
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev pipeline.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan stream: %v", err)
	}

	// Five progress/result pairs plus the terminal complete.
	if len(events) != 11 {
		t.Fatalf("got %d events, want 11", len(events))
	}
	if events[0].Type != pipeline.EventProgress {
		t.Errorf("first event type = %q, want progress", events[0].Type)
	}
	last := events[len(events)-1]
	if last.Type != pipeline.EventComplete {
		t.Errorf("last event type = %q, want complete", last.Type)
	}
}

func TestAnalyze_SSEUnknownSessionIsPlainError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	body, ct := upload(t, "audio/wav", "no-such-session", []byte("audio-bytes"))
	resp, err := f.client.Post(f.srv.URL+"/api/analyze", ct, body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	// No events were streamed, so the status can still say 404.
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); !strings.HasPrefix(got, "application/json") {
		t.Errorf("Content-Type = %q, want application/json", got)
	}
}

// ── WebSocket streaming ──────────────────────────────────────────────────────

func TestAnalyzeWS(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/analyze/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	if err := wsjson.Write(ctx, conn, map[string]string{"mime_type": "audio/wav"}); err != nil {
		t.Fatalf("write request frame: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageBinary, []byte("audio-bytes")); err != nil {
		t.Fatalf("write audio frame: %v", err)
	}

	// First frame acknowledges the auto-created session.
	var ack struct {
		Type      string `json:"type"`
		SessionID string `json:"session_id"`
	}
	if err := wsjson.Read(ctx, conn, &ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Type != "session" || ack.SessionID == "" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	var events []pipeline.Event
	for {
		var ev pipeline.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				break
			}
			t.Fatalf("read event: %v", err)
		}
		events = append(events, ev)
		if ev.Terminal() {
			break
		}
	}

	if len(events) != 11 {
		t.Fatalf("got %d events, want 11", len(events))
	}
	if events[len(events)-1].Type != pipeline.EventComplete {
		t.Errorf("last event type = %q, want complete", events[len(events)-1].Type)
	}

	history, err := f.sessions.History(context.Background(), ack.SessionID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("history length = %d, want 1", len(history))
	}
}

func TestAnalyzeWS_RejectsUnsupportedMIME(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/analyze/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	if err := wsjson.Write(ctx, conn, map[string]string{"mime_type": "video/mp4"}); err != nil {
		t.Fatalf("write request frame: %v", err)
	}

	var ev pipeline.Event
	err = wsjson.Read(ctx, conn, &ev)
	if err == nil {
		t.Fatal("expected close, got event")
	}
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Errorf("close status = %v, want policy violation", websocket.CloseStatus(err))
	}
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) && !strings.Contains(closeErr.Reason, "content type") {
		t.Errorf("close reason = %q, want content type mention", closeErr.Reason)
	}
}
