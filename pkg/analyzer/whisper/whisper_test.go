package whisper_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/candorlab/candor/pkg/analyzer"
	"github.com/candorlab/candor/pkg/analyzer/whisper"
)

// encodeWAV wraps raw 16-bit PCM in a minimal RIFF/WAV container.
func encodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * 2
	buf := make([]byte, 44+len(pcm))
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(channels*2))
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[44:], pcm)
	return buf
}

func TestTranscribe_Success(t *testing.T) {
	t.Parallel()

	var gotLanguage, gotFilename string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/inference" {
			t.Errorf("path: want /inference, got %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		gotLanguage = r.FormValue("language")
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("form file: %v", err)
		}
		defer f.Close()
		gotFilename = hdr.Filename
		_, _ = io.Copy(io.Discard, f)
		_ = json.NewEncoder(w).Encode(map[string]string{"text": " I did not take the money."})
	}))
	defer srv.Close()

	p, err := whisper.New(srv.URL, whisper.WithLanguage("en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// 2 seconds of silence at 16 kHz mono.
	clip := analyzer.Clip{
		Data:     encodeWAV(make([]byte, 16000*2*2), 16000, 1),
		MIMEType: "audio/wav",
	}
	tr, err := p.Transcribe(context.Background(), clip)
	if err != nil {
		t.Fatalf("Transcribe: unexpected error: %v", err)
	}

	if want := " I did not take the money."; tr.Text != want {
		t.Errorf("Text: want %q, got %q", want, tr.Text)
	}
	if gotLanguage != "en" {
		t.Errorf("language field: want en, got %q", gotLanguage)
	}
	if gotFilename != "audio.wav" {
		t.Errorf("filename: want audio.wav, got %q", gotFilename)
	}
	if math.Abs(tr.Duration-2) > 0.01 {
		t.Errorf("Duration: want ~2s, got %v", tr.Duration)
	}
}

func TestTranscribe_ServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, err := whisper.New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Transcribe(context.Background(), analyzer.Clip{Data: []byte("x"), MIMEType: "audio/wav"})
	if err == nil {
		t.Fatal("Transcribe: want error for HTTP 503, got nil")
	}
	if !analyzer.IsTransient(err) {
		t.Errorf("IsTransient: want true for HTTP 503, got false: %v", err)
	}
}

func TestTranscribe_ClientErrorIsTerminal(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad audio", http.StatusBadRequest)
	}))
	defer srv.Close()

	p, err := whisper.New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Transcribe(context.Background(), analyzer.Clip{Data: []byte("x"), MIMEType: "audio/wav"})
	if err == nil {
		t.Fatal("Transcribe: want error for HTTP 400, got nil")
	}
	if analyzer.IsTransient(err) {
		t.Errorf("IsTransient: want false for HTTP 400, got true: %v", err)
	}
}

func TestTranscribe_ConnectionRefusedIsTransient(t *testing.T) {
	t.Parallel()

	p, err := whisper.New("http://127.0.0.1:1") // nothing listens here
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = p.Transcribe(context.Background(), analyzer.Clip{Data: []byte("x"), MIMEType: "audio/wav"})
	if err == nil {
		t.Fatal("Transcribe: want error for refused connection, got nil")
	}
	if !analyzer.IsTransient(err) {
		t.Errorf("IsTransient: want true for refused connection, got false: %v", err)
	}
}

func TestNew_EmptyURL(t *testing.T) {
	t.Parallel()

	if _, err := whisper.New(""); err == nil {
		t.Fatal("New: want error for empty serverURL, got nil")
	}
}
