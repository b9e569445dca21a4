// Package emotion provides an HTTP-backed emotion classifier.
//
// Provider submits the clip (and the transcript, when available) to a hosted
// speech-emotion-recognition service and returns the ranked emotion
// distribution. The wire contract is a multipart POST to /classify answered
// with {"emotions": [{"label": "...", "score": 0.0}, ...]}.
//
// Emotion classification is a degradable stage: callers treat any error from
// this package as "no emotion block", so the provider focuses on honest error
// classification rather than fallbacks.
package emotion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"time"

	"github.com/candorlab/candor/pkg/analysis"
	"github.com/candorlab/candor/pkg/analyzer"
)

const defaultTimeout = 60 * time.Second

var _ analyzer.EmotionAnalyzer = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the classifier service.
// When empty the service uses its default model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 60s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithTopK limits how many emotions are returned, best first. Zero (the
// default) returns the full distribution.
func WithTopK(k int) Option {
	return func(p *Provider) { p.topK = k }
}

// Provider implements [analyzer.EmotionAnalyzer] against a hosted emotion
// classification endpoint. Safe for concurrent use.
type Provider struct {
	serverURL  string
	model      string
	topK       int
	httpClient *http.Client
}

// New creates a Provider that connects to the classifier at serverURL.
// serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("emotion: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  serverURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// AnalyzeEmotion implements [analyzer.EmotionAnalyzer]. Network failures,
// timeouts, and 5xx responses are marked transient; a 4xx response is
// terminal.
func (p *Provider) AnalyzeEmotion(ctx context.Context, clip analyzer.Clip, transcript string) ([]analysis.EmotionScore, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", fileName(clip.MIMEType))
	if err != nil {
		return nil, fmt.Errorf("emotion: create form file: %w", err)
	}
	if _, err := fw.Write(clip.Data); err != nil {
		return nil, fmt.Errorf("emotion: write audio data: %w", err)
	}
	if transcript != "" {
		if err := mw.WriteField("transcript", transcript); err != nil {
			return nil, fmt.Errorf("emotion: write transcript field: %w", err)
		}
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return nil, fmt.Errorf("emotion: write model field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("emotion: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/classify", &body)
	if err != nil {
		return nil, fmt.Errorf("emotion: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, analyzer.Transient(fmt.Errorf("emotion: http request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, analyzer.Transient(fmt.Errorf("emotion: server returned HTTP %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("emotion: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, analyzer.Transient(fmt.Errorf("emotion: read response body: %w", err))
	}

	var result struct {
		Emotions []analysis.EmotionScore `json:"emotions"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("emotion: parse JSON response: %w", err)
	}

	// Classifiers do not guarantee ordering; the document does.
	sort.SliceStable(result.Emotions, func(i, j int) bool {
		return result.Emotions[i].Score > result.Emotions[j].Score
	})
	if p.topK > 0 && len(result.Emotions) > p.topK {
		result.Emotions = result.Emotions[:p.topK]
	}
	return result.Emotions, nil
}

func fileName(mimeType string) string {
	switch mimeType {
	case "audio/mpeg", "audio/mp3":
		return "audio.mp3"
	case "audio/ogg":
		return "audio.ogg"
	case "audio/webm":
		return "audio.webm"
	default:
		return "audio.wav"
	}
}
