// Package analyzer defines the adapter contracts for the five independent
// analysis stages of the Candor pipeline: audio quality, transcription, deep
// (LLM) analysis, emotion classification, and linguistic feature extraction.
//
// Each analyzer takes the raw clip (and, for transcript-dependent stages, the
// transcript) and returns a typed result or a typed error. The orchestrator in
// internal/pipeline decides per stage whether a failure aborts the run,
// triggers a retry, or degrades to a null block — analyzers themselves never
// encode that policy; they only classify their errors as transient or not via
// [Transient].
//
// Implementations must be safe for concurrent use and must respect context
// cancellation on every network or compute call.
package analyzer

import (
	"context"
	"errors"
	"fmt"

	"github.com/candorlab/candor/pkg/analysis"
)

// ErrTransient marks an error as retryable: timeouts, rate limits, and
// 5xx-equivalent upstream failures. Use [Transient] to wrap and [IsTransient]
// to test; the orchestrator only retries stage failures that carry this mark.
var ErrTransient = errors.New("transient failure")

// Transient wraps err so that IsTransient(returned) reports true.
// A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsTransient reports whether err is retryable. Context deadline expiry
// counts as transient — a stage timeout consumes one retry attempt.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

// Clip is a validated audio upload: raw bytes plus the MIME type established
// by the upload boundary. The pipeline never re-validates size or type.
type Clip struct {
	// Data is the complete encoded audio file.
	Data []byte

	// MIMEType is the normalised content type, one of "audio/wav",
	// "audio/mpeg", "audio/ogg", or "audio/webm".
	MIMEType string
}

// Transcript is the output of the transcription stage.
type Transcript struct {
	// Text is the full transcript with speaker turns joined in order.
	Text string

	// Speakers maps speaker labels ("speaker_1", …) to their utterances in
	// order. Nil when the transcriber performs no diarization.
	Speakers map[string][]string

	// Duration is the decoded clip length in seconds, when the transcriber
	// reports it. Zero otherwise.
	Duration float64
}

// DeepRequest carries the context handed to the deep analyzer for one clip.
type DeepRequest struct {
	Transcript string
	Speakers   map[string][]string

	// Quality is the audio-quality block when that stage succeeded; the deep
	// analyzer may use it to temper low-signal judgements. May be nil.
	Quality *analysis.AudioQuality
}

// QualityAnalyzer measures the signal characteristics of a clip.
type QualityAnalyzer interface {
	// AnalyzeQuality inspects the clip and returns its quality block.
	AnalyzeQuality(ctx context.Context, clip Clip) (*analysis.AudioQuality, error)
}

// Transcriber converts a clip into text.
type Transcriber interface {
	// Transcribe runs speech-to-text over the whole clip. An empty transcript
	// with a nil error is valid (a silent clip).
	Transcribe(ctx context.Context, clip Clip) (*Transcript, error)
}

// DeepAnalyzer produces the LLM-derived credibility assessment, both per clip
// and across a session's accumulated history.
type DeepAnalyzer interface {
	// Analyze assesses a single transcript. The returned DeepAnalysis has
	// every field populated on a best-effort basis; absent model output
	// leaves fields at their zero values for the aggregator to normalise.
	Analyze(ctx context.Context, req DeepRequest) (*analysis.DeepAnalysis, error)

	// SessionInsights compares the latest result (the last history element)
	// against the prior history and derives cross-turn trend conclusions.
	// History always has at least two elements.
	SessionInsights(ctx context.Context, history []analysis.Result) (*analysis.SessionInsights, error)
}

// EmotionAnalyzer classifies the emotional register of a clip.
type EmotionAnalyzer interface {
	// AnalyzeEmotion returns the ranked emotion distribution, best first.
	// Implementations may use the audio, the transcript, or both.
	AnalyzeEmotion(ctx context.Context, clip Clip, transcript string) ([]analysis.EmotionScore, error)
}

// LinguisticAnalyzer extracts quantitative speech-pattern features from a
// transcript.
type LinguisticAnalyzer interface {
	// AnalyzeLinguistic computes features over transcript. duration is the
	// clip length in seconds (zero when unknown) and feeds the speech-rate
	// computation.
	AnalyzeLinguistic(ctx context.Context, transcript string, duration float64) (*analysis.LinguisticFeatures, error)
}
