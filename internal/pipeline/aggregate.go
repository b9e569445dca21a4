package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/candorlab/candor/pkg/analysis"
)

// TranscriptPayload is the data object of the transcript result event.
type TranscriptPayload struct {
	Text               string              `json:"text"`
	SpeakerTranscripts map[string][]string `json:"speaker_transcripts,omitempty"`
	Duration           float64             `json:"duration,omitempty"`
}

// ErrStreamFailed is returned by [Fold] when the event sequence ends in a
// terminal error event: such a run has no result.
var ErrStreamFailed = errors.New("pipeline: run ended in error event")

// Fold derives the analysis document from a run's ordered event sequence.
// It is a pure function: replaying the same events always yields the same
// document, which is what guarantees the synchronous response can never
// diverge from what streamed to the client.
//
// Fold fills only the per-stage analysis blocks; run metadata (session id,
// timestamp, stage errors, session insights) is attached by the orchestrator
// after the fold. A sequence ending in an error event returns
// [ErrStreamFailed].
func Fold(events []Event) (*analysis.Result, error) {
	out := &analysis.Result{}
	for _, ev := range events {
		switch ev.Type {
		case EventError:
			return nil, fmt.Errorf("%w: stage %s: %s", ErrStreamFailed, ev.Stage, ev.Message)

		case EventResult:
			if isNull(ev.Data) {
				continue
			}
			if err := foldResult(out, ev); err != nil {
				return nil, err
			}
		}
	}
	Normalize(out)
	return out, nil
}

func foldResult(out *analysis.Result, ev Event) error {
	unmarshal := func(v any) error {
		if err := json.Unmarshal(ev.Data, v); err != nil {
			return fmt.Errorf("pipeline: fold %s event: %w", ev.AnalysisType, err)
		}
		return nil
	}

	switch ev.AnalysisType {
	case TypeAudioQuality:
		var q analysis.AudioQuality
		if err := unmarshal(&q); err != nil {
			return err
		}
		out.AudioQuality = &q

	case TypeTranscript:
		var t TranscriptPayload
		if err := unmarshal(&t); err != nil {
			return err
		}
		out.Transcript = t.Text
		out.SpeakerTranscripts = t.SpeakerTranscripts

	case TypeDeepAnalysis:
		var d analysis.DeepAnalysis
		if err := unmarshal(&d); err != nil {
			return err
		}
		out.DeepAnalysis = &d

	case TypeEmotion:
		var e []analysis.EmotionScore
		if err := unmarshal(&e); err != nil {
			return err
		}
		out.EmotionAnalysis = e

	case TypeLinguistic:
		var l analysis.LinguisticFeatures
		if err := unmarshal(&l); err != nil {
			return err
		}
		out.LinguisticAnalysis = &l

	default:
		return fmt.Errorf("pipeline: fold: unknown analysis_type %q", ev.AnalysisType)
	}
	return nil
}

// Normalize is the single place the document's numeric and collection fields
// are made consumer-safe: scores clamped to their defined ranges, enum fields
// defaulted when the model produced something unrecognised, and nil
// collections replaced with empty ones so consumers need no nil checks.
func Normalize(r *analysis.Result) {
	if r.EmotionAnalysis == nil {
		r.EmotionAnalysis = []analysis.EmotionScore{}
	}
	for i := range r.EmotionAnalysis {
		r.EmotionAnalysis[i].Score = clamp(r.EmotionAnalysis[i].Score, 0, 1)
	}

	if q := r.AudioQuality; q != nil {
		q.QualityScore = clamp(q.QualityScore, 0, 100)
		q.ClippingRatio = clamp(q.ClippingRatio, 0, 1)
	}

	if l := r.LinguisticAnalysis; l != nil {
		l.FormalityScore = clamp(l.FormalityScore, 0, 1)
		l.ComplexityScore = clamp(l.ComplexityScore, 0, 1)
		l.ConfidenceRatio = clamp(l.ConfidenceRatio, 0, 1)
	}

	if d := r.DeepAnalysis; d != nil {
		normalizeDeep(d)
	}
}

func normalizeDeep(d *analysis.DeepAnalysis) {
	d.CredibilityScore = clamp(d.CredibilityScore, 0, 100)
	if !d.ConfidenceLevel.IsValid() {
		d.ConfidenceLevel = analysis.ConfidenceLow
	}
	if !d.RiskAssessment.OverallRisk.IsValid() {
		d.RiskAssessment.OverallRisk = analysis.RiskModerate
	}
	if d.RiskAssessment.RiskFactors == nil {
		d.RiskAssessment.RiskFactors = []string{}
	}
	if d.RiskAssessment.MitigationSuggestions == nil {
		d.RiskAssessment.MitigationSuggestions = []string{}
	}
	if d.SpeakerRedFlags == nil {
		d.SpeakerRedFlags = []analysis.SpeakerFlags{}
	}
	for i := range d.SpeakerRedFlags {
		if d.SpeakerRedFlags[i].Flags == nil {
			d.SpeakerRedFlags[i].Flags = []string{}
		}
	}
	if d.Recommendations == nil {
		d.Recommendations = []string{}
	}

	for _, sub := range []*analysis.SubAssessment{&d.Manipulation, &d.Argument, &d.Attitude} {
		sub.Score = clamp(sub.Score, 0, 100)
		if sub.Indicators == nil {
			sub.Indicators = []string{}
		}
	}

	eu := &d.EnhancedUnderstanding
	if eu.Inconsistencies == nil {
		eu.Inconsistencies = []string{}
	}
	if eu.EvasiveAreas == nil {
		eu.EvasiveAreas = []string{}
	}
	if eu.FollowUpQuestions == nil {
		eu.FollowUpQuestions = []string{}
	}
	if eu.UnverifiedClaims == nil {
		eu.UnverifiedClaims = []string{}
	}
}

func isNull(data json.RawMessage) bool {
	return len(data) == 0 || string(data) == "null"
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
