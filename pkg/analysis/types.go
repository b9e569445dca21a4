// Package analysis defines the document types produced by the Candor
// credibility pipeline.
//
// A [Result] is the immutable unit returned to callers and appended to a
// session's history: one pipeline run over one audio clip. Every analyzer
// block inside a Result is optional — a degraded stage leaves its block nil
// rather than failing the whole run — except the transcript, without which no
// Result is produced at all.
//
// All types are plain data with JSON tags matching the wire schema served by
// internal/server; none of them carry behaviour beyond small validation
// helpers.
package analysis

import "time"

// ConfidenceLevel grades how certain the deep analyzer is in its own verdict.
type ConfidenceLevel string

const (
	ConfidenceLow      ConfidenceLevel = "low"
	ConfidenceMedium   ConfidenceLevel = "medium"
	ConfidenceHigh     ConfidenceLevel = "high"
	ConfidenceVeryHigh ConfidenceLevel = "very_high"
)

// IsValid reports whether c is a recognised confidence level.
func (c ConfidenceLevel) IsValid() bool {
	switch c {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh, ConfidenceVeryHigh:
		return true
	}
	return false
}

// RiskLevel grades the overall deception risk of a clip.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskModerate RiskLevel = "moderate"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// IsValid reports whether r is a recognised risk level.
func (r RiskLevel) IsValid() bool {
	switch r {
	case RiskLow, RiskModerate, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// AudioQuality summarises the signal characteristics of the uploaded clip.
type AudioQuality struct {
	// Duration is the clip length in seconds.
	Duration float64 `json:"duration"`

	// SampleRate is the decoded sample rate in Hz. Zero when the container
	// could not be parsed down to the sample level.
	SampleRate int `json:"sample_rate"`

	// QualityScore grades overall signal usability from 0 (unusable) to 100.
	QualityScore float64 `json:"quality_score"`

	// Loudness is the RMS level normalised to [0, 1].
	Loudness float64 `json:"loudness"`

	// ClippingRatio is the fraction of samples at or near full scale.
	ClippingRatio float64 `json:"clipping_ratio"`
}

// EmotionScore is one entry in the ranked emotion distribution for a clip.
type EmotionScore struct {
	// Label is the emotion class name (e.g. "neutral", "fear", "anger").
	Label string `json:"label"`

	// Score is the classifier probability in [0, 1].
	Score float64 `json:"score"`
}

// LinguisticFeatures holds the quantitative speech-pattern measurements
// extracted from the transcript.
type LinguisticFeatures struct {
	WordCount     int `json:"word_count"`
	SentenceCount int `json:"sentence_count"`

	// SpeechRate is words per minute, derived from the transcript length and
	// the clip duration. Zero when the duration is unknown.
	SpeechRate float64 `json:"speech_rate"`

	// HesitationCount counts filled pauses and hedging fillers ("um", "uh",
	// "like", "you know", …).
	HesitationCount int `json:"hesitation_count"`

	// FillerCount counts discourse fillers only (subset of hesitations).
	FillerCount int `json:"filler_count"`

	// RepetitionCount counts immediately repeated or phonetically near-identical
	// adjacent words — stutters and restarts.
	RepetitionCount int `json:"repetition_count"`

	// FormalityScore grades register from 0 (very casual) to 1 (very formal).
	FormalityScore float64 `json:"formality_score"`

	// ComplexityScore grades syntactic complexity from 0 to 1.
	ComplexityScore float64 `json:"complexity_score"`

	// ConfidenceRatio is the ratio of assertive to hedged statements in [0, 1].
	ConfidenceRatio float64 `json:"confidence_ratio"`
}

// RiskAssessment is the deep analyzer's structured risk block.
type RiskAssessment struct {
	OverallRisk           RiskLevel `json:"overall_risk"`
	RiskFactors           []string  `json:"risk_factors"`
	MitigationSuggestions []string  `json:"mitigation_suggestions"`
}

// SpeakerFlags lists deception red flags attributed to a single speaker.
type SpeakerFlags struct {
	Speaker string   `json:"speaker"`
	Flags   []string `json:"flags"`
}

// SubAssessment is a scored free-text judgement on one behavioural axis
// (manipulation, argument quality, attitude).
type SubAssessment struct {
	// Score is in [0, 100]; higher means more of the measured trait.
	Score float64 `json:"score"`

	Summary    string   `json:"summary"`
	Indicators []string `json:"indicators"`
}

// EnhancedUnderstanding collects the deep analyzer's investigative leads.
type EnhancedUnderstanding struct {
	Inconsistencies   []string `json:"inconsistencies"`
	EvasiveAreas      []string `json:"evasive_areas"`
	FollowUpQuestions []string `json:"follow_up_questions"`
	UnverifiedClaims  []string `json:"unverified_claims"`
}

// DeepAnalysis is the LLM-derived credibility assessment for one clip.
//
// The raw model response arrives as loose JSON with every field optional; the
// deep adapter parses it into this shape and the aggregator normalises it
// (clamping scores, defaulting nil slices) before it reaches any consumer.
type DeepAnalysis struct {
	// CredibilityScore grades overall credibility from 0 to 100.
	CredibilityScore float64 `json:"credibility_score"`

	ConfidenceLevel ConfidenceLevel `json:"confidence_level"`

	RiskAssessment RiskAssessment `json:"risk_assessment"`

	// SpeakerRedFlags groups red flags per speaker label. Single-speaker clips
	// use the label "speaker_1".
	SpeakerRedFlags []SpeakerFlags `json:"speaker_red_flags"`

	Manipulation SubAssessment `json:"manipulation"`
	Argument     SubAssessment `json:"argument"`
	Attitude     SubAssessment `json:"attitude"`

	Recommendations []string `json:"recommendations"`

	EnhancedUnderstanding EnhancedUnderstanding `json:"enhanced_understanding"`
}

// SessionInsights holds the cross-turn conclusions computed once a session
// has at least two completed analyses.
type SessionInsights struct {
	// ConsistencyAnalysis describes agreement of stated facts and topics
	// across turns.
	ConsistencyAnalysis string `json:"consistency_analysis"`

	// ConsistencyScore is the embedding cosine similarity between the latest
	// transcript and the session's prior transcripts, in [0, 1]. Zero when no
	// embeddings provider is configured.
	ConsistencyScore float64 `json:"consistency_score,omitempty"`

	// BehavioralEvolution describes how linguistic and behavioural indicators
	// changed turn over turn.
	BehavioralEvolution string `json:"behavioral_evolution"`

	// RiskTrajectory is the directional trend of risk level: "rising",
	// "falling", or "stable".
	RiskTrajectory string `json:"risk_trajectory"`

	// ConversationDynamics describes the overall conversational pattern.
	ConversationDynamics string `json:"conversation_dynamics"`
}

// Result is the immutable document produced by one pipeline run.
//
// Once appended to a session's history a Result is never mutated. Collection
// fields are never nil in an aggregated Result — the aggregator substitutes
// empty slices/maps so consumers need no nil checks.
type Result struct {
	// SessionID is the owning session.
	SessionID string `json:"session_id"`

	// Timestamp is when the run completed, UTC.
	Timestamp time.Time `json:"timestamp"`

	// Transcript is the full transcribed text. Always present: a run without
	// a transcript produces no Result at all.
	Transcript string `json:"transcript"`

	// SpeakerTranscripts maps speaker labels to their individual utterances,
	// when diarization information is available.
	SpeakerTranscripts map[string][]string `json:"speaker_transcripts,omitempty"`

	// AudioQuality is nil when the quality stage degraded.
	AudioQuality *AudioQuality `json:"audio_quality"`

	// EmotionAnalysis is the ranked emotion distribution, best first. Empty
	// (never nil in an aggregated Result) when the emotion stage degraded.
	EmotionAnalysis []EmotionScore `json:"emotion_analysis"`

	// LinguisticAnalysis is nil when the linguistic stage degraded.
	LinguisticAnalysis *LinguisticFeatures `json:"linguistic_analysis"`

	// DeepAnalysis is nil when the deep stage exhausted its retries.
	DeepAnalysis *DeepAnalysis `json:"deep_analysis"`

	// SessionInsights is present only when the owning session had at least
	// one prior Result and the insight computation succeeded.
	SessionInsights *SessionInsights `json:"session_insights,omitempty"`

	// StageErrors records the failure reason of every degraded stage, keyed
	// by stage name. Informational only — a populated entry never implies a
	// failed run.
	StageErrors map[string]string `json:"stage_errors,omitempty"`
}
