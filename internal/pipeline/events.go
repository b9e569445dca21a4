// Package pipeline implements the analysis run engine: five analyzer stages
// executed in a fixed order, a typed stream-event protocol for progress
// delivery, per-stage failure policy (degrade, retry, or abort), and the fold
// that assembles the final result document from the emitted events.
//
// The event sequence is the source of truth for a run. The synchronous result
// handed to non-streaming callers is derived by [Fold] over the same events
// that streamed to the client, so the two can never diverge.
package pipeline

import (
	"encoding/json"
	"fmt"
)

// EventType discriminates the stream-event union.
type EventType string

const (
	EventProgress EventType = "progress"
	EventResult   EventType = "result"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// AnalysisType names a stage's payload in result events.
type AnalysisType string

const (
	TypeAudioQuality AnalysisType = "audio_quality"
	TypeTranscript   AnalysisType = "transcript"
	// TypeDeepAnalysis keeps the wire name clients already parse.
	TypeDeepAnalysis AnalysisType = "gemini_analysis"
	TypeEmotion      AnalysisType = "emotion_analysis"
	TypeLinguistic   AnalysisType = "linguistic_analysis"
)

// Stages lists the five stage payload types in execution order. The ordinal
// position of a stage in this slice (1-based) is its progress number.
var Stages = []AnalysisType{
	TypeAudioQuality,
	TypeTranscript,
	TypeDeepAnalysis,
	TypeEmotion,
	TypeLinguistic,
}

// StepName returns the human-readable step label used in progress events.
func StepName(t AnalysisType) string {
	switch t {
	case TypeAudioQuality:
		return "Analyzing audio quality"
	case TypeTranscript:
		return "Transcribing speech"
	case TypeDeepAnalysis:
		return "Running deep analysis"
	case TypeEmotion:
		return "Classifying emotions"
	case TypeLinguistic:
		return "Extracting linguistic patterns"
	default:
		return string(t)
	}
}

// Event is one element of a run's ordered stream. Exactly one terminal event
// (complete or error) ends every stream; consumers must treat the sequence as
// append-only.
//
// Wire shapes by type:
//
//	{"type": "progress", "step": "...", "progress": 1, "total": 5}
//	{"type": "result", "analysis_type": "...", "data": {...} | null}
//	{"type": "complete", "message": "..."}
//	{"type": "error", "stage": "...", "message": "..."}
type Event struct {
	Type EventType `json:"type"`

	// Progress fields.
	Step     string `json:"step,omitempty"`
	Progress int    `json:"progress,omitempty"`
	Total    int    `json:"total,omitempty"`

	// Result fields. Data is JSON null for a degraded stage.
	AnalysisType AnalysisType    `json:"analysis_type,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`

	// Error and complete fields.
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message,omitempty"`
}

// Terminal reports whether e ends the stream.
func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// ProgressEvent builds the progress event announcing stage number index
// (1-based) of total.
func ProgressEvent(t AnalysisType, index, total int) Event {
	return Event{
		Type:     EventProgress,
		Step:     StepName(t),
		Progress: index,
		Total:    total,
	}
}

// ResultEvent builds the result event for a stage payload. A nil payload
// produces the null sentinel for a degraded stage.
func ResultEvent(t AnalysisType, payload any) (Event, error) {
	data := json.RawMessage("null")
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("pipeline: marshal %s payload: %w", t, err)
		}
		data = b
	}
	return Event{Type: EventResult, AnalysisType: t, Data: data}, nil
}

// CompleteEvent builds the terminal success event.
func CompleteEvent(message string) Event {
	return Event{Type: EventComplete, Message: message}
}

// ErrorEvent builds the terminal failure event for a stage.
func ErrorEvent(stage, message string) Event {
	return Event{Type: EventError, Stage: stage, Message: message}
}

// Sink consumes a run's events in order. Implementations deliver them to a
// client (SSE response, WebSocket) or record them; a Send error is treated as
// client disconnect and cancels the run.
type Sink interface {
	Send(event Event) error
}

// SinkFunc adapts a function to the [Sink] interface.
type SinkFunc func(Event) error

func (f SinkFunc) Send(event Event) error { return f(event) }

// DiscardSink drops every event. Useful for synchronous callers that only
// want the folded result.
var DiscardSink = SinkFunc(func(Event) error { return nil })
