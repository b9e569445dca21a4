package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/candorlab/candor/internal/resilience"
	"github.com/candorlab/candor/internal/session"
	"github.com/candorlab/candor/pkg/analysis"
	"github.com/candorlab/candor/pkg/analyzer"
)

// Stage name constants used in error events and the stage-error map.
const (
	stageAudioQuality = "audio_quality"
	stageTranscribe   = "transcription"
	stageDeep         = "deep_analysis"
	stageEmotion      = "emotion_analysis"
	stageLinguistic   = "linguistic_analysis"
)

// ErrRunAborted is wrapped into errors returned when a run stops before
// producing a result: a fatal stage failure, client disconnect, or
// cancellation. No history is mutated for an aborted run.
var ErrRunAborted = errors.New("pipeline: run aborted")

// Timeouts holds the independent per-stage deadlines. Zero fields take
// defaults.
type Timeouts struct {
	Quality       time.Duration
	Transcription time.Duration

	// Deep applies per attempt; a deep timeout consumes one retry.
	Deep time.Duration

	Emotion    time.Duration
	Linguistic time.Duration
	Insights   time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Quality <= 0 {
		t.Quality = 15 * time.Second
	}
	if t.Transcription <= 0 {
		t.Transcription = 2 * time.Minute
	}
	if t.Deep <= 0 {
		t.Deep = time.Minute
	}
	if t.Emotion <= 0 {
		t.Emotion = 30 * time.Second
	}
	if t.Linguistic <= 0 {
		t.Linguistic = 10 * time.Second
	}
	if t.Insights <= 0 {
		t.Insights = time.Minute
	}
	return t
}

// Observer receives stage and run completion callbacks for metrics. All
// methods must be non-blocking.
type Observer interface {
	StageCompleted(stage string, status StageStatus, elapsed time.Duration)
	RunCompleted(succeeded bool, elapsed time.Duration)
}

// Config assembles an [Orchestrator]. The five analyzers and the session
// store are required; Insights, Breaker, and Observer are optional.
type Config struct {
	Quality     analyzer.QualityAnalyzer
	Transcriber analyzer.Transcriber
	Deep        analyzer.DeepAnalyzer
	Emotion     analyzer.EmotionAnalyzer
	Linguistic  analyzer.LinguisticAnalyzer

	Sessions session.Store

	// Insights computes cross-turn conclusions once a session has two or
	// more results. Nil disables insights.
	Insights *session.Insights

	// Breaker guards the deep-analysis provider. Nil disables breaking.
	Breaker *resilience.CircuitBreaker

	// Retry tunes the deep-analysis retry policy.
	Retry resilience.RetryConfig

	Timeouts Timeouts
	Observer Observer
	Logger   *slog.Logger
}

// Orchestrator runs the five analyzer stages in their fixed order, applies
// the per-stage failure policy, and emits the run's event stream. Safe for
// concurrent use; concurrent runs on the same session are excluded by the
// session store.
type Orchestrator struct {
	cfg      Config
	timeouts Timeouts
	logger   *slog.Logger
}

// New validates cfg and returns an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Quality == nil:
		return nil, errors.New("pipeline: quality analyzer is required")
	case cfg.Transcriber == nil:
		return nil, errors.New("pipeline: transcriber is required")
	case cfg.Deep == nil:
		return nil, errors.New("pipeline: deep analyzer is required")
	case cfg.Emotion == nil:
		return nil, errors.New("pipeline: emotion analyzer is required")
	case cfg.Linguistic == nil:
		return nil, errors.New("pipeline: linguistic analyzer is required")
	case cfg.Sessions == nil:
		return nil, errors.New("pipeline: session store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg, timeouts: cfg.Timeouts.withDefaults(), logger: logger}, nil
}

// Run executes one analysis over clip for sessionID, streaming events to
// sink as they occur. On success the assembled document has been appended to
// the session's history and is returned. On a fatal failure or cancellation
// the stream ends with an error event (when the sink is still reachable),
// nothing is appended, and the returned error wraps [ErrRunAborted].
//
// The session must exist; Run fails fast with [session.ErrNotFound] or
// [session.ErrAnalysisInProgress] before any analyzer work begins.
func (o *Orchestrator) Run(ctx context.Context, clip analyzer.Clip, sessionID string, sink Sink) (*analysis.Result, error) {
	if err := o.cfg.Sessions.Acquire(ctx, sessionID); err != nil {
		return nil, err
	}
	defer o.cfg.Sessions.Release(context.WithoutCancel(ctx), sessionID)

	start := time.Now()
	result, err := o.run(ctx, clip, sessionID, sink)
	if o.cfg.Observer != nil {
		o.cfg.Observer.RunCompleted(err == nil, time.Since(start))
	}
	return result, err
}

type runRecorder struct {
	sink   Sink
	events []Event
}

func (r *runRecorder) emit(ev Event) error {
	r.events = append(r.events, ev)
	if err := r.sink.Send(ev); err != nil {
		return fmt.Errorf("%w: stream sink: %w", ErrRunAborted, err)
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context, clip analyzer.Clip, sessionID string, sink Sink) (*analysis.Result, error) {
	rec := &runRecorder{sink: sink}
	state := NewRunState()
	stageErrors := map[string]string{}
	total := len(Stages)

	logger := o.logger.With("session_id", sessionID)
	logger.Info("analysis run started", "mime_type", clip.MIMEType, "bytes", len(clip.Data))

	// Quality and transcription depend only on the raw audio, so they are
	// dispatched together. Their events still go out in the fixed stage
	// order; failures are captured rather than propagated so one stage
	// cannot cancel the other.
	_ = state.Start(TypeAudioQuality)
	_ = state.Start(TypeTranscript)
	parallelStart := time.Now()
	var (
		quality    *analysis.AudioQuality
		qualityErr error
		transcript *analyzer.Transcript
		transErr   error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		qCtx, cancel := context.WithTimeout(gctx, o.timeouts.Quality)
		defer cancel()
		quality, qualityErr = o.cfg.Quality.AnalyzeQuality(qCtx, clip)
		return nil
	})
	g.Go(func() error {
		tCtx, cancel := context.WithTimeout(gctx, o.timeouts.Transcription)
		defer cancel()
		transcript, transErr = o.cfg.Transcriber.Transcribe(tCtx, clip)
		return nil
	})
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRunAborted, err)
	}

	// Stage 1: audio quality (degradable).
	if err := rec.emit(ProgressEvent(TypeAudioQuality, 1, total)); err != nil {
		return nil, err
	}
	if qualityErr != nil {
		_ = state.Degrade(TypeAudioQuality)
		stageErrors[stageAudioQuality] = qualityErr.Error()
		quality = nil
		logger.Warn("audio quality degraded", "error", qualityErr)
	} else {
		_ = state.Succeed(TypeAudioQuality)
	}
	o.observeStage(stageAudioQuality, state.Status(TypeAudioQuality), parallelStart)
	if err := o.emitResult(rec, TypeAudioQuality, payloadOrNil(quality)); err != nil {
		return nil, err
	}

	// Stage 2: transcription (fatal on failure).
	if err := rec.emit(ProgressEvent(TypeTranscript, 2, total)); err != nil {
		return nil, err
	}
	if transErr != nil {
		_ = state.Fail(TypeTranscript)
		o.observeStage(stageTranscribe, StageFailed, parallelStart)
		logger.Error("transcription failed, aborting run", "error", transErr)
		if err := rec.emit(ErrorEvent(stageTranscribe, transErr.Error())); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: transcription: %w", ErrRunAborted, transErr)
	}
	_ = state.Succeed(TypeTranscript)
	o.observeStage(stageTranscribe, StageSucceeded, parallelStart)
	if err := o.emitResult(rec, TypeTranscript, TranscriptPayload{
		Text:               transcript.Text,
		SpeakerTranscripts: transcript.Speakers,
		Duration:           transcript.Duration,
	}); err != nil {
		return nil, err
	}

	// Stage 3: deep analysis (retry on transient errors, then degrade).
	if err := rec.emit(ProgressEvent(TypeDeepAnalysis, 3, total)); err != nil {
		return nil, err
	}
	_ = state.Start(TypeDeepAnalysis)
	deepStart := time.Now()
	deep, deepErr := o.runDeep(ctx, analyzer.DeepRequest{
		Transcript: transcript.Text,
		Speakers:   transcript.Speakers,
		Quality:    quality,
	})
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRunAborted, err)
	}
	if deepErr != nil {
		_ = state.Degrade(TypeDeepAnalysis)
		stageErrors[stageDeep] = deepErr.Error()
		deep = nil
		logger.Warn("deep analysis degraded after retries", "error", deepErr)
	} else {
		_ = state.Succeed(TypeDeepAnalysis)
	}
	o.observeStage(stageDeep, state.Status(TypeDeepAnalysis), deepStart)
	if err := o.emitResult(rec, TypeDeepAnalysis, payloadOrNil(deep)); err != nil {
		return nil, err
	}

	// Stage 4: emotion (degradable).
	if err := rec.emit(ProgressEvent(TypeEmotion, 4, total)); err != nil {
		return nil, err
	}
	_ = state.Start(TypeEmotion)
	emotionStart := time.Now()
	eCtx, eCancel := context.WithTimeout(ctx, o.timeouts.Emotion)
	emotions, emotionErr := o.cfg.Emotion.AnalyzeEmotion(eCtx, clip, transcript.Text)
	eCancel()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRunAborted, err)
	}
	if emotionErr != nil {
		_ = state.Degrade(TypeEmotion)
		stageErrors[stageEmotion] = emotionErr.Error()
		emotions = nil
		logger.Warn("emotion analysis degraded", "error", emotionErr)
	} else {
		_ = state.Succeed(TypeEmotion)
	}
	o.observeStage(stageEmotion, state.Status(TypeEmotion), emotionStart)
	var emotionPayload any
	if emotions != nil {
		emotionPayload = emotions
	}
	if err := o.emitResult(rec, TypeEmotion, emotionPayload); err != nil {
		return nil, err
	}

	// Stage 5: linguistic (degradable).
	if err := rec.emit(ProgressEvent(TypeLinguistic, 5, total)); err != nil {
		return nil, err
	}
	_ = state.Start(TypeLinguistic)
	linguisticStart := time.Now()
	lCtx, lCancel := context.WithTimeout(ctx, o.timeouts.Linguistic)
	features, lingErr := o.cfg.Linguistic.AnalyzeLinguistic(lCtx, transcript.Text, transcript.Duration)
	lCancel()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRunAborted, err)
	}
	if lingErr != nil {
		_ = state.Degrade(TypeLinguistic)
		stageErrors[stageLinguistic] = lingErr.Error()
		features = nil
		logger.Warn("linguistic analysis degraded", "error", lingErr)
	} else {
		_ = state.Succeed(TypeLinguistic)
	}
	o.observeStage(stageLinguistic, state.Status(TypeLinguistic), linguisticStart)
	if err := o.emitResult(rec, TypeLinguistic, payloadOrNil(features)); err != nil {
		return nil, err
	}

	// The document is folded from the recorded events, never assembled from
	// the stage variables directly.
	result, err := Fold(rec.events)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRunAborted, err)
	}
	result.SessionID = sessionID
	result.Timestamp = time.Now().UTC()
	if len(stageErrors) > 0 {
		result.StageErrors = stageErrors
	}

	o.attachInsights(ctx, sessionID, result, logger)

	if err := o.cfg.Sessions.Append(ctx, sessionID, *result); err != nil {
		logger.Error("history append failed", "error", err)
		if emitErr := rec.emit(ErrorEvent("session", err.Error())); emitErr != nil {
			return nil, emitErr
		}
		return nil, fmt.Errorf("%w: append history: %w", ErrRunAborted, err)
	}

	if err := rec.emit(CompleteEvent("analysis complete")); err != nil {
		return nil, err
	}
	logger.Info("analysis run completed", "degraded_stages", len(stageErrors))
	return result, nil
}

// observeStage forwards one stage completion to the observer, if any.
func (o *Orchestrator) observeStage(stage string, status StageStatus, start time.Time) {
	if o.cfg.Observer != nil {
		o.cfg.Observer.StageCompleted(stage, status, time.Since(start))
	}
}

// runDeep wraps the deep analyzer call in the per-attempt timeout, circuit
// breaker, and bounded retry.
func (o *Orchestrator) runDeep(ctx context.Context, req analyzer.DeepRequest) (*analysis.DeepAnalysis, error) {
	var out *analysis.DeepAnalysis
	call := func(ctx context.Context) error {
		dCtx, cancel := context.WithTimeout(ctx, o.timeouts.Deep)
		defer cancel()
		res, err := o.cfg.Deep.Analyze(dCtx, req)
		if err != nil {
			return err
		}
		out = res
		return nil
	}
	attempt := call
	if o.cfg.Breaker != nil {
		attempt = func(ctx context.Context) error {
			return o.cfg.Breaker.Execute(ctx, call)
		}
	}
	if err := resilience.Retry(ctx, o.cfg.Retry, o.logger, stageDeep, attempt); err != nil {
		return nil, err
	}
	return out, nil
}

// attachInsights computes cross-turn insights when the session already has
// history. Failures are logged and dropped; a missing insight block never
// fails a run.
func (o *Orchestrator) attachInsights(ctx context.Context, sessionID string, result *analysis.Result, logger *slog.Logger) {
	if o.cfg.Insights == nil {
		return
	}
	history, err := o.cfg.Sessions.History(ctx, sessionID)
	if err != nil {
		logger.Warn("insights skipped, history unavailable", "error", err)
		return
	}
	if len(history) == 0 {
		return
	}
	iCtx, cancel := context.WithTimeout(ctx, o.timeouts.Insights)
	defer cancel()
	insights, err := o.cfg.Insights.Compute(iCtx, append(history, *result))
	if err != nil {
		logger.Warn("insights computation failed", "error", err)
		return
	}
	result.SessionInsights = insights
}

// emitResult marshals payload (nil becomes the null sentinel) and records the
// stage observation.
func (o *Orchestrator) emitResult(rec *runRecorder, t AnalysisType, payload any) error {
	ev, err := ResultEvent(t, payload)
	if err != nil {
		return err
	}
	return rec.emit(ev)
}

// payloadOrNil converts a typed nil pointer into an untyped nil so the result
// event carries a JSON null rather than a marshalled nil pointer.
func payloadOrNil[T any](p *T) any {
	if p == nil {
		return nil
	}
	return p
}
