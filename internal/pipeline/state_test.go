package pipeline

import "testing"

func TestRunState_HappyPath(t *testing.T) {
	t.Parallel()
	s := NewRunState()
	for _, stage := range Stages {
		if err := s.Start(stage); err != nil {
			t.Fatalf("Start(%s) error = %v", stage, err)
		}
		if err := s.Succeed(stage); err != nil {
			t.Fatalf("Succeed(%s) error = %v", stage, err)
		}
	}
	if !s.Completed() {
		t.Error("Completed() = false after all stages succeeded")
	}
}

func TestRunState_DegradedRunStillCompletes(t *testing.T) {
	t.Parallel()
	s := NewRunState()
	for _, stage := range Stages {
		_ = s.Start(stage)
		if stage == TypeDeepAnalysis {
			_ = s.Degrade(stage)
			continue
		}
		_ = s.Succeed(stage)
	}
	if !s.Completed() {
		t.Error("Completed() = false for degraded-but-finished run")
	}
	if got := s.Status(TypeDeepAnalysis); got != StageDegraded {
		t.Errorf("Status = %v, want degraded", got)
	}
}

func TestRunState_RejectsOutOfOrderTransitions(t *testing.T) {
	t.Parallel()
	s := NewRunState()
	if err := s.Succeed(TypeAudioQuality); err == nil {
		t.Error("Succeed() before Start() should fail")
	}
	_ = s.Start(TypeAudioQuality)
	if err := s.Start(TypeAudioQuality); err == nil {
		t.Error("double Start() should fail")
	}
	_ = s.Succeed(TypeAudioQuality)
	if err := s.Degrade(TypeAudioQuality); err == nil {
		t.Error("Degrade() after Succeed() should fail")
	}
	if err := s.Start("no_such_stage"); err == nil {
		t.Error("Start() on unknown stage should fail")
	}
}

func TestRunState_FatalFailureEndsRun(t *testing.T) {
	t.Parallel()
	s := NewRunState()
	_ = s.Start(TypeAudioQuality)
	_ = s.Succeed(TypeAudioQuality)
	_ = s.Start(TypeTranscript)
	if err := s.Fail(TypeTranscript); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if err := s.Start(TypeDeepAnalysis); err == nil {
		t.Error("Start() after fatal failure should be rejected")
	}
	if s.Completed() {
		t.Error("Completed() = true after fatal failure")
	}
	snap := s.Snapshot()
	if snap[TypeTranscript] != StageFailed || snap[TypeDeepAnalysis] != StagePending {
		t.Errorf("Snapshot() = %v", snap)
	}
}
