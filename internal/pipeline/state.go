package pipeline

import (
	"fmt"
	"sync"
)

// StageStatus is the lifecycle position of one stage within a run.
type StageStatus string

const (
	// StagePending means the stage has not started.
	StagePending StageStatus = "pending"

	// StageRunning means the stage's analyzer call is in flight.
	StageRunning StageStatus = "running"

	// StageSucceeded means the stage produced its payload.
	StageSucceeded StageStatus = "succeeded"

	// StageDegraded means the stage failed non-fatally and its payload was
	// substituted with null.
	StageDegraded StageStatus = "degraded"

	// StageFailed means the stage failed fatally and aborted the run.
	StageFailed StageStatus = "failed"
)

// resolved reports whether the status is a final one.
func (s StageStatus) resolved() bool {
	return s == StageSucceeded || s == StageDegraded || s == StageFailed
}

// RunState tracks stage progression for one run and rejects out-of-order
// transitions. It exists to make the orchestrator's sequencing an enforced
// invariant rather than a convention. Safe for concurrent use.
type RunState struct {
	mu     sync.Mutex
	stages map[AnalysisType]StageStatus
	ended  bool
}

// NewRunState returns a state tracker with every stage pending.
func NewRunState() *RunState {
	stages := make(map[AnalysisType]StageStatus, len(Stages))
	for _, t := range Stages {
		stages[t] = StagePending
	}
	return &RunState{stages: stages}
}

// Start transitions stage to running.
func (r *RunState) Start(stage AnalysisType) error {
	return r.transition(stage, StagePending, StageRunning)
}

// Succeed transitions stage to succeeded.
func (r *RunState) Succeed(stage AnalysisType) error {
	return r.transition(stage, StageRunning, StageSucceeded)
}

// Degrade transitions stage to degraded.
func (r *RunState) Degrade(stage AnalysisType) error {
	return r.transition(stage, StageRunning, StageDegraded)
}

// Fail transitions stage to failed and ends the run: no further stage may
// start.
func (r *RunState) Fail(stage AnalysisType) error {
	if err := r.transition(stage, StageRunning, StageFailed); err != nil {
		return err
	}
	r.mu.Lock()
	r.ended = true
	r.mu.Unlock()
	return nil
}

func (r *RunState) transition(stage AnalysisType, from, to StageStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.stages[stage]
	if !ok {
		return fmt.Errorf("pipeline: unknown stage %q", stage)
	}
	if r.ended && to == StageRunning {
		return fmt.Errorf("pipeline: stage %s cannot start after run ended", stage)
	}
	if cur != from {
		return fmt.Errorf("pipeline: stage %s is %s, cannot move to %s", stage, cur, to)
	}
	r.stages[stage] = to
	return nil
}

// Status returns the current status of stage.
func (r *RunState) Status(stage AnalysisType) StageStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stages[stage]
}

// Completed reports whether every stage reached a successful or degraded end
// without a fatal failure.
func (r *RunState) Completed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return false
	}
	for _, s := range r.stages {
		if !s.resolved() {
			return false
		}
	}
	return true
}

// Snapshot returns a copy of all stage statuses, keyed by stage.
func (r *RunState) Snapshot() map[AnalysisType]StageStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[AnalysisType]StageStatus, len(r.stages))
	for t, s := range r.stages {
		out[t] = s
	}
	return out
}
