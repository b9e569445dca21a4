package observe

import (
	"context"
	"time"

	"github.com/candorlab/candor/internal/pipeline"
)

// PipelineObserver bridges pipeline completion callbacks onto [Metrics]
// instruments. It implements [pipeline.Observer].
type PipelineObserver struct {
	metrics *Metrics
}

var _ pipeline.Observer = (*PipelineObserver)(nil)

// NewPipelineObserver returns an observer recording to m.
func NewPipelineObserver(m *Metrics) *PipelineObserver {
	return &PipelineObserver{metrics: m}
}

// StageCompleted records the stage's duration and outcome.
func (o *PipelineObserver) StageCompleted(stage string, status pipeline.StageStatus, elapsed time.Duration) {
	o.metrics.RecordStage(context.Background(), stage, string(status), elapsed)
}

// RunCompleted records the run's duration and outcome.
func (o *PipelineObserver) RunCompleted(succeeded bool, elapsed time.Duration) {
	o.metrics.RecordRun(context.Background(), succeeded, elapsed)
}
