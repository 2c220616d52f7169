package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/hv-orchestrator/internal/domain"
	"github.com/cuongbtq/hv-orchestrator/internal/envelope"
)

// Composite implements a job type executed as a sequence of sub-jobs. The
// returned result becomes the job's terminal result: status "partial" maps
// to a partial job and "error" to a failed one.
type Composite interface {
	Run(ctx context.Context, run Handle) envelope.Result
}

// Validator is implemented by composites that check submissions up front.
// A returned error rejects the submission.
type Validator interface {
	Validate(spec, guest map[string]any) error
}

// Handle is what a composite job sees of the registry
type Handle interface {
	JobID() string
	TargetHost() string
	CorrelationID() string
	ResourceSpec() map[string]any
	GuestConfig() map[string]any
	SetPhase(phase string)
	SetSteps(steps []domain.Step)
	Submit(t domain.JobType, spec, guest map[string]any) (string, error)
	Wait(ctx context.Context, id string) (domain.Snapshot, error)
}

// Run is a composite job's handle on the registry
type Run struct {
	r *Registry
	e *entry
}

// JobID returns the composite job's id
func (run *Run) JobID() string { return run.e.job.ID }

// TargetHost returns the host every sub-job runs against
func (run *Run) TargetHost() string { return run.e.job.TargetHost }

// CorrelationID returns the composite job's correlation id
func (run *Run) CorrelationID() string { return run.e.job.CorrelationID }

// ResourceSpec returns a copy of the submitted resource spec
func (run *Run) ResourceSpec() map[string]any {
	return envelope.CloneMap(run.e.job.ResourceSpec)
}

// GuestConfig returns a copy of the submitted guest configuration
func (run *Run) GuestConfig() map[string]any {
	return envelope.CloneMap(run.e.job.GuestConfig)
}

// SetPhase records the workflow state visible in status snapshots
func (run *Run) SetPhase(phase string) {
	run.r.update(run.e, func(j *domain.Job) { j.Phase = phase })
	run.r.logger.Info("Composite job phase",
		slog.String("job_id", run.e.job.ID),
		slog.String("phase", phase),
	)
}

// SetSteps replaces the job's step records
func (run *Run) SetSteps(steps []domain.Step) {
	cp := make([]domain.Step, len(steps))
	for i, st := range steps {
		if st.Result != nil {
			res := st.Result.Clone()
			st.Result = &res
		}
		cp[i] = st
	}
	run.r.update(run.e, func(j *domain.Job) { j.Steps = cp })
}

// Submit creates a sub-job of this composite job without waiting for it
func (run *Run) Submit(t domain.JobType, spec, guest map[string]any) (string, error) {
	if t.IsComposite() {
		return "", fmt.Errorf("composite job type %q cannot be a step", t)
	}
	return run.r.Submit(SubmitRequest{
		Type:         t,
		TargetHost:   run.e.job.TargetHost,
		ResourceSpec: spec,
		GuestConfig:  guest,
		ParentID:     run.e.job.ID,
	})
}

// Wait blocks until the sub-job is terminal
func (run *Run) Wait(ctx context.Context, id string) (domain.Snapshot, error) {
	return run.r.Wait(ctx, id)
}

func (r *Registry) runComposite(e *entry) {
	c := r.composites[e.job.Type]
	run := &Run{r: r, e: e}

	res := func() (res envelope.Result) {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("Composite job panicked",
					slog.String("job_id", e.job.ID),
					slog.Any("panic", p),
				)
				res = envelope.Failure(e.job.CorrelationID, envelope.CodeOperationError,
					fmt.Sprintf("composite job panicked: %v", p))
			}
		}()
		return c.Run(r.baseCtx, run)
	}()

	if res.CorrelationID == "" {
		res.CorrelationID = e.job.CorrelationID
	}
	r.complete(e, res)
}
