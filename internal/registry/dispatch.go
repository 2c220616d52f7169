package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/hv-orchestrator/internal/domain"
	"github.com/cuongbtq/hv-orchestrator/internal/envelope"
	"github.com/cuongbtq/hv-orchestrator/internal/events"
	"github.com/cuongbtq/hv-orchestrator/internal/pool"
)

// dispatchLoop promotes queued jobs whenever a job is submitted or finishes
func (r *Registry) dispatchLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.stopChan:
			r.logger.Info("Dispatch loop stopping - stopChan closed")
			return
		case <-r.wake:
			r.dispatchPending()
		}
	}
}

// dispatchPending starts every queued job that may run now. A job that
// cannot start also blocks later jobs on the same resource key so that
// same-resource jobs run in submission order.
func (r *Registry) dispatchPending() {
	r.mu.Lock()
	var ready []*entry
	remaining := make([]string, 0, len(r.pending))
	blocked := make(map[string]bool)

	for _, id := range r.pending {
		e := r.lookup(id)
		if e == nil {
			continue
		}
		key, typ := e.job.ResourceKey, e.job.Type

		if key != "" && (blocked[key] || r.lockedKeys[key] != "") {
			blocked[key] = true
			remaining = append(remaining, id)
			continue
		}
		if limit := r.cfg.TypeLimits[typ]; limit > 0 && r.runningByType[typ] >= limit {
			if key != "" {
				blocked[key] = true
			}
			remaining = append(remaining, id)
			continue
		}

		if key != "" {
			r.lockedKeys[key] = id
		}
		r.runningByType[typ]++
		ready = append(ready, e)
	}
	r.pending = remaining
	queued := len(remaining)
	r.mu.Unlock()

	r.observer.SetQueued(queued)
	for _, e := range ready {
		r.wg.Add(1)
		go r.runJob(e)
	}
}

// release frees the job's resource key and type slot
func (r *Registry) release(e *entry) {
	r.mu.Lock()
	if key := e.job.ResourceKey; key != "" && r.lockedKeys[key] == e.job.ID {
		delete(r.lockedKeys, key)
	}
	r.runningByType[e.job.Type]--
	r.mu.Unlock()

	r.signal()
}

func (r *Registry) runJob(e *entry) {
	defer r.wg.Done()
	defer r.release(e)

	now := r.clock.Now()
	snap, ok := r.transition(e, domain.JobStatusRunning, func(j *domain.Job) {
		j.StartedAt = &now
	})
	if !ok {
		return
	}

	r.logger.Info("Job started",
		slog.String("job_id", snap.ID),
		slog.String("job_type", string(snap.Type)),
		slog.String("target_host", snap.TargetHost),
		slog.String("correlation_id", snap.CorrelationID),
	)

	if snap.Type.IsComposite() {
		r.runComposite(e)
		return
	}
	r.runSingle(e)
}

// runSingle sends the job's request through the executor and races it
// against the job's timeout. On timeout the job fails immediately and the
// in-flight call is canceled; whatever it returns later is discarded.
func (r *Registry) runSingle(e *entry) {
	job := e.job
	spec := envelope.CloneMap(job.ResourceSpec)
	for k, v := range envelope.CloneMap(job.GuestConfig) {
		spec[k] = v
	}

	metadata := map[string]any{
		"job_id":      job.ID,
		"job_type":    string(job.Type),
		"target_host": job.TargetHost,
	}
	if job.ParentID != "" {
		metadata["parent_id"] = job.ParentID
	}

	req := envelope.Request{
		Operation:     job.Type.Operation(),
		ResourceSpec:  spec,
		CorrelationID: job.CorrelationID,
		Metadata:      metadata,
	}

	timeout := r.timeoutFor(job.TimeoutClass)
	ctx, cancel := context.WithCancel(r.baseCtx)
	defer cancel()

	resultC := make(chan envelope.Result, 1)
	go func() {
		resultC <- r.exec.Execute(ctx, pool.ClassJob, job.TargetHost, req, time.Time{})
	}()

	timer := r.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-resultC:
		r.complete(e, res)

	case <-timer.Chan():
		r.complete(e, envelope.Failure(job.CorrelationID, envelope.CodeTimeout,
			fmt.Sprintf("no result from %s within the %s timeout (%s)", job.TargetHost, job.TimeoutClass, timeout)))
		cancel()

		// Hold the resource key until the abandoned call has returned
		late := <-resultC
		r.logger.Warn("Discarding late result for timed out job",
			slog.String("job_id", job.ID),
			slog.String("correlation_id", job.CorrelationID),
			slog.String("late_status", late.Status),
			slog.String("late_code", late.Code),
		)
	}
}

// complete applies a terminal result. Results for jobs that are already
// terminal are discarded.
func (r *Registry) complete(e *entry, res envelope.Result) bool {
	status := domain.StatusFromResult(res)
	now := r.clock.Now()

	snap, ok := r.transition(e, status, func(j *domain.Job) {
		j.Result = &res
		j.CompletedAt = &now
	})
	if !ok {
		r.logger.Warn("Discarding result for job in terminal state",
			slog.String("job_id", e.job.ID),
			slog.String("result_status", res.Status),
			slog.String("result_code", res.Code),
		)
		return false
	}

	var elapsed time.Duration
	if snap.StartedAt != nil {
		elapsed = now.Sub(*snap.StartedAt)
	}

	attrs := []any{
		slog.String("job_id", snap.ID),
		slog.String("job_type", string(snap.Type)),
		slog.String("target_host", snap.TargetHost),
		slog.String("correlation_id", snap.CorrelationID),
		slog.String("status", string(snap.Status)),
		slog.Duration("elapsed", elapsed),
	}
	if status == domain.JobStatusSucceeded {
		r.logger.Info("Job finished", attrs...)
	} else {
		attrs = append(attrs, slog.String("code", res.Code), slog.String("message", res.Message))
		r.logger.Warn("Job finished", attrs...)
	}

	r.observer.JobFinished(snap.Type, snap.Status, elapsed)
	r.notifier.Publish(events.FromSnapshot(snap, now))
	return true
}

func (r *Registry) timeoutFor(c domain.TimeoutClass) time.Duration {
	if c == domain.TimeoutShort {
		return r.cfg.ShortTimeout
	}
	return r.cfg.LongTimeout
}
