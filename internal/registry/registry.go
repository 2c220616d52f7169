// Package registry owns job identity, status transitions and scheduling.
//
// Jobs live in a sharded in-memory table. Submit only records the job and
// wakes the dispatch loop, which promotes queued jobs to running in FIFO
// order while honoring per-type running limits and the rule that at most one
// job per (host, resource) pair is in flight.
package registry

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/hv-orchestrator/internal/domain"
	"github.com/cuongbtq/hv-orchestrator/internal/envelope"
	"github.com/cuongbtq/hv-orchestrator/internal/events"
	"github.com/cuongbtq/hv-orchestrator/internal/pool"
	"github.com/google/uuid"
	"github.com/juju/clock"
)

const shardCount = 16

// Executor runs one request on a host. pool.Pool satisfies it.
type Executor interface {
	Execute(ctx context.Context, class pool.Class, host string, req envelope.Request, deadline time.Time) envelope.Result
}

// Notifier receives completion events. events.Bus satisfies it.
type Notifier interface {
	Publish(ev events.Event)
}

// Observer receives registry measurements. metrics.Registry satisfies it.
type Observer interface {
	JobSubmitted(t domain.JobType)
	JobFinished(t domain.JobType, status domain.JobStatus, d time.Duration)
	SetQueued(n int)
}

type noopObserver struct{}

func (noopObserver) JobSubmitted(domain.JobType)                                 {}
func (noopObserver) JobFinished(domain.JobType, domain.JobStatus, time.Duration) {}
func (noopObserver) SetQueued(int)                                               {}

type noopNotifier struct{}

func (noopNotifier) Publish(events.Event) {}

// Config holds registry configuration
type Config struct {
	ShortTimeout    time.Duration
	LongTimeout     time.Duration
	TypeLimits      map[domain.JobType]int
	Retention       time.Duration
	JanitorInterval time.Duration
}

// Options holds the registry's collaborators
type Options struct {
	Executor Executor
	Clock    clock.Clock
	Logger   *slog.Logger
	Notifier Notifier
	Observer Observer
}

// SubmitRequest describes a job to create
type SubmitRequest struct {
	Type         domain.JobType
	TargetHost   string
	ResourceSpec map[string]any
	GuestConfig  map[string]any
	ParentID     string
}

// Filter selects jobs for List. Zero fields match everything.
type Filter struct {
	Type       domain.JobType
	Status     domain.JobStatus
	TargetHost string
	ParentID   string
	Limit      int
}

type entry struct {
	job  *domain.Job
	done chan struct{}
}

type shard struct {
	mu   sync.RWMutex
	jobs map[string]*entry
}

// Registry is the job registry and scheduler
type Registry struct {
	cfg        Config
	exec       Executor
	clock      clock.Clock
	logger     *slog.Logger
	notifier   Notifier
	observer   Observer
	composites map[domain.JobType]Composite

	shards [shardCount]*shard

	// scheduling state, guarded by mu
	mu            sync.Mutex
	pending       []string
	runningByType map[domain.JobType]int
	lockedKeys    map[string]string

	wake      chan struct{}
	stopChan  chan struct{}
	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	started   atomic.Bool
	closeOnce sync.Once
}

// New creates a registry. Start launches its loops.
func New(cfg Config, opts Options) (*Registry, error) {
	if opts.Executor == nil {
		return nil, errors.New("registry requires an executor")
	}
	if cfg.ShortTimeout <= 0 || cfg.LongTimeout <= 0 {
		return nil, fmt.Errorf("timeouts must be positive (short=%s, long=%s)", cfg.ShortTimeout, cfg.LongTimeout)
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Notifier == nil {
		opts.Notifier = noopNotifier{}
	}
	if opts.Observer == nil {
		opts.Observer = noopObserver{}
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		cfg:           cfg,
		exec:          opts.Executor,
		clock:         opts.Clock,
		logger:        opts.Logger,
		notifier:      opts.Notifier,
		observer:      opts.Observer,
		composites:    make(map[domain.JobType]Composite),
		runningByType: make(map[domain.JobType]int),
		lockedKeys:    make(map[string]string),
		wake:          make(chan struct{}, 1),
		stopChan:      make(chan struct{}),
		baseCtx:       ctx,
		cancelAll:     cancel,
	}
	for i := range r.shards {
		r.shards[i] = &shard{jobs: make(map[string]*entry)}
	}
	return r, nil
}

// RegisterComposite installs the implementation of a composite job type.
// Must be called before Start.
func (r *Registry) RegisterComposite(t domain.JobType, c Composite) error {
	if !t.IsComposite() {
		return fmt.Errorf("job type %q is not composite", t)
	}
	r.composites[t] = c
	return nil
}

// Start launches the dispatch loop and the retention janitor
func (r *Registry) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	r.logger.Info("Starting job registry",
		slog.Duration("short_timeout", r.cfg.ShortTimeout),
		slog.Duration("long_timeout", r.cfg.LongTimeout),
		slog.Duration("retention", r.cfg.Retention),
	)

	r.wg.Add(1)
	go r.dispatchLoop()

	if r.cfg.Retention > 0 {
		r.wg.Add(1)
		go r.janitorLoop()
	}
}

// Close stops accepting submissions, fails queued jobs, cancels running
// ones and waits for them to settle or ctx to be done
func (r *Registry) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		r.logger.Info("Closing job registry...")
		r.closed.Store(true)
		close(r.stopChan)
		r.cancelAll()
	})

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("registry did not drain: %w", ctx.Err())
	}

	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, id := range pending {
		if e := r.lookup(id); e != nil {
			r.complete(e, envelope.Failure(e.job.CorrelationID, envelope.CodeCanceled, "registry shut down before the job was dispatched"))
		}
	}

	r.logger.Info("Job registry closed", slog.Int("canceled_queued_jobs", len(pending)))
	return nil
}

// Submit validates and records a job. It never blocks on execution.
func (r *Registry) Submit(req SubmitRequest) (string, error) {
	if r.closed.Load() {
		return "", domain.ErrRegistryClosed
	}
	if !req.Type.IsKnown() {
		return "", domain.NewValidationError("type", fmt.Sprintf("%q is not a known job type", req.Type))
	}
	host := strings.TrimSpace(req.TargetHost)
	if host == "" {
		return "", domain.NewValidationError("target_host", "is required")
	}
	if req.Type.IsComposite() {
		c, ok := r.composites[req.Type]
		if !ok {
			return "", domain.NewValidationError("type", fmt.Sprintf("%q is not available on this orchestrator", req.Type))
		}
		if v, ok := c.(Validator); ok {
			if err := v.Validate(req.ResourceSpec, req.GuestConfig); err != nil {
				return "", err
			}
		}
	}

	spec := envelope.CloneMap(req.ResourceSpec)
	if spec == nil {
		spec = map[string]any{}
	}

	job := &domain.Job{
		ID:            uuid.NewString(),
		Type:          req.Type,
		Status:        domain.JobStatusQueued,
		TargetHost:    host,
		ResourceSpec:  spec,
		GuestConfig:   envelope.CloneMap(req.GuestConfig),
		CorrelationID: envelope.NewCorrelationID(),
		TimeoutClass:  req.Type.TimeoutClass(),
		ParentID:      req.ParentID,
		ResourceKey:   domain.ResourceKey(host, req.Type, spec),
		CreatedAt:     r.clock.Now(),
	}
	e := &entry{job: job, done: make(chan struct{})}

	sh := r.shardFor(job.ID)
	sh.mu.Lock()
	sh.jobs[job.ID] = e
	sh.mu.Unlock()

	r.mu.Lock()
	r.pending = append(r.pending, job.ID)
	queued := len(r.pending)
	r.mu.Unlock()

	r.logger.Info("Job submitted",
		slog.String("job_id", job.ID),
		slog.String("job_type", string(job.Type)),
		slog.String("target_host", job.TargetHost),
		slog.String("correlation_id", job.CorrelationID),
		slog.String("parent_id", job.ParentID),
		slog.String("resource_key", job.ResourceKey),
	)
	r.observer.JobSubmitted(job.Type)
	r.observer.SetQueued(queued)
	r.signal()

	return job.ID, nil
}

// GetStatus returns a snapshot of the job. It never waits on in-flight work.
func (r *Registry) GetStatus(id string) (domain.Snapshot, error) {
	sh := r.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	e, ok := sh.jobs[id]
	if !ok {
		return domain.Snapshot{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return e.job.Snapshot(), nil
}

// Wait blocks until the job is terminal or ctx is done
func (r *Registry) Wait(ctx context.Context, id string) (domain.Snapshot, error) {
	e := r.lookup(id)
	if e == nil {
		return domain.Snapshot{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}

	select {
	case <-e.done:
		// e may already be evicted; it still holds the final state
		sh := r.shardFor(id)
		sh.mu.RLock()
		defer sh.mu.RUnlock()
		return e.job.Snapshot(), nil
	case <-ctx.Done():
		return domain.Snapshot{}, ctx.Err()
	}
}

// List returns snapshots matching f, newest first
func (r *Registry) List(f Filter) []domain.Snapshot {
	var out []domain.Snapshot
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, e := range sh.jobs {
			j := e.job
			if f.Type != "" && j.Type != f.Type {
				continue
			}
			if f.Status != "" && j.Status != f.Status {
				continue
			}
			if f.TargetHost != "" && j.TargetHost != f.TargetHost {
				continue
			}
			if f.ParentID != "" && j.ParentID != f.ParentID {
				continue
			}
			out = append(out, j.Snapshot())
		}
		sh.mu.RUnlock()
	}

	slices.SortFunc(out, func(a, b domain.Snapshot) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return r.shards[h.Sum32()%shardCount]
}

func (r *Registry) lookup(id string) *entry {
	sh := r.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.jobs[id]
}

func (r *Registry) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// transition moves the job to status `to` and applies mutate under the
// shard lock. It reports false when the transition is not allowed, which
// is how late results for terminal jobs are discarded.
func (r *Registry) transition(e *entry, to domain.JobStatus, mutate func(j *domain.Job)) (domain.Snapshot, bool) {
	sh := r.shardFor(e.job.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if err := domain.ValidateTransition(e.job.Status, to); err != nil {
		return domain.Snapshot{}, false
	}
	e.job.Status = to
	if mutate != nil {
		mutate(e.job)
	}
	if to.IsTerminal() {
		close(e.done)
	}
	return e.job.Snapshot(), true
}

// update applies mutate to a job without changing its status
func (r *Registry) update(e *entry, mutate func(j *domain.Job)) {
	sh := r.shardFor(e.job.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	mutate(e.job)
}
