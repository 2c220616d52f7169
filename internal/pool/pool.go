// Package pool executes envelope requests against hosts on an elastically
// sized set of workers.
//
// Workers are split in two groups. Reserved workers only take job-class
// tasks; shared workers take job and ad-hoc tasks and are the only ones the
// sizing loop may add or retire. The pool never grows past MaxWorkers and
// never shrinks below MinWorkers.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/hv-orchestrator/internal/envelope"
	"github.com/juju/clock"
)

// Class is the execution class of a task
type Class string

const (
	ClassJob   Class = "job"
	ClassAdhoc Class = "adhoc"
)

// Caller performs one remote call. transport.Caller satisfies it.
type Caller interface {
	Call(ctx context.Context, host string, req envelope.Request) envelope.Result
}

// Observer receives pool measurements. metrics.Pool satisfies it.
type Observer interface {
	ObserveTask(class Class, code string, d time.Duration)
	ObserveScale(direction string, n int)
	SetState(current, busy, backlog int)
}

type noopObserver struct{}

func (noopObserver) ObserveTask(Class, string, time.Duration) {}
func (noopObserver) ObserveScale(string, int)                 {}
func (noopObserver) SetState(int, int, int)                   {}

// Config holds pool sizing configuration
type Config struct {
	MinWorkers      int
	MaxWorkers      int
	ReservedForJobs int
	ScaleUpBacklog  int
	SustainWindow   time.Duration
	DurationGuard   time.Duration
	IdleRelease     time.Duration
	SizingInterval  time.Duration
	DurationSamples int
}

// Validate checks the sizing bounds
func (c Config) Validate() error {
	switch {
	case c.MinWorkers < 1:
		return fmt.Errorf("min workers must be at least 1, got %d", c.MinWorkers)
	case c.MaxWorkers < c.MinWorkers:
		return fmt.Errorf("max workers (%d) must be >= min workers (%d)", c.MaxWorkers, c.MinWorkers)
	case c.ReservedForJobs < 0 || c.ReservedForJobs > c.MinWorkers:
		return fmt.Errorf("reserved job workers (%d) must be between 0 and min workers (%d)", c.ReservedForJobs, c.MinWorkers)
	case c.ReservedForJobs == c.MaxWorkers:
		return errors.New("at least one worker must be available to ad-hoc calls")
	case c.SizingInterval <= 0:
		return fmt.Errorf("sizing interval must be positive, got %s", c.SizingInterval)
	}
	return nil
}

// Options holds the pool's collaborators
type Options struct {
	Caller   Caller
	Clock    clock.Clock
	Logger   *slog.Logger
	Observer Observer
}

type task struct {
	ctx     context.Context
	class   Class
	host    string
	req     envelope.Request
	resultC chan envelope.Result
}

// Pool is the remote task pool
type Pool struct {
	cfg      Config
	caller   Caller
	clock    clock.Clock
	logger   *slog.Logger
	observer Observer

	jobQueue   chan *task
	adhocQueue chan *task
	retire     chan struct{}
	stopChan   chan struct{}
	wg         sync.WaitGroup

	backlog atomic.Int64
	busy    atomic.Int64

	// sizing state, guarded by mu
	mu           sync.Mutex
	current      int
	nextWorkerID int
	backlogSince time.Time
	idleSince    time.Time
	durations    []time.Duration
	durationIdx  int
	durationN    int
	started      bool
	stopped      bool

	stopOnce sync.Once
}

// New creates a pool. Workers are spawned by Start.
func New(cfg Config, opts Options) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	if opts.Caller == nil {
		return nil, errors.New("pool requires a caller")
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Observer == nil {
		opts.Observer = noopObserver{}
	}
	if cfg.DurationSamples <= 0 {
		cfg.DurationSamples = 50
	}

	return &Pool{
		cfg:        cfg,
		caller:     opts.Caller,
		clock:      opts.Clock,
		logger:     opts.Logger,
		observer:   opts.Observer,
		jobQueue:   make(chan *task),
		adhocQueue: make(chan *task),
		retire:     make(chan struct{}),
		stopChan:   make(chan struct{}),
		durations:  make([]time.Duration, cfg.DurationSamples),
	}, nil
}

// Start spawns MinWorkers workers and the sizing loop
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	p.idleSince = p.clock.Now()

	p.logger.Info("Starting remote task pool",
		slog.Int("min_workers", p.cfg.MinWorkers),
		slog.Int("max_workers", p.cfg.MaxWorkers),
		slog.Int("reserved_for_jobs", p.cfg.ReservedForJobs),
		slog.Duration("sizing_interval", p.cfg.SizingInterval),
	)

	for i := 0; i < p.cfg.ReservedForJobs; i++ {
		p.spawnWorkerLocked(false)
	}
	for i := p.cfg.ReservedForJobs; i < p.cfg.MinWorkers; i++ {
		p.spawnWorkerLocked(true)
	}

	p.wg.Add(1)
	go p.sizingLoop()
}

// Stop stops the sizing loop and waits for workers to finish their
// current task. Pending Execute calls return CANCELED.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping remote task pool...")
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()

		close(p.stopChan)
		p.wg.Wait()
		p.logger.Info("Remote task pool stopped")
	})
}

// Execute runs req against host on the next free worker of the given class.
// It blocks until the call completes, the deadline elapses or ctx is done.
// A job-class call that a worker already picked up additionally waits for
// that worker to finish, even after the deadline. A zero deadline means no
// deadline. Failures are returned as Results.
func (p *Pool) Execute(ctx context.Context, class Class, host string, req envelope.Request, deadline time.Time) envelope.Result {
	if req.CorrelationID == "" {
		req.CorrelationID = envelope.NewCorrelationID()
	}

	var (
		callCtx context.Context
		cancel  context.CancelFunc
	)
	if deadline.IsZero() {
		callCtx, cancel = context.WithCancel(ctx)
	} else {
		callCtx, cancel = context.WithDeadline(ctx, deadline)
	}
	defer cancel()

	queue := p.adhocQueue
	if class == ClassJob {
		queue = p.jobQueue
	}

	t := &task{
		ctx:     callCtx,
		class:   class,
		host:    host,
		req:     req,
		resultC: make(chan envelope.Result, 1),
	}

	p.backlog.Add(1)
	select {
	case queue <- t:
		p.backlog.Add(-1)
	case <-callCtx.Done():
		p.backlog.Add(-1)
		return p.abandoned(callCtx, class, host, req, "waiting for a worker")
	case <-p.stopChan:
		p.backlog.Add(-1)
		return envelope.Failure(req.CorrelationID, envelope.CodeCanceled, "remote task pool is stopped")
	}

	select {
	case res := <-t.resultC:
		return res
	case <-callCtx.Done():
		res := p.abandoned(callCtx, class, host, req, "waiting for the result")
		if class == ClassJob {
			// The worker may still be talking to the host. Job calls return
			// only once it has let go, so the caller's resource lock covers
			// the whole host operation.
			late := <-t.resultC
			p.logger.Debug("Abandoned remote call returned",
				slog.String("host", host),
				slog.String("correlation_id", req.CorrelationID),
				slog.String("late_status", late.Status),
			)
		}
		return res
	}
}

func (p *Pool) abandoned(ctx context.Context, class Class, host string, req envelope.Request, stage string) envelope.Result {
	code := envelope.CodeCanceled
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		code = envelope.CodeTimeout
	}
	p.logger.Warn("Remote call abandoned",
		slog.String("class", string(class)),
		slog.String("host", host),
		slog.String("operation", req.Operation),
		slog.String("correlation_id", req.CorrelationID),
		slog.String("code", code),
		slog.String("stage", stage),
	)
	p.observer.ObserveTask(class, code, 0)
	return envelope.Failure(req.CorrelationID, code,
		fmt.Sprintf("%s on %s: deadline elapsed while %s", req.Operation, host, stage))
}
