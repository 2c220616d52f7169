package events

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultBufferSize    = 1024
	defaultHandleTimeout = 5 * time.Second
)

// Bus delivers events to every sink in publish order
type Bus struct {
	logger        *slog.Logger
	sinks         []Sink
	handleTimeout time.Duration

	events  chan Event
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	started bool
	dropped atomic.Int64
}

// NewBus creates an event bus. bufferSize bounds how many undelivered
// events are held before new ones are dropped.
func NewBus(bufferSize int, handleTimeout time.Duration, logger *slog.Logger, sinks ...Sink) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if handleTimeout <= 0 {
		handleTimeout = defaultHandleTimeout
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bus{
		logger:        logger,
		sinks:         sinks,
		handleTimeout: handleTimeout,
		events:        make(chan Event, bufferSize),
		done:          make(chan struct{}),
	}
}

// Start begins delivering events
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started || b.closed {
		return
	}
	b.started = true

	names := make([]string, 0, len(b.sinks))
	for _, s := range b.sinks {
		names = append(names, s.Name())
	}
	b.logger.Info("Starting event bus", slog.Any("sinks", names))

	go b.run()
}

// Publish enqueues ev without blocking. Events published after Close, or
// while the buffer is full, are dropped.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	select {
	case b.events <- ev:
	default:
		n := b.dropped.Add(1)
		b.logger.Warn("Event buffer full, dropping completion event",
			slog.String("job_id", ev.JobID),
			slog.String("status", string(ev.Status)),
			slog.Int64("dropped_total", n),
		)
	}
}

// Dropped returns how many events were dropped
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops accepting events and waits until buffered events are
// delivered or ctx is done
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.events)
		if !b.started {
			close(b.done)
		}
	}
	b.mu.Unlock()

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		b.logger.Warn("Event bus closed before all events were delivered",
			slog.Int("pending", len(b.events)),
		)
		return ctx.Err()
	}
}

func (b *Bus) run() {
	defer close(b.done)

	for ev := range b.events {
		for _, sink := range b.sinks {
			b.deliver(sink, ev)
		}
	}
	b.logger.Info("Event bus stopped")
}

func (b *Bus) deliver(sink Sink, ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), b.handleTimeout)
	defer cancel()

	if err := sink.Handle(ctx, ev); err != nil {
		b.logger.Error("Event sink failed",
			slog.String("sink", sink.Name()),
			slog.String("job_id", ev.JobID),
			slog.String("error", err.Error()),
		)
	}
}

// LogSink writes every event to the logger
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Name implements Sink
func (s *LogSink) Name() string { return "log" }

// Handle implements Sink
func (s *LogSink) Handle(ctx context.Context, ev Event) error {
	s.logger.Info("Job completed",
		slog.String("job_id", ev.JobID),
		slog.String("job_type", string(ev.Type)),
		slog.String("status", string(ev.Status)),
		slog.String("target_host", ev.TargetHost),
		slog.Any("affected_resource_ids", ev.AffectedResourceIDs),
		slog.String("code", ev.Code),
	)
	return nil
}
