package pool

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/hv-orchestrator/internal/envelope"
)

// spawnWorkerLocked starts one worker goroutine. Must be called with p.mu held.
func (p *Pool) spawnWorkerLocked(shared bool) {
	p.nextWorkerID++
	p.current++
	p.wg.Add(1)
	go p.workerLoop(p.nextWorkerID, shared)
}

// workerLoop is the main processing loop for each worker goroutine
func (p *Pool) workerLoop(workerNum int, shared bool) {
	defer p.wg.Done()

	workerName := fmt.Sprintf("worker-%d", workerNum)
	if !shared {
		workerName = fmt.Sprintf("reserved-%d", workerNum)
	}

	// nil channels never fire: reserved workers ignore ad-hoc tasks and retirement
	var adhoc <-chan *task
	var retire <-chan struct{}
	if shared {
		adhoc = p.adhocQueue
		retire = p.retire
	}

	p.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
		slog.Bool("shared", shared),
	)

	for {
		select {
		case <-p.stopChan:
			p.logger.Debug("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-retire:
			p.logger.Debug("Worker goroutine retired",
				slog.String("worker_name", workerName),
			)
			return

		case t := <-p.jobQueue:
			p.runTask(workerName, t)

		case t := <-adhoc:
			p.runTask(workerName, t)
		}
	}
}

// runTask executes one task. A panicking caller is contained to the task.
func (p *Pool) runTask(workerName string, t *task) {
	p.busy.Add(1)
	defer p.busy.Add(-1)

	start := p.clock.Now()
	res := p.call(workerName, t)
	elapsed := p.clock.Now().Sub(start)

	p.recordDuration(elapsed)
	p.observer.ObserveTask(t.class, resultCode(res), elapsed)

	if res.Code == envelope.CodeHostUnreachable {
		p.logger.Warn("Worker could not reach host, recycling",
			slog.String("worker_name", workerName),
			slog.String("host", t.host),
			slog.String("correlation_id", t.req.CorrelationID),
		)
	}

	t.resultC <- res
}

func (p *Pool) call(workerName string, t *task) (res envelope.Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Remote call panicked",
				slog.String("worker_name", workerName),
				slog.String("host", t.host),
				slog.String("operation", t.req.Operation),
				slog.Any("panic", r),
			)
			res = envelope.Failure(t.req.CorrelationID, envelope.CodeOperationError,
				fmt.Sprintf("remote call panicked: %v", r))
		}
	}()

	p.logger.Debug("Worker received task",
		slog.String("worker_name", workerName),
		slog.String("class", string(t.class)),
		slog.String("host", t.host),
		slog.String("operation", t.req.Operation),
		slog.String("correlation_id", t.req.CorrelationID),
	)
	return p.caller.Call(t.ctx, t.host, t.req)
}

func (p *Pool) recordDuration(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.durations[p.durationIdx] = d
	p.durationIdx = (p.durationIdx + 1) % len(p.durations)
	if p.durationN < len(p.durations) {
		p.durationN++
	}
}

// avgDurationLocked returns the rolling average task duration. Must be
// called with p.mu held.
func (p *Pool) avgDurationLocked() time.Duration {
	if p.durationN == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < p.durationN; i++ {
		total += p.durations[i]
	}
	return total / time.Duration(p.durationN)
}

func resultCode(res envelope.Result) string {
	if res.IsSuccess() {
		return "OK"
	}
	return res.Code
}
