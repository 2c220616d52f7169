package pool

import (
	"log/slog"
	"time"
)

const (
	ScaleUp      = "up"
	ScaleDown    = "down"
	ScaleRefused = "refused"
)

// Stats is a point-in-time view of the worker pool state
type Stats struct {
	MinWorkers      int        `json:"min_workers"`
	MaxWorkers      int        `json:"max_workers"`
	CurrentWorkers  int        `json:"current_workers"`
	ReservedForJobs int        `json:"reserved_for_jobs"`
	BusyWorkers     int        `json:"busy_workers"`
	BacklogDepth    int        `json:"backlog_depth"`
	IdleSince       *time.Time `json:"idle_since,omitempty"`
	AvgTaskDuration string     `json:"avg_task_duration"`
}

// Stats returns the current pool state
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		MinWorkers:      p.cfg.MinWorkers,
		MaxWorkers:      p.cfg.MaxWorkers,
		CurrentWorkers:  p.current,
		ReservedForJobs: p.cfg.ReservedForJobs,
		BusyWorkers:     int(p.busy.Load()),
		BacklogDepth:    int(p.backlog.Load()),
		AvgTaskDuration: p.avgDurationLocked().String(),
	}
	if !p.idleSince.IsZero() {
		idle := p.idleSince
		s.IdleSince = &idle
	}
	return s
}

// sizingLoop evaluates the pool size once per sizing interval
func (p *Pool) sizingLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			return
		case <-p.clock.After(p.cfg.SizingInterval):
			p.evaluate()
		}
	}
}

// evaluate applies one sizing decision. Scale-up needs a backlog above
// threshold for a full sustain window and an average task duration within
// the guard. Scale-down retires idle shared workers once the backlog has
// been empty for the idle release period.
func (p *Pool) evaluate() {
	now := p.clock.Now()
	backlog := int(p.backlog.Load())

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return
	}

	if backlog > p.cfg.ScaleUpBacklog {
		if p.backlogSince.IsZero() {
			p.backlogSince = now
		}
		if now.Sub(p.backlogSince) >= p.cfg.SustainWindow && p.current < p.cfg.MaxWorkers {
			p.scaleUpLocked(now, backlog)
		}
	} else {
		p.backlogSince = time.Time{}
	}

	if backlog == 0 {
		if p.idleSince.IsZero() {
			p.idleSince = now
		}
		if now.Sub(p.idleSince) >= p.cfg.IdleRelease && p.current > p.cfg.MinWorkers {
			p.scaleDownLocked()
		}
	} else {
		p.idleSince = time.Time{}
	}

	p.observer.SetState(p.current, int(p.busy.Load()), backlog)
}

func (p *Pool) scaleUpLocked(now time.Time, backlog int) {
	avg := p.avgDurationLocked()
	if p.cfg.DurationGuard > 0 && avg > p.cfg.DurationGuard {
		p.logger.Warn("Scale-up refused: average task duration above guard",
			slog.Duration("avg_task_duration", avg),
			slog.Duration("duration_guard", p.cfg.DurationGuard),
			slog.Int("backlog_depth", backlog),
			slog.Int("current_workers", p.current),
		)
		p.observer.ObserveScale(ScaleRefused, 0)
		return
	}

	add := min(backlog, p.cfg.MaxWorkers-p.current)
	for i := 0; i < add; i++ {
		p.spawnWorkerLocked(true)
	}
	// A further scale-up needs another sustained window
	p.backlogSince = now

	p.logger.Info("Scaled pool up",
		slog.Int("added", add),
		slog.Int("current_workers", p.current),
		slog.Int("backlog_depth", backlog),
		slog.Duration("avg_task_duration", avg),
	)
	p.observer.ObserveScale(ScaleUp, add)
}

func (p *Pool) scaleDownLocked() {
	retired := 0
	for p.current > p.cfg.MinWorkers {
		select {
		case p.retire <- struct{}{}:
			p.current--
			retired++
			continue
		default:
		}
		// no idle shared worker is waiting
		break
	}
	if retired == 0 {
		return
	}

	p.logger.Info("Scaled pool down",
		slog.Int("retired", retired),
		slog.Int("current_workers", p.current),
	)
	p.observer.ObserveScale(ScaleDown, retired)
}
