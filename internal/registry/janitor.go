package registry

import "log/slog"

// janitorLoop evicts terminal jobs once their retention window has passed
func (r *Registry) janitorLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.stopChan:
			return
		case <-r.clock.After(r.cfg.JanitorInterval):
			if n := r.evictExpired(); n > 0 {
				r.logger.Info("Evicted expired jobs", slog.Int("count", n))
			}
		}
	}
}

// evictExpired removes terminal jobs completed before now - retention
func (r *Registry) evictExpired() int {
	cutoff := r.clock.Now().Add(-r.cfg.Retention)
	evicted := 0

	for _, sh := range r.shards {
		sh.mu.Lock()
		for id, e := range sh.jobs {
			j := e.job
			if !j.Status.IsTerminal() || j.CompletedAt == nil {
				continue
			}
			if j.CompletedAt.Before(cutoff) {
				delete(sh.jobs, id)
				evicted++
			}
		}
		sh.mu.Unlock()
	}
	return evicted
}
