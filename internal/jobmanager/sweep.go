package jobmanager

import (
	"cmp"
	"slices"
	"time"

	"github.com/ChuLiYu/bulkwrite/pkg/types"
)

// Sweep evicts finished jobs and returns how many were removed.
//
// Rules, applied in order:
//  1. terminal jobs whose CompletedAt is older than JobTTL are removed
//  2. while more than MaxHistory jobs remain, the oldest terminal job (by
//     CompletedAt) is removed
//
// Pending and processing jobs are never evicted, so the registry may hold
// more than MaxHistory jobs when that many are still live.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.cfg.JobTTL).UnixMilli()
	evicted := make(map[types.JobID]bool)

	var terminal []*types.Job
	for id, job := range r.jobs {
		if !job.Status.IsTerminal() {
			continue
		}
		if job.CompletedAt < cutoff {
			evicted[id] = true
			continue
		}
		terminal = append(terminal, job)
	}

	slices.SortFunc(terminal, func(a, b *types.Job) int {
		if c := cmp.Compare(a.CompletedAt, b.CompletedAt); c != 0 {
			return c
		}
		return cmp.Compare(r.position(a.ID), r.position(b.ID))
	})
	for _, job := range terminal {
		if len(r.jobs)-len(evicted) <= r.cfg.MaxHistory {
			break
		}
		evicted[job.ID] = true
	}

	if len(evicted) == 0 {
		return 0
	}

	for id := range evicted {
		job := r.jobs[id]
		r.publishLocked(types.JobEvicted, job)
		delete(r.jobs, id)
		delete(r.done, id)
	}
	r.order = slices.DeleteFunc(r.order, func(id types.JobID) bool { return evicted[id] })

	r.metrics.RecordEvicted(len(evicted))
	r.logger.Debug("Swept job history", "evicted", len(evicted), "remaining", len(r.jobs))
	return len(evicted)
}

// position is the submission index of id, or -1
func (r *Registry) position(id types.JobID) int {
	return slices.Index(r.order, id)
}

// Start launches the periodic sweep loop. Calling it twice is a no-op.
func (r *Registry) Start() {
	r.startOnce.Do(func() {
		r.loopWg.Add(1)
		go r.sweepLoop()
		r.logger.Info("Job registry started",
			"maxConcurrentJobs", r.cfg.MaxConcurrentJobs,
			"jobTTL", r.cfg.JobTTL,
			"maxHistory", r.cfg.MaxHistory)
	})
}

func (r *Registry) sweepLoop() {
	defer r.loopWg.Done()

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}

// Stop closes the registry: the sweep loop exits, pending and processing
// jobs are cancelled and Stop waits for running executors to return.
// Submit fails with ErrRegistryClosed afterwards.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)

		r.mu.Lock()
		r.closed = true
		for _, id := range r.order {
			job := r.jobs[id]
			if job.Status.IsTerminal() {
				continue
			}
			if cancel, ok := r.cancels[id]; ok {
				cancel()
			}
			r.finishLocked(job, types.StatusCancelled, "")
		}
		r.mu.Unlock()

		r.loopWg.Wait()
		r.wg.Wait()
		r.bus.Close()
		r.logger.Info("Job registry stopped")
	})
}
