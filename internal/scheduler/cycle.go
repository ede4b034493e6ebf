package scheduler

import (
	"context"
	"fmt"
	"time"

	"leasecron/internal/cron"
	"leasecron/internal/store"
	logx "leasecron/pkg/logx"
)

// cycle is one pass of the polling loop: claim at most one due task, run its
// worker, settle the outcome. Every error is routed to the error sink; a
// cycle never takes the loop down.
func (s *Service) cycle(ctx context.Context) {
	ids := s.registeredIDs()
	if len(ids) == 0 {
		return
	}

	now := time.Now()
	rec, err := s.store.ClaimDue(ctx, ids, now, now.Add(-s.cfg.ProcessingTimeout))
	if err != nil {
		s.report(fmt.Errorf("claim: %w", err))
		return
	}
	if rec == nil {
		return
	}

	// ClaimDue returns the record after mutation, so LeaseSince is our own
	// fresh lease; keep it as the claim instant even if the worker renews.
	claimedAt := now
	if rec.LeaseSince != nil {
		claimedAt = *rec.LeaseSince
	}
	s.log.Debug("task claimed", logx.String("task", rec.ID), logx.Time("claimed_at", claimedAt))

	var out string
	var runErr error
	if w := s.workerFor(rec.ID); w == nil {
		// Claims are scoped to registered ids, so this only happens when a
		// registration vanished between claim and lookup.
		runErr = fmt.Errorf("internal: no worker registered for task %q", rec.ID)
	} else {
		out, runErr = s.invoke(ctx, w, rec.ID)
	}

	finished := time.Now()
	entry := store.Execution{
		ClaimedAt:  claimedAt,
		FinishedAt: finished,
		DurationMS: finished.Sub(claimedAt).Milliseconds(),
	}
	if runErr != nil {
		// Route the failure to the sink before the store write so a failed
		// release cannot silence the original error.
		s.report(fmt.Errorf("task %q: %w", rec.ID, runErr))
		entry.Status = store.StatusFailed
		entry.Error = runErr.Error()
	} else {
		entry.Status = store.StatusOK
		entry.Output = out
	}

	next, err := s.settle(ctx, rec, entry)
	if err != nil {
		// Swallowed: the lease ages out naturally and the task becomes
		// reclaimable once it passes the processing timeout.
		s.report(fmt.Errorf("settle task %q: %w", rec.ID, err))
		return
	}

	ev := TaskEvent{
		ID:         rec.ID,
		ClaimedAt:  claimedAt,
		FinishedAt: finished,
		Duration:   finished.Sub(claimedAt),
		NextDue:    next,
		Output:     entry.Output,
		Error:      entry.Error,
	}
	if runErr != nil {
		s.publish(EventTaskFailed, ev)
	} else {
		s.publish(EventTaskCompleted, ev)
	}
}

// invoke runs the worker with its lease handle, converting panics into plain
// failures so one bad worker cannot kill the polling loop.
func (s *Service) invoke(ctx context.Context, w Worker, id string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return w(ctx, leaseHandle{svc: s, id: id})
}

// settle applies the completion/release transition: clear the lease, append
// the bounded history entry, stamp the terminal instant, and advance NextDue.
func (s *Service) settle(ctx context.Context, rec *store.TaskRecord, entry store.Execution) (time.Time, error) {
	now := time.Now()

	// Evaluate the schedule one second forward so the next fire cannot land
	// on the settlement instant itself and re-fire immediately. Sub-minute
	// schedules may still double-fire near a boundary; accepted trade-off.
	next, err := cron.NextAfter(rec.Schedule, s.loc, now.Add(time.Second))
	if err != nil {
		return time.Time{}, err
	}

	upd := store.TaskUpdate{
		NextDue:    &next,
		ClearLease: true,
		History:    store.AppendHistory(rec.History, entry),
	}
	if entry.Status == store.StatusOK {
		upd.LastOK = &now
	} else {
		upd.LastFailed = &now
	}
	if err := s.store.UpdateByID(ctx, rec.ID, upd); err != nil {
		return time.Time{}, err
	}
	return next, nil
}
