package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"leasecron/internal/cron"
	"leasecron/internal/eventbus"
	"leasecron/internal/store"
	logx "leasecron/pkg/logx"
)

// New creates a scheduler instance bound to st. The bus may be nil when no
// observer cares about lifecycle events.
func New(cfg Config, st store.Store, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if st == nil {
		return nil, ErrNoStore
	}
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}

	loc := time.UTC
	if tz := cfg.Timezone; tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", tz, err)
		}
		loc = l
	}

	// Instance id correlates logs when several processes share one store.
	instance := uuid.NewString()[:8]
	log = log.With(logx.String("instance", instance))

	s := &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		store:   st,
		loc:     loc,
		workers: map[string]Worker{},
	}
	s.report = s.defaultReporter()
	return s, nil
}

// defaultReporter routes loop errors to cfg.OnError when set, otherwise to a
// rate-limited error log (an unreachable store fails every cycle; one line a
// second is plenty).
func (s *Service) defaultReporter() func(error) {
	if s.cfg.OnError != nil {
		return s.cfg.OnError
	}
	lim := rate.NewLimiter(rate.Every(time.Second), 5)
	return func(err error) {
		if err == nil {
			return
		}
		if lim.Allow() {
			s.log.Error("scheduler error", logx.Err(err))
		}
	}
}

// Declare registers w under id (silently replacing any prior registration in
// this process), ensures the polling loop is running, and reconciles the
// stored task record:
//
//   - no record: insert one with NextDue computed from schedule relative to now
//   - schedule changed: overwrite schedule and recompute NextDue from now,
//     unconditionally
//   - schedule unchanged: leave the record untouched, preserving an
//     already-scheduled fire across process restarts
//
// Malformed schedules and store failures surface to the caller; there is no
// retry at this layer.
func (s *Service) Declare(ctx context.Context, id, schedule string, w Worker) error {
	if id == "" {
		return fmt.Errorf("task id is required")
	}
	if w == nil {
		return fmt.Errorf("task %q: worker is required", id)
	}

	s.mu.Lock()
	s.workers[id] = w
	s.ensureLoopLocked()
	s.mu.Unlock()

	now := time.Now()
	rec, err := s.store.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("task %q: %w", id, err)
	}

	var next time.Time
	switch {
	case rec == nil:
		next, err = cron.NextAfter(schedule, s.loc, now)
		if err != nil {
			return fmt.Errorf("task %q: %w", id, err)
		}
		err = s.store.Insert(ctx, &store.TaskRecord{ID: id, Schedule: schedule, NextDue: next})
		if err != nil {
			return fmt.Errorf("task %q: %w", id, err)
		}
	case rec.Schedule != schedule:
		next, err = cron.NextAfter(schedule, s.loc, now)
		if err != nil {
			return fmt.Errorf("task %q: %w", id, err)
		}
		err = s.store.UpdateByID(ctx, id, store.TaskUpdate{Schedule: &schedule, NextDue: &next})
		if err != nil {
			return fmt.Errorf("task %q: %w", id, err)
		}
	default:
		next = rec.NextDue
	}

	s.log.Info("task declared",
		logx.String("task", id),
		logx.String("schedule", schedule),
		logx.Time("next_due", next))
	return nil
}

// ensureLoopLocked starts the polling loop if it is not running.
// Callers hold s.mu.
func (s *Service) ensureLoopLocked() {
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	go s.run(ctx, done)
	s.log.Debug("polling started", logx.Duration("interval", s.cfg.PollInterval))
}

// Stop cancels the polling timer and waits for an in-flight cycle to finish
// (or for ctx to expire). Workers are never forcibly aborted. A subsequent
// Declare restarts polling.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		s.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run drives non-overlapping poll cycles: the timer is re-armed only after
// the previous cycle settles, so within one process at most one task is ever
// in flight.
func (s *Service) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	t := time.NewTimer(s.cfg.PollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			// The cycle deliberately does not use the loop context:
			// Stop cancels the timer only, and a dispatched cycle
			// runs to completion.
			s.cycle(context.Background())
			t.Reset(s.cfg.PollInterval)
		}
	}
}

func (s *Service) registeredIDs() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (s *Service) workerFor(id string) Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[id]
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
