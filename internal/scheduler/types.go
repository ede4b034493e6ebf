package scheduler

import (
	"context"
	"sync"
	"time"

	"leasecron/internal/eventbus"
	"leasecron/internal/store"
	logx "leasecron/pkg/logx"
)

const (
	DefaultPollInterval      = time.Second
	DefaultProcessingTimeout = time.Minute
)

// Worker executes one claimed run of a task.
//
// Workers must be safe to re-invoke: if a process crashes mid-run without
// renewing its lease, the task becomes claimable again after the processing
// timeout and will run again (at-least-once, bounded duplicate window).
//
// The returned string is an optional output payload recorded in the task's
// history on success. A non-nil error records a failure and routes the error
// to the configured error sink.
type Worker func(ctx context.Context, lease Lease) (string, error)

// Lease is the capability handed to a worker for the duration of one run.
// It exposes renewal only; workers never see the record or the store.
//
// Renew returning ErrLeaseExpired is the cooperative cancellation signal:
// the exclusive window is gone and the worker should stop. A worker that
// ignores it may keep running and race with a reclaiming process.
type Lease interface {
	Renew(ctx context.Context) error
}

// Config controls one scheduler instance.
type Config struct {
	// PollInterval is the claim-loop period. Default 1s.
	PollInterval time.Duration

	// ProcessingTimeout is the lease staleness threshold: a lease older
	// than this is treated as abandoned and becomes claimable again.
	// Default 60s.
	ProcessingTimeout time.Duration

	// Timezone is the IANA zone schedules are evaluated in. Default UTC.
	Timezone string

	// OnError receives asynchronous failures from the polling loop
	// (store I/O, worker errors, settle errors). When nil, errors are
	// logged, rate-limited so a down store cannot flood the sinks.
	OnError func(error)
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = DefaultProcessingTimeout
	}
	return c
}

// Event types published on the bus at settlement.
const (
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"
)

// TaskEvent is the bus payload for a settled run.
type TaskEvent struct {
	ID         string        `json:"id"`
	ClaimedAt  time.Time     `json:"claimed_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
	NextDue    time.Time     `json:"next_due"`
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Service coordinates recurring execution of declared tasks against a shared
// store. Multiple Service instances in separate processes may poll the same
// store; they coordinate purely through the store's atomic claim.
type Service struct {
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	store store.Store
	loc   *time.Location

	mu      sync.Mutex
	workers map[string]Worker
	cancel  context.CancelFunc
	done    chan struct{}

	report func(error)
}
