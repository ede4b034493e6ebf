package store

import (
	"errors"
	"time"
)

var (
	// ErrDisabled is returned by a nil-safe store method when storage is not configured.
	ErrDisabled = errors.New("storage disabled")
)

// Config configures the task store.
//
// Driver values:
//   - "sqlite": SQLite database file (the shared store for multi-process setups)
//   - "memory": process-local map (tests, single-process embedding)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	Table       string        // sqlite table name; "" means "tasks"
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Execution outcome status values.
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

// HistoryCap bounds TaskRecord.History. Insertion past the cap evicts the
// oldest entry first (strict FIFO, not sampling).
const HistoryCap = 10

// Execution is one history entry: the outcome of a single claimed run.
//
// Status is StatusOK or StatusFailed; Output is only meaningful for StatusOK,
// Error only for StatusFailed. ClaimedAt is the instant the lease was acquired
// (not a later renewal) and DurationMS the wall time from claim to outcome.
type Execution struct {
	Status     string    `json:"status"`
	ClaimedAt  time.Time `json:"claimed_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMS int64     `json:"duration_ms"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// TaskRecord is the durable scheduling state for one declared task id.
// It is the unit of claiming and leasing; keep it compact and schema-stable.
type TaskRecord struct {
	ID       string
	Schedule string

	// NextDue is the instant after which the task is eligible to run.
	// It only advances at settlement, except when a re-declare changes
	// the schedule.
	NextDue time.Time

	// LeaseSince is the instant the current lease was acquired or last
	// renewed. nil means no active lease; that absence is the only signal
	// that a new claim may succeed.
	LeaseSince *time.Time

	LastFailed *time.Time
	LastOK     *time.Time

	// History holds the most recent execution outcomes, oldest first,
	// at most HistoryCap entries.
	History []Execution
}

// AppendHistory returns history with e appended, evicting oldest entries so
// the result never exceeds HistoryCap.
func AppendHistory(history []Execution, e Execution) []Execution {
	out := append(append([]Execution(nil), history...), e)
	if len(out) > HistoryCap {
		out = out[len(out)-HistoryCap:]
	}
	return out
}

// TaskUpdate is a partial update of a TaskRecord. Nil pointer fields are
// left untouched; History is replaced only when non-nil.
type TaskUpdate struct {
	Schedule   *string
	NextDue    *time.Time
	ClearLease bool
	LastOK     *time.Time
	LastFailed *time.Time
	History    []Execution
}

func (u TaskUpdate) isZero() bool {
	return u.Schedule == nil && u.NextDue == nil && !u.ClearLease &&
		u.LastOK == nil && u.LastFailed == nil && u.History == nil
}
