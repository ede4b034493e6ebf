package store

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "leasecron/pkg/logx"
)

// Store is the narrow persistence contract the scheduler core relies on.
//
// ClaimDue and RenewLease must be atomic with respect to concurrent callers,
// including callers in other processes sharing the same backing store: no
// observation or mutation may interleave between their match test and their
// mutation. All cross-process mutual exclusion rests on that property.
type Store interface {
	// FindByID returns the record for id, or (nil, nil) when absent.
	FindByID(ctx context.Context, id string) (*TaskRecord, error)

	// Insert creates the record. Inserting an id that already exists is a
	// no-op (creation is idempotent across racing declarers).
	Insert(ctx context.Context, rec *TaskRecord) error

	// UpdateByID applies a partial update to the record with the given id.
	// Updating an absent id is not an error.
	UpdateByID(ctx context.Context, id string, upd TaskUpdate) error

	// ClaimDue atomically selects one record whose id is in ids, whose
	// NextDue is strictly before now, and whose lease is absent or older
	// than staleBefore; sets its lease to now; and returns the record after
	// mutation. Returns (nil, nil) when nothing matches. When several
	// records match, the store's natural traversal order decides.
	ClaimDue(ctx context.Context, ids []string, now, staleBefore time.Time) (*TaskRecord, error)

	// RenewLease extends the lease on id to now, but only if the current
	// lease is newer than staleBefore. Returns false when the conditional
	// match fails (lease expired or absent).
	RenewLease(ctx context.Context, id string, now, staleBefore time.Time) (bool, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
