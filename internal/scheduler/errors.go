package scheduler

import "errors"

var (
	// ErrNoStore is returned by New when no task store is configured.
	ErrNoStore = errors.New("no task store configured")

	// ErrLeaseExpired is returned by Lease.Renew when the lease aged past
	// the processing timeout before renewal (and was possibly reclaimed
	// elsewhere). Workers should treat it as a cancellation signal.
	ErrLeaseExpired = errors.New("lease expired")
)
