package scheduler

import (
	"context"
	"fmt"
	"time"
)

// leaseHandle is the capability passed into workers. It carries no record or
// store access, only the conditional renewal.
type leaseHandle struct {
	svc *Service
	id  string
}

// Renew extends the lease's exclusive window by resetting its staleness
// clock to now. Without renewal, a run that outlives the processing timeout
// risks concurrent re-execution by another claimant.
func (l leaseHandle) Renew(ctx context.Context) error {
	now := time.Now()
	ok, err := l.svc.store.RenewLease(ctx, l.id, now, now.Add(-l.svc.cfg.ProcessingTimeout))
	if err != nil {
		return fmt.Errorf("renew lease for task %q: %w", l.id, err)
	}
	if !ok {
		return ErrLeaseExpired
	}
	return nil
}
