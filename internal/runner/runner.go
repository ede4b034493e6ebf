// Package runner turns shell commands into scheduler workers.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"leasecron/internal/scheduler"
	logx "leasecron/pkg/logx"
)

// Output payloads are persisted in task history; keep them small.
const maxOutput = 4096

// Options tunes one command worker.
type Options struct {
	// Timeout bounds a single run; 0 means no bound beyond lease expiry.
	Timeout time.Duration

	// RenewEvery is the background lease-renewal period. 0 disables
	// renewal; commands finishing inside the processing timeout don't
	// need it.
	RenewEvery time.Duration
}

// Command returns a worker that runs cmdline under "sh -c".
//
// When opts.RenewEvery > 0 a background ticker renews the lease while the
// command runs; a renewal failing with ErrLeaseExpired cancels the command's
// context, turning lease loss into best-effort command termination.
// Combined output (trimmed, capped) becomes the success payload.
func Command(cmdline string, opts Options, log logx.Logger) scheduler.Worker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return func(ctx context.Context, lease scheduler.Lease) (string, error) {
		if opts.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
			defer cancel()
		}
		ctx, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)

		var wg sync.WaitGroup
		if opts.RenewEvery > 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				renewLoop(ctx, lease, opts.RenewEvery, cancel, log)
			}()
		}

		cmd := exec.CommandContext(ctx, "sh", "-c", cmdline)
		out, err := cmd.CombinedOutput()
		cancel(nil)
		wg.Wait()

		text := truncate(strings.TrimSpace(string(out)), maxOutput)
		if err != nil {
			if cause := context.Cause(ctx); cause != nil && errors.Is(cause, scheduler.ErrLeaseExpired) {
				return "", fmt.Errorf("command aborted: %w", scheduler.ErrLeaseExpired)
			}
			if text != "" {
				return "", fmt.Errorf("command failed: %w: %s", err, text)
			}
			return "", fmt.Errorf("command failed: %w", err)
		}
		return text, nil
	}
}

func renewLoop(ctx context.Context, lease scheduler.Lease, every time.Duration, cancel context.CancelCauseFunc, log logx.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := lease.Renew(ctx); err != nil {
				if errors.Is(err, scheduler.ErrLeaseExpired) {
					log.Warn("lease expired mid-run, aborting command", logx.Err(err))
					cancel(err)
					return
				}
				// Transient store trouble: keep the command running and
				// try again on the next tick.
				log.Warn("lease renewal failed", logx.Err(err))
			}
		}
	}
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
