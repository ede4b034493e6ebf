// Package scheduler coordinates recurring execution of named tasks across
// one or more cooperating processes, using a shared task store as the only
// synchronization primitive. There is no leader election and no cluster
// state: every process runs the same polling loop, and the store's atomic
// find-one-and-claim decides who executes a due task.
//
// # Lifecycle
//
// Callers declare tasks with Declare(id, schedule, worker). Declaration
// registers the worker in a process-local registry, starts the polling loop
// if needed, and reconciles the stored task record (see Declare for the
// exact rules). The loop claims at most one due task per cycle, runs its
// worker, and settles the outcome: lease cleared, a bounded history entry
// appended, NextDue recomputed.
//
// # Leasing
//
// A claim sets the record's lease timestamp; a lease older than the
// processing timeout counts as abandoned and the task becomes claimable
// again. That recovers crashed executors without manual intervention, at the
// cost of an at-least-once guarantee: workers must tolerate re-invocation.
// Long-running workers extend their window with Lease.Renew; a renewal
// failing with ErrLeaseExpired is the (cooperative) cancellation signal.
//
// # Failure policy
//
// Errors inside the polling loop never terminate it. Worker and store
// failures are recorded in the task history and routed to the configured
// error sink; declaration-path errors return to the caller.
package scheduler
