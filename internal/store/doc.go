// Package store persists task records, the unit of scheduling and leasing.
//
// The Store interface is deliberately narrow: point lookup, idempotent
// insert, partial update, and two atomic conditional mutations (ClaimDue,
// RenewLease). Those two are the only cross-process synchronization
// primitives in the system; everything else tolerates plain last-write-wins.
//
// Drivers:
//   - sqlite: one row per task, history as a JSON column, suitable as the
//     shared store for multiple cooperating processes on one host.
//   - memory: mutex-guarded map for tests and single-process embedding.
package store
