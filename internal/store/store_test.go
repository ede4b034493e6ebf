package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	logx "leasecron/pkg/logx"
)

func openTestStores(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "tasks.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func mustInsert(t *testing.T, st Store, rec *TaskRecord) {
	t.Helper()
	if err := st.Insert(context.Background(), rec); err != nil {
		t.Fatalf("insert %s: %v", rec.ID, err)
	}
}

func TestInsertIdempotentAndFind(t *testing.T) {
	t.Parallel()
	for name, st := range openTestStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			due := time.Date(2025, 2, 1, 5, 0, 0, 0, time.UTC)
			mustInsert(t, st, &TaskRecord{ID: "daily-job", Schedule: "0 5 * * *", NextDue: due})

			// Second insert with different fields must be a no-op.
			mustInsert(t, st, &TaskRecord{ID: "daily-job", Schedule: "changed", NextDue: due.Add(time.Hour)})

			rec, err := st.FindByID(ctx, "daily-job")
			if err != nil {
				t.Fatalf("find: %v", err)
			}
			if rec == nil {
				t.Fatal("record not found after insert")
			}
			if rec.Schedule != "0 5 * * *" || !rec.NextDue.Equal(due) {
				t.Fatalf("record changed by duplicate insert: %+v", rec)
			}
			if rec.LeaseSince != nil || len(rec.History) != 0 {
				t.Fatalf("fresh record should have no lease and empty history: %+v", rec)
			}

			missing, err := st.FindByID(ctx, "nope")
			if err != nil || missing != nil {
				t.Fatalf("FindByID(absent) = %v, %v; want nil, nil", missing, err)
			}
		})
	}
}

func TestClaimDueSemantics(t *testing.T) {
	t.Parallel()
	for name, st := range openTestStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().Truncate(time.Millisecond)
			timeout := time.Minute

			mustInsert(t, st, &TaskRecord{ID: "due", Schedule: "* * * * *", NextDue: now.Add(-time.Second)})
			mustInsert(t, st, &TaskRecord{ID: "future", Schedule: "* * * * *", NextDue: now.Add(time.Hour)})

			// Claim scope is restricted to the given ids.
			rec, err := st.ClaimDue(ctx, []string{"future"}, now, now.Add(-timeout))
			if err != nil || rec != nil {
				t.Fatalf("claim of non-due id = %+v, %v; want nil, nil", rec, err)
			}

			rec, err = st.ClaimDue(ctx, []string{"due", "future"}, now, now.Add(-timeout))
			if err != nil {
				t.Fatalf("claim: %v", err)
			}
			if rec == nil || rec.ID != "due" {
				t.Fatalf("claim = %+v, want task 'due'", rec)
			}
			if rec.LeaseSince == nil || !rec.LeaseSince.Equal(now) {
				t.Fatalf("claim must return the post-mutation lease, got %+v", rec.LeaseSince)
			}

			// Leased task must not be claimable again before the timeout.
			later := now.Add(30 * time.Second)
			rec, err = st.ClaimDue(ctx, []string{"due"}, later, later.Add(-timeout))
			if err != nil || rec != nil {
				t.Fatalf("reclaim with live lease = %+v, %v; want nil, nil", rec, err)
			}

			// After the lease goes stale it becomes claimable again.
			stale := now.Add(timeout + time.Second)
			rec, err = st.ClaimDue(ctx, []string{"due"}, stale, stale.Add(-timeout))
			if err != nil {
				t.Fatalf("stale reclaim: %v", err)
			}
			if rec == nil || rec.LeaseSince == nil || !rec.LeaseSince.Equal(stale) {
				t.Fatalf("stale lease was not reclaimed: %+v", rec)
			}
		})
	}
}

func TestRenewLease(t *testing.T) {
	t.Parallel()
	for name, st := range openTestStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().Truncate(time.Millisecond)
			timeout := time.Minute

			mustInsert(t, st, &TaskRecord{ID: "job", Schedule: "* * * * *", NextDue: now.Add(-time.Second)})

			// No lease yet: renewal must fail the conditional match.
			ok, err := st.RenewLease(ctx, "job", now, now.Add(-timeout))
			if err != nil || ok {
				t.Fatalf("renew without lease = %v, %v; want false, nil", ok, err)
			}

			if _, err := st.ClaimDue(ctx, []string{"job"}, now, now.Add(-timeout)); err != nil {
				t.Fatalf("claim: %v", err)
			}

			// Renew at T+30s resets the staleness clock.
			at := now.Add(30 * time.Second)
			ok, err = st.RenewLease(ctx, "job", at, at.Add(-timeout))
			if err != nil || !ok {
				t.Fatalf("renew with live lease = %v, %v; want true, nil", ok, err)
			}

			// At T+70s the lease (renewed at T+30s) is still live: no reclaim.
			probe := now.Add(70 * time.Second)
			rec, err := st.ClaimDue(ctx, []string{"job"}, probe, probe.Add(-timeout))
			if err != nil || rec != nil {
				t.Fatalf("reclaim after renewal = %+v, %v; want nil, nil", rec, err)
			}

			// Once the renewed lease ages out, renewal fails.
			expired := at.Add(timeout + time.Second)
			ok, err = st.RenewLease(ctx, "job", expired, expired.Add(-timeout))
			if err != nil || ok {
				t.Fatalf("renew of expired lease = %v, %v; want false, nil", ok, err)
			}
		})
	}
}

func TestConcurrentClaimExactlyOne(t *testing.T) {
	t.Parallel()
	for name, st := range openTestStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().Truncate(time.Millisecond)
			mustInsert(t, st, &TaskRecord{ID: "contested", Schedule: "* * * * *", NextDue: now.Add(-time.Second)})

			const claimers = 16
			var wg sync.WaitGroup
			wins := make(chan string, claimers)
			for i := 0; i < claimers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					rec, err := st.ClaimDue(ctx, []string{"contested"}, now, now.Add(-time.Minute))
					if err != nil {
						t.Errorf("claim: %v", err)
						return
					}
					if rec != nil {
						wins <- rec.ID
					}
				}()
			}
			wg.Wait()
			close(wins)

			won := 0
			for range wins {
				won++
			}
			if won != 1 {
				t.Fatalf("%d claimers succeeded, want exactly 1", won)
			}
		})
	}
}

func TestUpdateByIDAndHistoryRoundtrip(t *testing.T) {
	t.Parallel()
	for name, st := range openTestStores(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().Truncate(time.Millisecond)
			mustInsert(t, st, &TaskRecord{ID: "job", Schedule: "* * * * *", NextDue: now.Add(-time.Second)})

			if _, err := st.ClaimDue(ctx, []string{"job"}, now, now.Add(-time.Minute)); err != nil {
				t.Fatalf("claim: %v", err)
			}

			next := now.Add(time.Minute)
			done := now.Add(2 * time.Second)
			hist := []Execution{{
				Status:     StatusOK,
				ClaimedAt:  now,
				FinishedAt: done,
				DurationMS: 2000,
				Output:     "42 rows",
			}}
			err := st.UpdateByID(ctx, "job", TaskUpdate{
				NextDue:    &next,
				ClearLease: true,
				LastOK:     &done,
				History:    hist,
			})
			if err != nil {
				t.Fatalf("update: %v", err)
			}

			rec, err := st.FindByID(ctx, "job")
			if err != nil {
				t.Fatalf("find: %v", err)
			}
			if rec.LeaseSince != nil {
				t.Fatalf("lease not cleared: %+v", rec.LeaseSince)
			}
			if !rec.NextDue.Equal(next) {
				t.Fatalf("NextDue = %v, want %v", rec.NextDue, next)
			}
			if rec.LastOK == nil || !rec.LastOK.Equal(done) {
				t.Fatalf("LastOK = %v, want %v", rec.LastOK, done)
			}
			if rec.LastFailed != nil {
				t.Fatalf("LastFailed set unexpectedly: %v", rec.LastFailed)
			}
			if len(rec.History) != 1 {
				t.Fatalf("history length = %d, want 1", len(rec.History))
			}
			got := rec.History[0]
			if got.Status != StatusOK || got.Output != "42 rows" || got.DurationMS != 2000 {
				t.Fatalf("history entry mismatch: %+v", got)
			}
			if !got.ClaimedAt.Equal(now) || !got.FinishedAt.Equal(done) {
				t.Fatalf("history timestamps mismatch: %+v", got)
			}

			// Updating an absent id is not an error.
			if err := st.UpdateByID(ctx, "ghost", TaskUpdate{ClearLease: true}); err != nil {
				t.Fatalf("update absent id: %v", err)
			}
		})
	}
}

func TestAppendHistoryCap(t *testing.T) {
	t.Parallel()
	var hist []Execution
	base := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < HistoryCap+5; i++ {
		hist = AppendHistory(hist, Execution{
			Status:    StatusOK,
			ClaimedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if len(hist) > HistoryCap {
			t.Fatalf("history grew past cap: %d", len(hist))
		}
	}
	if len(hist) != HistoryCap {
		t.Fatalf("history length = %d, want %d", len(hist), HistoryCap)
	}
	// Oldest entries must have been evicted first.
	wantOldest := base.Add(5 * time.Minute)
	if !hist[0].ClaimedAt.Equal(wantOldest) {
		t.Fatalf("oldest entry = %v, want %v", hist[0].ClaimedAt, wantOldest)
	}
}
