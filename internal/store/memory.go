package store

import (
	"context"
	"sync"
	"time"
)

// memoryStore is a process-local Store. It provides the same claim/renew
// atomicity as the sqlite driver (one mutex around match-then-mutate) but
// obviously cannot coordinate across processes. Intended for tests and for
// embedding the scheduler without a database file.
type memoryStore struct {
	mu   sync.Mutex
	recs map[string]*TaskRecord
	// order preserves insertion order so claim traversal is deterministic.
	order []string
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{recs: map[string]*TaskRecord{}}
}

func (s *memoryStore) FindByID(_ context.Context, id string) (*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, nil
	}
	return copyRecord(rec), nil
}

func (s *memoryStore) Insert(_ context.Context, rec *TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.ID]; ok {
		return nil
	}
	s.recs[rec.ID] = copyRecord(rec)
	s.order = append(s.order, rec.ID)
	return nil
}

func (s *memoryStore) UpdateByID(_ context.Context, id string, upd TaskUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil
	}
	if upd.Schedule != nil {
		rec.Schedule = *upd.Schedule
	}
	if upd.NextDue != nil {
		rec.NextDue = *upd.NextDue
	}
	if upd.ClearLease {
		rec.LeaseSince = nil
	}
	if upd.LastOK != nil {
		t := *upd.LastOK
		rec.LastOK = &t
	}
	if upd.LastFailed != nil {
		t := *upd.LastFailed
		rec.LastFailed = &t
	}
	if upd.History != nil {
		rec.History = append([]Execution(nil), upd.History...)
	}
	return nil
}

func (s *memoryStore) ClaimDue(_ context.Context, ids []string, now, staleBefore time.Time) (*TaskRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		if !wanted[id] {
			continue
		}
		rec := s.recs[id]
		if rec == nil || !rec.NextDue.Before(now) {
			continue
		}
		if rec.LeaseSince != nil && !rec.LeaseSince.Before(staleBefore) {
			continue
		}
		t := now
		rec.LeaseSince = &t
		return copyRecord(rec), nil
	}
	return nil, nil
}

func (s *memoryStore) RenewLease(_ context.Context, id string, now, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok || rec.LeaseSince == nil || rec.LeaseSince.Before(staleBefore) {
		return false, nil
	}
	t := now
	rec.LeaseSince = &t
	return true, nil
}

func (s *memoryStore) Close() error { return nil }

func copyRecord(rec *TaskRecord) *TaskRecord {
	cp := *rec
	if rec.LeaseSince != nil {
		t := *rec.LeaseSince
		cp.LeaseSince = &t
	}
	if rec.LastOK != nil {
		t := *rec.LastOK
		cp.LastOK = &t
	}
	if rec.LastFailed != nil {
		t := *rec.LastFailed
		cp.LastFailed = &t
	}
	cp.History = append([]Execution(nil), rec.History...)
	return &cp
}
