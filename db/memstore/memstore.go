// Package memstore is an in-memory db.Querier for dev mode and tests. A single
// mutex serializes every operation, which makes ClaimNextRecord atomic.
package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sweater-ventures/brainfreeze/db"
)

type Store struct {
	mu      sync.Mutex
	records map[uuid.UUID]*db.Record
}

var _ db.Querier = (*Store)(nil)

func New() *Store {
	return &Store{records: make(map[uuid.UUID]*db.Record)}
}

func cloneRecord(r *db.Record) db.Record {
	c := *r
	c.Args = slices.Clone(r.Args)
	c.Subscribers = make([]db.SubscriberProgress, len(r.Subscribers))
	for i, s := range r.Subscribers {
		c.Subscribers[i] = cloneProgress(s)
	}
	if r.LastOperatedAt != nil {
		t := *r.LastOperatedAt
		c.LastOperatedAt = &t
	}
	return c
}

func cloneProgress(s db.SubscriberProgress) db.SubscriberProgress {
	if s.LastOperatedAt != nil {
		t := *s.LastOperatedAt
		s.LastOperatedAt = &t
	}
	return s
}

func (s *Store) InsertRecord(ctx context.Context, arg db.Record) (db.Record, error) {
	if arg.ID == uuid.Nil {
		arg.ID = uuid.Must(uuid.NewV7())
	}
	if arg.CreatedAt.IsZero() {
		arg.CreatedAt = time.Now().UTC()
	}
	if arg.State == "" {
		arg.State = db.StateReady
	}
	stored := cloneRecord(&arg)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[arg.ID] = &stored
	return cloneRecord(&stored), nil
}

func (s *Store) ClaimNextRecord(ctx context.Context, arg db.ClaimNextRecordParams) (db.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *db.Record
	for _, r := range s.records {
		if !r.State.Pending() {
			continue
		}
		if r.LastOperatedAt != nil && r.LastOperatedAt.After(arg.EligibleBefore) {
			continue
		}
		if next == nil || r.CreatedAt.Before(next.CreatedAt) ||
			(r.CreatedAt.Equal(next.CreatedAt) && r.ID.String() < next.ID.String()) {
			next = r
		}
	}
	if next == nil {
		return db.Record{}, db.ErrNoRecord
	}

	before := cloneRecord(next)
	now := arg.Now
	next.State = db.StateProcessing
	next.LastOperatedAt = &now
	return before, nil
}

func (s *Store) UpdateRecordState(ctx context.Context, arg db.UpdateRecordStateParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[arg.ID]
	if !ok {
		return db.ErrNoRecord
	}
	r.State = arg.State
	return nil
}

func (s *Store) upsertLocked(r *db.Record, p db.SubscriberProgress) {
	if existing := r.Subscriber(p.SubscriberID); existing != nil {
		*existing = cloneProgress(p)
		return
	}
	r.Subscribers = append(r.Subscribers, cloneProgress(p))
}

func (s *Store) SaveSubscriberProgress(ctx context.Context, arg db.SaveSubscriberProgressParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[arg.RecordID]
	if !ok {
		return db.ErrNoRecord
	}
	for _, p := range arg.Subscribers {
		s.upsertLocked(r, p)
	}
	return nil
}

func (s *Store) UpsertSubscriberProgress(ctx context.Context, arg db.UpsertSubscriberProgressParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[arg.RecordID]
	if !ok {
		return db.ErrNoRecord
	}
	s.upsertLocked(r, arg.Subscriber)
	return nil
}

func (s *Store) GetRecordByID(ctx context.Context, id uuid.UUID) (db.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return db.Record{}, db.ErrNoRecord
	}
	return cloneRecord(r), nil
}

func (s *Store) ListRecords(ctx context.Context, arg db.ListRecordsParams) ([]db.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var items []db.Record
	for _, r := range s.records {
		if arg.State != "" && r.State != arg.State {
			continue
		}
		items = append(items, cloneRecord(r))
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if arg.Limit > 0 && len(items) > int(arg.Limit) {
		items = items[:arg.Limit]
	}
	return items, nil
}

func (s *Store) ResetStaleProcessing(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, r := range s.records {
		if r.State != db.StateProcessing || r.LastOperatedAt == nil || !r.LastOperatedAt.Before(before) {
			continue
		}
		r.State = db.StateRetry
		for i := range r.Subscribers {
			if r.Subscribers[i].State != db.StateProcessing {
				continue
			}
			if r.Subscribers[i].RemainingAttempts == 0 {
				r.Subscribers[i].State = db.StateFail
			} else {
				r.Subscribers[i].State = db.StateRetry
			}
		}
		count++
	}
	return count, nil
}
