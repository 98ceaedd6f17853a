package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/bissquit/medication-reminders/internal/domain"
)

type slotKey struct {
	key  domain.DedupKey
	slot int64
}

// MemoryStore is an in-process Store used in tests and single-node setups
// without a database.
type MemoryStore struct {
	mu      sync.Mutex
	last    map[domain.DedupKey]time.Time
	records map[slotKey]SendRecord
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		last:    make(map[domain.DedupKey]time.Time),
		records: make(map[slotKey]SendRecord),
	}
}

// LastSent implements Store.
func (s *MemoryStore) LastSent(_ context.Context, key domain.DedupKey) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.last[key]
	return t, ok, nil
}

// SentForSlot implements Store.
func (s *MemoryStore) SentForSlot(_ context.Context, key domain.DedupKey, slot time.Time) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[slotKey{key: key, slot: slot.UnixNano()}]
	return rec.SentAt, ok, nil
}

// Record implements Store.
func (s *MemoryStore) Record(_ context.Context, key domain.DedupKey, rec SendRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sk := slotKey{key: key, slot: rec.Slot.UnixNano()}
	if _, exists := s.records[sk]; exists {
		return nil
	}
	s.records[sk] = rec
	if rec.SentAt.After(s.last[key]) {
		s.last[key] = rec.SentAt
	}
	return nil
}

// Records returns the stored records for key.
func (s *MemoryStore) Records(key domain.DedupKey) []SendRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []SendRecord
	for sk, rec := range s.records {
		if sk.key == key {
			out = append(out, rec)
		}
	}
	return out
}
