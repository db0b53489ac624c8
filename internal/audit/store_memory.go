package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"medicore/internal/retention"
	"medicore/pkg/platform/sentinel"
)

// MemoryStore is an in-memory audit store for tests. It mirrors the Postgres
// store's semantics: exactly-once per event ID, gapless per-patient
// sequences, and non-decreasing per-patient timestamps.
type MemoryStore struct {
	mu       sync.Mutex
	byEvent  map[string]Entry
	byID     map[uuid.UUID]Entry
	lastSeq  map[string]int64
	lastTime map[string]time.Time

	// failuresLeft makes the next N appends fail, for retry and
	// dead-letter tests.
	failuresLeft int
}

// NewMemoryStore constructs an empty in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byEvent:  make(map[string]Entry),
		byID:     make(map[uuid.UUID]Entry),
		lastSeq:  make(map[string]int64),
		lastTime: make(map[string]time.Time),
	}
}

// FailAppends makes the next n Append calls fail with ErrUnavailable.
func (s *MemoryStore) FailAppends(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failuresLeft = n
}

func (s *MemoryStore) Append(_ context.Context, entry Entry) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failuresLeft > 0 {
		s.failuresLeft--
		return Entry{}, sentinel.ErrUnavailable
	}

	if existing, ok := s.byEvent[entry.EventID]; ok {
		return existing, nil
	}

	stored := entry
	stored.ID = uuid.New()
	stored.Seq = s.lastSeq[entry.PatientID] + 1
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now().UTC()
	}
	if last := s.lastTime[entry.PatientID]; stored.Timestamp.Before(last) {
		stored.Timestamp = last
	}

	s.lastSeq[entry.PatientID] = stored.Seq
	s.lastTime[entry.PatientID] = stored.Timestamp
	s.byEvent[stored.EventID] = stored
	s.byID[stored.ID] = stored
	return stored, nil
}

func (s *MemoryStore) FindByEventID(_ context.Context, eventID string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.byEvent[eventID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &entry, nil
}

func (s *MemoryStore) ListByPatient(_ context.Context, patientID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []Entry
	for _, entry := range s.byEvent {
		if entry.PatientID == patientID {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries, nil
}

func (s *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.byID[id]
	if !ok {
		return nil
	}
	delete(s.byID, id)
	delete(s.byEvent, entry.EventID)
	return nil
}

func (s *MemoryStore) ListExpired(_ context.Context, cutoff time.Time, after retention.Cursor, limit int) ([]retention.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []retention.Item
	for _, entry := range s.byEvent {
		if !entry.Timestamp.Before(cutoff) {
			continue
		}
		key := entry.ID.String()
		if entry.Timestamp.Before(after.Timestamp) ||
			(entry.Timestamp.Equal(after.Timestamp) && key <= after.Key) {
			continue
		}
		items = append(items, retention.Item{Key: key, Timestamp: entry.Timestamp})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Timestamp.Equal(items[j].Timestamp) {
			return items[i].Key < items[j].Key
		}
		return items[i].Timestamp.Before(items[j].Timestamp)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) CountExpired(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, entry := range s.byEvent {
		if entry.Timestamp.Before(cutoff) {
			count++
		}
	}
	return count, nil
}

// Len reports the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byEvent)
}
