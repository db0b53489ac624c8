package records

import (
	"context"
	"sort"
	"sync"

	"medicore/internal/domain"
	"medicore/pkg/platform/sentinel"
)

// MemoryStore is an in-memory clinical store for tests.
type MemoryStore struct {
	mu       sync.RWMutex
	patients map[string]domain.Patient
	records  map[string]domain.ClinicalRecord

	// failing simulates an unreachable store for retryability tests.
	failing bool
}

// NewMemoryStore constructs an empty in-memory clinical store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		patients: make(map[string]domain.Patient),
		records:  make(map[string]domain.ClinicalRecord),
	}
}

// PutPatient seeds a patient.
func (s *MemoryStore) PutPatient(p domain.Patient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[p.ID] = p
}

// PutRecord seeds a clinical record.
func (s *MemoryStore) PutRecord(r domain.ClinicalRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = r
}

// SetFailing toggles simulated store unavailability.
func (s *MemoryStore) SetFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

func (s *MemoryStore) GetPatient(_ context.Context, patientID string) (*domain.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failing {
		return nil, sentinel.ErrUnavailable
	}
	p, ok := s.patients[patientID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &p, nil
}

func (s *MemoryStore) GetRecord(_ context.Context, recordID string) (*domain.ClinicalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failing {
		return nil, sentinel.ErrUnavailable
	}
	r, ok := s.records[recordID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &r, nil
}

func (s *MemoryStore) SetValidity(_ context.Context, recordID string, validity domain.Validity, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return sentinel.ErrUnavailable
	}
	r, ok := s.records[recordID]
	if !ok {
		return sentinel.ErrNotFound
	}
	switch validity {
	case domain.ValidityValid:
		if r.Validity == domain.ValidityPending {
			r.Validity = domain.ValidityValid
			r.QuarantineReason = ""
		}
	case domain.ValidityQuarantined:
		if r.Validity != domain.ValidityQuarantined {
			r.Validity = domain.ValidityQuarantined
			r.QuarantineReason = reason
		}
	}
	s.records[recordID] = r
	return nil
}

func (s *MemoryStore) ListQuarantined(_ context.Context, limit int) ([]domain.ClinicalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ClinicalRecord
	for _, r := range s.records {
		if r.Validity == domain.ValidityQuarantined {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
