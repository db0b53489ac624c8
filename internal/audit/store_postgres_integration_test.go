//go:build integration

package audit_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"medicore/internal/audit"
	"medicore/internal/retention"
	"medicore/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *audit.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
	s.store = audit.NewPostgresStore(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	err := s.postgres.TruncateTables(context.Background(),
		"audit_entries", "audit_sequences", "audit_dead_letters")
	s.Require().NoError(err)
}

func testEntry(eventID, patientID string) audit.Entry {
	return audit.Entry{
		EventID:   eventID,
		Action:    audit.ActionConsultationCreated,
		PatientID: patientID,
		ActorID:   "d1",
		Timestamp: time.Now().UTC(),
		Details:   map[string]string{"recordId": "c1"},
	}
}

// TestConcurrentAppendSameEvent verifies that concurrent appends of one event
// ID settle on exactly one stored entry.
func (s *PostgresStoreSuite) TestConcurrentAppendSameEvent() {
	ctx := context.Background()
	const goroutines = 20

	var wg sync.WaitGroup
	results := make(chan audit.Entry, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, err := s.store.Append(ctx, testEntry("evt-contested", "p1"))
			if err == nil {
				results <- entry
			}
		}()
	}
	wg.Wait()
	close(results)

	var first audit.Entry
	count := 0
	for entry := range results {
		if count == 0 {
			first = entry
		} else {
			s.Equal(first.ID, entry.ID, "every caller observes the same stored entry")
			s.Equal(first.Seq, entry.Seq)
		}
		count++
	}
	s.Equal(goroutines, count, "no append may fail outright")

	entries, err := s.store.ListByPatient(ctx, "p1")
	s.Require().NoError(err)
	s.Len(entries, 1)
	s.Equal(int64(1), entries[0].Seq)
}

// TestGaplessSequencesUnderConcurrency appends distinct events for two
// patients concurrently and checks each patient ends with 1..n with no gaps.
func (s *PostgresStoreSuite) TestGaplessSequencesUnderConcurrency() {
	ctx := context.Background()
	const perPatient = 25

	var wg sync.WaitGroup
	for _, patient := range []string{"p1", "p2"} {
		for i := 0; i < perPatient; i++ {
			wg.Add(1)
			go func(patient string, i int) {
				defer wg.Done()
				_, err := s.store.Append(ctx, testEntry(
					fmt.Sprintf("evt-%s-%d", patient, i), patient))
				s.NoError(err)
			}(patient, i)
		}
	}
	wg.Wait()

	for _, patient := range []string{"p1", "p2"} {
		entries, err := s.store.ListByPatient(ctx, patient)
		s.Require().NoError(err)
		s.Require().Len(entries, perPatient)
		for i, entry := range entries {
			s.Equal(int64(i+1), entry.Seq, "patient %s position %d", patient, i)
		}
	}
}

// TestTimestampsNeverDecrease appends entries with skewed wall-clock times
// and checks stored timestamps are non-decreasing in sequence order.
func (s *PostgresStoreSuite) TestTimestampsNeverDecrease() {
	ctx := context.Background()
	now := time.Now().UTC()

	times := []time.Time{now, now.Add(-time.Hour), now.Add(time.Minute)}
	for i, ts := range times {
		entry := testEntry(fmt.Sprintf("evt-%d", i), "p1")
		entry.Timestamp = ts
		_, err := s.store.Append(ctx, entry)
		s.Require().NoError(err)
	}

	entries, err := s.store.ListByPatient(ctx, "p1")
	s.Require().NoError(err)
	s.Require().Len(entries, 3)
	for i := 1; i < len(entries); i++ {
		s.False(entries[i].Timestamp.Before(entries[i-1].Timestamp),
			"timestamp regressed at seq %d", entries[i].Seq)
	}
}

// TestExpiredScanPagination walks ListExpired with a small page size through
// the retention collection adapter and deletes everything past the cutoff.
func (s *PostgresStoreSuite) TestExpiredScanPagination() {
	ctx := context.Background()
	old := time.Now().UTC().Add(-8 * 365 * 24 * time.Hour)
	for i := 0; i < 7; i++ {
		entry := testEntry(fmt.Sprintf("evt-old-%d", i), "p1")
		entry.Timestamp = old.Add(time.Duration(i) * time.Minute)
		_, err := s.store.Append(ctx, entry)
		s.Require().NoError(err)
	}
	fresh := testEntry("evt-fresh", "p1")
	_, err := s.store.Append(ctx, fresh)
	s.Require().NoError(err)

	cutoff := time.Now().UTC().Add(-7 * 365 * 24 * time.Hour)
	count, err := s.store.CountExpired(ctx, cutoff)
	s.Require().NoError(err)
	s.Equal(int64(7), count)

	coll := audit.NewRetentionCollection(s.store)
	var cursor retention.Cursor
	deleted := 0
	for {
		items, err := coll.ListExpired(ctx, cutoff, cursor, 3)
		s.Require().NoError(err)
		if len(items) == 0 {
			break
		}
		for _, item := range items {
			s.Require().NoError(coll.Delete(ctx, item.Key))
			cursor = retention.Cursor{Timestamp: item.Timestamp, Key: item.Key}
			deleted++
		}
	}
	s.Equal(7, deleted)

	remaining, err := s.store.ListByPatient(ctx, "p1")
	s.Require().NoError(err)
	s.Require().Len(remaining, 1)
	s.Equal("evt-fresh", remaining[0].EventID)
}

// TestDeadLetterParkIsIdempotent parks the same event twice and expects one row.
func (s *PostgresStoreSuite) TestDeadLetterParkIsIdempotent() {
	ctx := context.Background()
	letters := audit.NewPostgresDeadLetters(s.postgres.DB)

	letter := audit.DeadLetter{
		EventID:   "evt-1",
		Action:    audit.ActionConsultationCreated,
		PatientID: "p1",
		Cause:     "audit write exhausted retries",
	}
	s.Require().NoError(letters.Park(ctx, letter))
	s.Require().NoError(letters.Park(ctx, letter))

	parked, err := letters.List(ctx, 10)
	s.Require().NoError(err)
	s.Len(parked, 1)
}
