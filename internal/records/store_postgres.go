package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"medicore/internal/domain"
	"medicore/pkg/platform/sentinel"
)

// PostgresStore reads and updates clinical rows in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore constructs a PostgreSQL-backed clinical store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetPatient(ctx context.Context, patientID string) (*domain.Patient, error) {
	query := `
		SELECT id, name, email, phone, assigned_doctor_id, status
		FROM patients
		WHERE id = $1
	`
	var p domain.Patient
	err := s.db.QueryRowContext(ctx, query, patientID).Scan(
		&p.ID, &p.Name, &p.Email, &p.Phone, &p.AssignedDoctorID, &p.Status,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query patient: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, recordID string) (*domain.ClinicalRecord, error) {
	query := `
		SELECT id, patient_id, doctor_id, kind, diagnostic, medication,
		       validity, quarantine_reason, created_at
		FROM clinical_records
		WHERE id = $1
	`
	var r domain.ClinicalRecord
	err := s.db.QueryRowContext(ctx, query, recordID).Scan(
		&r.ID, &r.PatientID, &r.DoctorID, &r.Kind, &r.Diagnostic, &r.Medication,
		&r.Validity, &r.QuarantineReason, &r.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query clinical record: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) SetValidity(ctx context.Context, recordID string, validity domain.Validity, reason string) error {
	var result sql.Result
	var err error
	switch validity {
	case domain.ValidityValid:
		result, err = s.db.ExecContext(ctx, `
			UPDATE clinical_records
			SET validity = 'valid', quarantine_reason = ''
			WHERE id = $1 AND validity = 'pending'
		`, recordID)
	case domain.ValidityQuarantined:
		result, err = s.db.ExecContext(ctx, `
			UPDATE clinical_records
			SET validity = 'quarantined', quarantine_reason = $2
			WHERE id = $1 AND validity <> 'quarantined'
		`, recordID, reason)
	default:
		return fmt.Errorf("set validity: unsupported target state %q", validity)
	}
	if err != nil {
		return fmt.Errorf("update record validity: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update record validity: %w", err)
	}
	if affected > 0 {
		return nil
	}

	// No row moved: either the record is missing or it already reached a
	// state this transition does not apply to. The latter is the idempotent
	// redelivery case and must succeed.
	if _, err := s.GetRecord(ctx, recordID); err != nil {
		return err
	}
	return nil
}

func (s *PostgresStore) ListQuarantined(ctx context.Context, limit int) ([]domain.ClinicalRecord, error) {
	query := `
		SELECT id, patient_id, doctor_id, kind, diagnostic, medication,
		       validity, quarantine_reason, created_at
		FROM clinical_records
		WHERE validity = 'quarantined'
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query quarantined records: %w", err)
	}
	defer rows.Close()

	var out []domain.ClinicalRecord
	for rows.Next() {
		var r domain.ClinicalRecord
		if err := rows.Scan(
			&r.ID, &r.PatientID, &r.DoctorID, &r.Kind, &r.Diagnostic, &r.Medication,
			&r.Validity, &r.QuarantineReason, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan quarantined record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate quarantined records: %w", err)
	}
	return out, nil
}
