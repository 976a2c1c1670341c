package mailbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medxfer/medxfer/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const entryCols = `id, destination_hospital_id, destination_hospital, sender_hospital, source_record_id,
	patient_id, alt_patient_ids, diagnosis, prescription, signature, key_id, status, received_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.DestinationHospitalID, &e.DestinationHospital, &e.SenderHospital,
		&e.SourceRecordID, &e.PatientID, &e.AltPatientIDs, &e.Diagnosis, &e.Prescription,
		&e.Signature, &e.KeyID, &e.Status, &e.ReceivedAt)
	return &e, err
}

func (r *repoPG) ListInbox(ctx context.Context, hospitalID uuid.UUID, limit, offset int) ([]*Entry, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+entryCols+` FROM mailbox_entry
		WHERE destination_hospital_id = $1
		ORDER BY received_at DESC, id
		LIMIT $2 OFFSET $3`, hospitalID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *repoPG) GetByID(ctx context.Context, hospitalID, entryID uuid.UUID) (*Entry, error) {
	e, err := scanEntry(db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+entryCols+` FROM mailbox_entry
		WHERE destination_hospital_id = $1 AND id = $2`, hospitalID, entryID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (r *repoPG) FindBySignature(ctx context.Context, hospitalID, sourceRecordID uuid.UUID, signature string) (*Entry, error) {
	e, err := scanEntry(db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+entryCols+` FROM mailbox_entry
		WHERE destination_hospital_id = $1 AND source_record_id = $2 AND signature = $3`,
		hospitalID, sourceRecordID, signature))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (r *repoPG) Insert(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = StatusLocked
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO mailbox_entry (id, destination_hospital_id, destination_hospital, sender_hospital,
			source_record_id, patient_id, alt_patient_ids, diagnosis, prescription, signature, key_id, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING received_at`,
		e.ID, e.DestinationHospitalID, e.DestinationHospital, e.SenderHospital,
		e.SourceRecordID, e.PatientID, e.AltPatientIDs, e.Diagnosis, e.Prescription,
		e.Signature, e.KeyID, e.Status,
	).Scan(&e.ReceivedAt)
	if db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: record %s", ErrDuplicate, e.SourceRecordID)
	}
	return err
}

func (r *repoPG) MarkUnlocked(ctx context.Context, hospitalID, entryID uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE mailbox_entry SET status = $3
		WHERE destination_hospital_id = $1 AND id = $2`,
		hospitalID, entryID, StatusUnlocked)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) Remove(ctx context.Context, hospitalID, entryID uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		DELETE FROM mailbox_entry WHERE destination_hospital_id = $1 AND id = $2`,
		hospitalID, entryID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) ClaimForAcceptance(ctx context.Context, hospitalID, entryID uuid.UUID) (*Entry, error) {
	if db.TxFromContext(ctx) == nil {
		return nil, fmt.Errorf("claim mailbox entry %s: no transaction in context", entryID)
	}
	e, err := scanEntry(db.Conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+entryCols+` FROM mailbox_entry
		WHERE destination_hospital_id = $1 AND id = $2
		FOR UPDATE`, hospitalID, entryID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}
