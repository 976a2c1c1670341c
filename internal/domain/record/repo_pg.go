package record

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medxfer/medxfer/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const recordCols = `id, doctor_id, doctor_name, hospital, patient_id, alt_patient_ids,
	diagnosis, prescription, storage_key, transferred_from, created_at, updated_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	err := row.Scan(&r.ID, &r.DoctorID, &r.DoctorName, &r.Hospital, &r.PatientID, &r.AltPatientIDs,
		&r.Diagnosis, &r.Prescription, &r.StorageKey, &r.TransferredFrom, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *repoPG) Create(ctx context.Context, rec *Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO medical_record (id, doctor_id, doctor_name, hospital, patient_id, alt_patient_ids,
			diagnosis, prescription, storage_key, transferred_from)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`,
		rec.ID, rec.DoctorID, rec.DoctorName, rec.Hospital, rec.PatientID, rec.AltPatientIDs,
		rec.Diagnosis, rec.Prescription, rec.StorageKey, rec.TransferredFrom,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	return scanRecord(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+recordCols+` FROM medical_record WHERE id = $1`, id))
}

func (r *repoPG) Update(ctx context.Context, rec *Record) error {
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE medical_record SET patient_id=$2, alt_patient_ids=$3, diagnosis=$4, prescription=$5,
			storage_key=$6, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		rec.ID, rec.PatientID, rec.AltPatientIDs, rec.Diagnosis, rec.Prescription, rec.StorageKey,
	).Scan(&rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *repoPG) ListByHospital(ctx context.Context, hospital string, limit, offset int) ([]*Record, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+recordCols+` FROM medical_record WHERE hospital = $1
		ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, hospital, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
