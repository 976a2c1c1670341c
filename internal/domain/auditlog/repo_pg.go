package auditlog

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medxfer/medxfer/internal/platform/db"
)

// chainLockKey is the advisory lock that serializes appends so every entry
// links to the one committed before it.
const chainLockKey = 0x6d6478666572

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const entryCols = `id, sender_hospital, sender_actor, receiver_hospital, source_record_id,
	key_id, status, recorded_at, prev_hash, hash`

// Append links e to the newest entry and inserts it. Outside a transaction it
// opens one so the chain lock is held until the row commits.
func (r *repoPG) Append(ctx context.Context, e *Entry) error {
	if db.TxFromContext(ctx) == nil {
		return db.NewTransactor(r.pool).WithinTx(ctx, func(ctx context.Context) error {
			return r.Append(ctx, e)
		})
	}
	q := db.Conn(ctx, r.pool)
	if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
		return err
	}

	var prev string
	err := q.QueryRow(ctx, `SELECT hash FROM transfer_audit_log ORDER BY seq DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	Link(e, prev, time.Now())

	_, err = q.Exec(ctx, `
		INSERT INTO transfer_audit_log (`+entryCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.ID, e.SenderHospital, e.SenderActor, e.ReceiverHospital, e.SourceRecordID,
		e.KeyID, e.Status, e.Timestamp, e.PrevHash, e.Hash)
	return err
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Entry, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+entryCols+` FROM transfer_audit_log
		ORDER BY seq DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.SenderHospital, &e.SenderActor, &e.ReceiverHospital,
			&e.SourceRecordID, &e.KeyID, &e.Status, &e.Timestamp, &e.PrevHash, &e.Hash); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
