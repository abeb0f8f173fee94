package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists records in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS claim_records (
    id BIGSERIAL PRIMARY KEY,
    identity TEXT NOT NULL,
    address TEXT NOT NULL,
    claimed_at TIMESTAMPTZ NOT NULL,
    tx_ref TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS claim_records_address_idx ON claim_records (address, claimed_at DESC);
CREATE INDEX IF NOT EXISTS claim_records_identity_idx ON claim_records (identity, claimed_at);
`

// NewPostgresStore connects to Postgres using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) LastClaimByAddress(ctx context.Context, address string) (time.Time, bool, error) {
	row := p.pool.QueryRow(ctx, `
SELECT claimed_at
FROM claim_records
WHERE address = $1
ORDER BY claimed_at DESC
LIMIT 1
`, address)

	var ts time.Time
	if err := row.Scan(&ts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return ts, true, nil
}

func (p *PostgresStore) RecentClaimsByIdentity(ctx context.Context, identity string, since time.Time) ([]Record, error) {
	rows, err := p.pool.Query(ctx, `
SELECT identity, address, claimed_at, tx_ref
FROM claim_records
WHERE identity = $1 AND claimed_at > $2
ORDER BY claimed_at ASC
`, identity, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Identity, &rec.Address, &rec.ClaimedAt, &rec.TxRef); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Append(ctx context.Context, rec Record) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO claim_records (identity, address, claimed_at, tx_ref)
VALUES ($1, $2, $3, $4)
`, rec.Identity, rec.Address, rec.ClaimedAt, rec.TxRef)
	return err
}
