package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/parimutuel-engine/internal/address"
	"github.com/atmx/parimutuel-engine/internal/model"
)

// Schema creates the records table. Bodies are JSONB; local ids are stored
// as BIGINT and must stay within the int64 range.
const Schema = `
CREATE TABLE IF NOT EXISTS records (
	address  BYTEA  PRIMARY KEY,
	kind     TEXT   NOT NULL,
	parent   BYTEA  NOT NULL,
	local_id BIGINT NOT NULL,
	revision BIGINT NOT NULL,
	data     JSONB  NOT NULL
);
CREATE INDEX IF NOT EXISTS records_children_idx ON records (kind, parent, local_id);
`

// PostgresBackend implements Backend using PostgreSQL as the source of
// truth. Apply runs in one transaction with per-row revision checks.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend creates a new PostgreSQL-backed backend.
func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (p *PostgresBackend) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

func (p *PostgresBackend) Load(ctx context.Context, addr address.Address) (*Record, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT address, kind, parent, local_id, revision, data
		 FROM records WHERE address = $1`, addr[:])
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", model.ErrNotFound, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load %s: %w", addr, err)
	}
	return rec, nil
}

func (p *PostgresBackend) List(ctx context.Context, kind address.Kind, parent address.Address) ([]Record, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT address, kind, parent, local_id, revision, data
		 FROM records WHERE kind = $1 AND parent = $2 ORDER BY local_id`,
		string(kind), parent[:])
	if err != nil {
		return nil, fmt.Errorf("postgres: list %s: %w", kind, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: list %s: %w", kind, err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (p *PostgresBackend) Apply(ctx context.Context, writes []Write) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, w := range writes {
		sql, args := writeStatement(w)
		tag, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return fmt.Errorf("postgres: write %s %s: %w", w.Kind, w.Address, err)
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("%w: %s %s at revision %d", model.ErrConflict, w.Kind, w.Address, w.Revision)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// writeStatement builds the conditional statement for one write. Each
// statement affects exactly one row when its revision precondition holds.
func writeStatement(w Write) (string, []any) {
	switch {
	case w.Delete:
		return `DELETE FROM records WHERE address = $1 AND revision = $2`,
			[]any{w.Address[:], w.Revision}
	case w.Revision == 0:
		return `INSERT INTO records (address, kind, parent, local_id, revision, data)
			 VALUES ($1, $2, $3, $4, 1, $5)
			 ON CONFLICT (address) DO NOTHING`,
			[]any{w.Address[:], string(w.Kind), w.Parent[:], int64(w.LocalID), w.Data}
	default:
		return `UPDATE records SET data = $3, revision = revision + 1
			 WHERE address = $1 AND revision = $2`,
			[]any{w.Address[:], w.Revision, w.Data}
	}
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec          Record
		addr, parent []byte
		kind         string
		localID      int64
	)
	if err := row.Scan(&addr, &kind, &parent, &localID, &rec.Revision, &rec.Data); err != nil {
		return nil, err
	}
	if len(addr) != len(rec.Address) || len(parent) != len(rec.Parent) {
		return nil, errors.New("malformed address column")
	}
	copy(rec.Address[:], addr)
	copy(rec.Parent[:], parent)
	rec.Kind = address.Kind(kind)
	rec.LocalID = uint64(localID)
	return &rec, nil
}
