// Package postgres implements a Postgres repository using pgx v5. A batch is
// written by COPYing the bounds into a transaction-scoped temporary table and
// applying them with a single UPDATE ... FROM.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"bboxfill/internal/storage"
)

const stageTable = "bbox_stage"

var stageColumns = []string{"k", "min_x", "max_x", "min_y", "max_y"}

// Config holds Postgres repository configuration.
type Config struct {
	DSN   string // connection string for pgxpool
	Table string // possibly schema-qualified, e.g. "public.parcels"

	KeyColumn      string
	GeometryColumn string
	Bounds         storage.BoundsColumns
}

// Repository is a Postgres-backed implementation of storage.Repository.
type Repository struct {
	pool *pgxpool.Pool
	cfg  Config
}

// NewRepository constructs a Repository and returns a Close function for cleanup.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("postgres ping: %w", err)
	}
	closeFn := func() { pool.Close() }
	return &Repository{pool: pool, cfg: cfg}, closeFn, nil
}

// Count implements storage.Repository.
func (r *Repository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM "+pgFQN(r.cfg.Table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count: %w", err)
	}
	return n, nil
}

// CheckSchema implements storage.Repository.
func (r *Repository) CheckSchema(ctx context.Context) error {
	rows, err := r.pool.Query(ctx, checkSchemaSQL(r.cfg))
	if err == nil {
		rows.Close()
		err = rows.Err()
	}
	if err != nil {
		return fmt.Errorf("postgres: %w: %v", storage.ErrSchemaMismatch, err)
	}
	return nil
}

// ReadChunk implements storage.Repository. The geometry column is cast to
// text so json, jsonb and text columns read alike.
func (r *Repository) ReadChunk(ctx context.Context, offset, limit int64) ([]storage.Row, error) {
	rows, err := r.pool.Query(ctx, selectPageSQL(r.cfg), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: read offset=%d: %w", offset, err)
	}
	defer rows.Close()

	out := make([]storage.Row, 0, limit)
	for rows.Next() {
		var (
			id any
			g  *string
		)
		if err := rows.Scan(&id, &g); err != nil {
			return nil, fmt.Errorf("postgres: scan offset=%d: %w", offset, err)
		}
		row := storage.Row{ID: storage.NormalizeKey(id), Null: g == nil}
		if g != nil {
			row.Geometry = []byte(*g)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: read offset=%d: %w", offset, err)
	}
	return out, nil
}

// ApplyBounds implements storage.Repository: COPY into an ON COMMIT DROP
// staging table, then one UPDATE ... FROM, all inside one transaction.
func (r *Repository) ApplyBounds(ctx context.Context, updates []storage.BoundsUpdate) (int64, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: begin tx: %w", err)
	}
	rollback := func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }

	if _, err := tx.Exec(ctx, createStageSQL(r.cfg)); err != nil {
		rollback()
		return 0, fmt.Errorf("postgres: create stage: %w", err)
	}

	src := pgx.CopyFromSlice(len(updates), func(i int) ([]any, error) {
		a := updates[i].Args()
		return a[:], nil
	})
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{stageTable}, stageColumns, src); err != nil {
		rollback()
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Detail != "" {
			return 0, fmt.Errorf("postgres: copy into stage: %s (%s): %w", pgErr.Detail, pgErr.SQLState(), err)
		}
		return 0, fmt.Errorf("postgres: copy into stage: %w", err)
	}

	tag, err := tx.Exec(ctx, updateFromStageSQL(r.cfg))
	if err != nil {
		rollback()
		return 0, fmt.Errorf("postgres: update: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres: commit: %w", err)
	}
	return tag.RowsAffected(), nil
}

func checkSchemaSQL(cfg Config) string {
	b := cfg.Bounds
	return fmt.Sprintf("SELECT %s FROM %s WHERE false",
		strings.Join(mapIdent([]string{cfg.KeyColumn, cfg.GeometryColumn, b.MinX, b.MaxX, b.MinY, b.MaxY}), ", "),
		pgFQN(cfg.Table))
}

func selectPageSQL(cfg Config) string {
	key := pgIdent(cfg.KeyColumn)
	return fmt.Sprintf("SELECT %s, %s::text FROM %s ORDER BY %s LIMIT $1 OFFSET $2",
		key, pgIdent(cfg.GeometryColumn), pgFQN(cfg.Table), key)
}

// createStageSQL creates the staging table with the key and bound column
// types of the target table.
func createStageSQL(cfg Config) string {
	b := cfg.Bounds
	return fmt.Sprintf(
		"CREATE TEMP TABLE %s ON COMMIT DROP AS SELECT %s AS k, %s AS min_x, %s AS max_x, %s AS min_y, %s AS max_y FROM %s WITH NO DATA",
		pgIdent(stageTable), pgIdent(cfg.KeyColumn),
		pgIdent(b.MinX), pgIdent(b.MaxX), pgIdent(b.MinY), pgIdent(b.MaxY), pgFQN(cfg.Table),
	)
}

func updateFromStageSQL(cfg Config) string {
	b := cfg.Bounds
	return fmt.Sprintf(
		"UPDATE %s AS t SET %s = s.min_x, %s = s.max_x, %s = s.min_y, %s = s.max_y FROM %s AS s WHERE t.%s = s.k",
		pgFQN(cfg.Table), pgIdent(b.MinX), pgIdent(b.MaxX), pgIdent(b.MinY), pgIdent(b.MaxY),
		pgIdent(stageTable), pgIdent(cfg.KeyColumn),
	)
}

// pgIdent safely quotes a single identifier segment for Postgres.
func pgIdent(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }

// pgFQN quotes a possibly schema-qualified name like "public.parcels" to
// "public"."parcels". If no dot is present, returns a single quoted ident.
func pgFQN(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = pgIdent(p)
	}
	return strings.Join(parts, ".")
}

// mapIdent maps a list of column names to their quoted forms.
func mapIdent(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgIdent(c)
	}
	return out
}
