// Package sqldb implements storage.Repository on top of database/sql. Backends
// that speak database/sql (MySQL, MSSQL, SQLite) supply a Dialect that renders
// their flavor of quoting, paging and grouped UPDATE; everything else (row
// scanning, transactions, statement chunking) lives here.
package sqldb

import (
	"context"
	"database/sql"
	"fmt"

	"bboxfill/internal/storage"
)

// Table holds the quoted identifiers of the target table and its columns.
type Table struct {
	Name     string
	Key      string
	Geometry string
	MinX     string
	MaxX     string
	MinY     string
	MaxY     string
}

// Alias is the table alias used by reads. SQLite reads an unqualified
// double-quoted name that matches no column as a string literal; a qualified
// reference fails instead.
const Alias = "t"

// Col qualifies the quoted column c with Alias.
func (t Table) Col(c string) string { return Alias + "." + c }

// Dialect renders backend-specific SQL.
type Dialect interface {
	// Name is the storage kind, used in error messages.
	Name() string
	// QuoteName quotes an identifier that may be schema-qualified.
	QuoteName(name string) string
	// SelectPage returns a query selecting (key, geometry) ordered by key,
	// with the table aliased as Alias and every column qualified by it.
	// Its bind arguments are PageArgs(offset, limit).
	SelectPage(t Table) string
	PageArgs(offset, limit int64) []any
	// UpdateFrom returns a single statement updating rows rows. Its bind
	// arguments are the concatenated BoundsUpdate.Args of each row.
	UpdateFrom(t Table, rows int) string
	// MaxRowsPerStatement bounds rows per UpdateFrom statement.
	MaxRowsPerStatement() int
}

// Repository is a database/sql backed storage.Repository.
type Repository struct {
	db    *sql.DB
	d     Dialect
	table Table
}

var _ storage.Repository = (*Repository)(nil)

// New wraps an open *sql.DB. Close closes db.
func New(db *sql.DB, d Dialect, cfg storage.Config) *Repository {
	return &Repository{db: db, d: d, table: QuoteTable(d, cfg)}
}

// QuoteTable quotes the table and column names of cfg using d.
func QuoteTable(d Dialect, cfg storage.Config) Table {
	return Table{
		Name:     d.QuoteName(cfg.Table),
		Key:      d.QuoteName(cfg.KeyColumn),
		Geometry: d.QuoteName(cfg.GeometryColumn),
		MinX:     d.QuoteName(cfg.Bounds.MinX),
		MaxX:     d.QuoteName(cfg.Bounds.MaxX),
		MinY:     d.QuoteName(cfg.Bounds.MinY),
		MaxY:     d.QuoteName(cfg.Bounds.MaxY),
	}
}

// DB exposes the underlying handle.
func (r *Repository) DB() *sql.DB { return r.db }

// Close closes the connection pool.
func (r *Repository) Close() { _ = r.db.Close() }

// Count implements storage.Repository.
func (r *Repository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+r.table.Name).Scan(&n); err != nil {
		return 0, fmt.Errorf("%s: count: %w", r.d.Name(), err)
	}
	return n, nil
}

// CheckSchema implements storage.Repository by selecting every required
// column from an empty result set.
func (r *Repository) CheckSchema(ctx context.Context) error {
	t := r.table
	q := fmt.Sprintf("SELECT %s, %s, %s, %s, %s, %s FROM %s AS %s WHERE 1=0",
		t.Col(t.Key), t.Col(t.Geometry), t.Col(t.MinX), t.Col(t.MaxX), t.Col(t.MinY), t.Col(t.MaxY), t.Name, Alias)
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", r.d.Name(), storage.ErrSchemaMismatch, err)
	}
	return rows.Close()
}

// ReadChunk implements storage.Repository.
func (r *Repository) ReadChunk(ctx context.Context, offset, limit int64) ([]storage.Row, error) {
	rows, err := r.db.QueryContext(ctx, r.d.SelectPage(r.table), r.d.PageArgs(offset, limit)...)
	if err != nil {
		return nil, fmt.Errorf("%s: read offset=%d: %w", r.d.Name(), offset, err)
	}
	defer rows.Close()

	out := make([]storage.Row, 0, limit)
	for rows.Next() {
		var (
			id any
			g  []byte
		)
		if err := rows.Scan(&id, &g); err != nil {
			return nil, fmt.Errorf("%s: scan offset=%d: %w", r.d.Name(), offset, err)
		}
		out = append(out, storage.Row{ID: storage.NormalizeKey(id), Geometry: g, Null: g == nil})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: read offset=%d: %w", r.d.Name(), offset, err)
	}
	return out, nil
}

// ApplyBounds implements storage.Repository. All statements for the batch run
// in one transaction.
func (r *Repository) ApplyBounds(ctx context.Context, updates []storage.BoundsUpdate) (int64, error) {
	if len(updates) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%s: begin tx: %w", r.d.Name(), err)
	}
	rollback := func() { _ = tx.Rollback() }

	var affected int64
	for _, part := range storage.Split(updates, r.d.MaxRowsPerStatement()) {
		args := make([]any, 0, len(part)*5)
		for _, u := range part {
			a := u.Args()
			args = append(args, a[:]...)
		}
		res, err := tx.ExecContext(ctx, r.d.UpdateFrom(r.table, len(part)), args...)
		if err != nil {
			rollback()
			return 0, fmt.Errorf("%s: update: %w", r.d.Name(), err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			rollback()
			return 0, fmt.Errorf("%s: rows affected: %w", r.d.Name(), err)
		}
		affected += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%s: commit: %w", r.d.Name(), err)
	}
	return affected, nil
}
