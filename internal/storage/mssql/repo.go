// Package mssql implements a Microsoft SQL Server storage.Repository using
// database/sql and github.com/microsoft/go-mssqldb. A batch is written in one
// transaction as UPDATE ... FROM ... JOIN (VALUES ...) statements.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/microsoft/go-mssqldb/msdsn"

	"bboxfill/internal/storage"
	"bboxfill/internal/storage/sqldb"
)

// SQL Server accepts at most 2100 parameters per request.
const maxRowsPerStatement = 400

// Config holds MSSQL repository configuration.
type Config struct {
	DSN   string
	Table string

	KeyColumn      string
	GeometryColumn string
	Bounds         storage.BoundsColumns
}

// Repository is an MSSQL-backed implementation of storage.Repository.
type Repository struct {
	*sqldb.Repository
}

// NewRepository constructs a Repository and returns a Close function for cleanup.
func NewRepository(ctx context.Context, cfg Config) (*Repository, func(), error) {
	// Validate DSN early to fail fast on obvious mistakes.
	if _, err := msdsn.Parse(cfg.DSN); err != nil {
		return nil, nil, fmt.Errorf("mssql dsn: %w", err)
	}
	conn, err := mssql.NewConnector(cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("mssql connector: %w", err)
	}
	db := sql.OpenDB(conn)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping: %w", err)
	}
	closeFn := func() { _ = db.Close() }
	return &Repository{Repository: sqldb.New(db, dialect{}, storage.Config{
		Kind:           "mssql",
		DSN:            cfg.DSN,
		Table:          cfg.Table,
		KeyColumn:      cfg.KeyColumn,
		GeometryColumn: cfg.GeometryColumn,
		Bounds:         cfg.Bounds,
	})}, closeFn, nil
}

type dialect struct{}

func (dialect) Name() string                 { return "mssql" }
func (dialect) QuoteName(name string) string { return msFQN(name) }

func (dialect) SelectPage(t sqldb.Table) string {
	return fmt.Sprintf("SELECT %s, %s FROM %s AS %s ORDER BY %s OFFSET @p1 ROWS FETCH NEXT @p2 ROWS ONLY",
		t.Col(t.Key), t.Col(t.Geometry), t.Name, sqldb.Alias, t.Col(t.Key))
}

func (dialect) PageArgs(offset, limit int64) []any { return []any{offset, limit} }

func (dialect) UpdateFrom(t sqldb.Table, rows int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "UPDATE T SET T.%s = S.min_x, T.%s = S.max_x, T.%s = S.min_y, T.%s = S.max_y FROM %s AS T JOIN (VALUES ",
		t.MinX, t.MaxX, t.MinY, t.MaxY, t.Name)
	p := 1
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "(@p%d, @p%d, @p%d, @p%d, @p%d)", p, p+1, p+2, p+3, p+4)
		p += 5
	}
	fmt.Fprintf(&b, ") AS S(k, min_x, max_x, min_y, max_y) ON T.%s = S.k", t.Key)
	return b.String()
}

func (dialect) MaxRowsPerStatement() int { return maxRowsPerStatement }

// msIdent safely quotes a SQL Server identifier using [brackets], escaping ].
func msIdent(id string) string { return `[` + strings.ReplaceAll(id, `]`, `]]`) + `]` }

// msFQN quotes a possibly schema-qualified name like "dbo.parcels" to
// "[dbo].[parcels]". If no dot is present, returns a single quoted ident.
func msFQN(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = msIdent(p)
	}
	return strings.Join(parts, ".")
}
