package sqlite

import (
	"fmt"
	"strings"

	"bboxfill/internal/storage/sqldb"
)

// SQLite caps host parameters at 32766; 5 per row keeps statements well
// below it and small enough for the statement cache.
const maxRowsPerStatement = 500

type dialect struct{}

func (dialect) Name() string { return "sqlite" }

func (dialect) QuoteName(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = sqlIdent(p)
	}
	return strings.Join(parts, ".")
}

func (dialect) SelectPage(t sqldb.Table) string {
	return fmt.Sprintf("SELECT %s, %s FROM %s AS %s ORDER BY %s LIMIT ? OFFSET ?",
		t.Col(t.Key), t.Col(t.Geometry), t.Name, sqldb.Alias, t.Col(t.Key))
}

func (dialect) PageArgs(offset, limit int64) []any { return []any{limit, offset} }

// UpdateFrom uses UPDATE ... FROM (SQLite 3.33+). Columns of a VALUES
// subquery are named column1..columnN.
func (dialect) UpdateFrom(t sqldb.Table, rows int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "UPDATE %s AS tgt SET %s = src.column2, %s = src.column3, %s = src.column4, %s = src.column5 FROM (VALUES ",
		t.Name, t.MinX, t.MaxX, t.MinY, t.MaxY)
	for i := 0; i < rows; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?, ?, ?, ?)")
	}
	fmt.Fprintf(&b, ") AS src WHERE tgt.%s = src.column1", t.Key)
	return b.String()
}

func (dialect) MaxRowsPerStatement() int { return maxRowsPerStatement }

// sqlIdent quotes one identifier segment.
func sqlIdent(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }
