package mysql

import (
	"fmt"
	"strings"

	"bboxfill/internal/storage/sqldb"
)

// Placeholders per prepared statement are capped at 65535.
const maxRowsPerStatement = 10000

type dialect struct{}

func (dialect) Name() string { return "mysql" }

func (dialect) QuoteName(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = myIdent(p)
	}
	return strings.Join(parts, ".")
}

func (dialect) SelectPage(t sqldb.Table) string {
	return fmt.Sprintf("SELECT %s, %s FROM %s AS %s ORDER BY %s LIMIT ? OFFSET ?",
		t.Col(t.Key), t.Col(t.Geometry), t.Name, sqldb.Alias, t.Col(t.Key))
}

func (dialect) PageArgs(offset, limit int64) []any { return []any{limit, offset} }

// UpdateFrom joins the target against a derived table of UNION ALL rows.
func (dialect) UpdateFrom(t sqldb.Table, rows int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "UPDATE %s AS T JOIN (", t.Name)
	for i := 0; i < rows; i++ {
		if i == 0 {
			b.WriteString("SELECT ? AS k, ? AS min_x, ? AS max_x, ? AS min_y, ? AS max_y")
			continue
		}
		b.WriteString(" UNION ALL SELECT ?, ?, ?, ?, ?")
	}
	fmt.Fprintf(&b, ") AS S ON T.%s = S.k SET T.%s = S.min_x, T.%s = S.max_x, T.%s = S.min_y, T.%s = S.max_y",
		t.Key, t.MinX, t.MaxX, t.MinY, t.MaxY)
	return b.String()
}

func (dialect) MaxRowsPerStatement() int { return maxRowsPerStatement }

// myIdent quotes one identifier segment with backticks.
func myIdent(id string) string { return "`" + strings.ReplaceAll(id, "`", "``") + "`" }
