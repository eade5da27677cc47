package pipeline

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bboxfill/internal/sink"
	"bboxfill/internal/storage"
	"bboxfill/internal/storage/sqlite"
)

// newSQLiteTable creates a parcels table holding payloads keyed 1..n, with
// every bound column preset to -999.
func newSQLiteTable(t *testing.T, payloads ...string) (*sqlite.Repository, *sql.DB) {
	t.Helper()
	return newSQLiteTableReadingColumn(t, "geometry", payloads...)
}

// newSQLiteTableReadingColumn is newSQLiteTable with the repository reading
// geometries from geomCol.
func newSQLiteTableReadingColumn(t *testing.T, geomCol string, payloads ...string) (*sqlite.Repository, *sql.DB) {
	t.Helper()
	repo, closeFn, err := sqlite.NewRepository(context.Background(), sqlite.Config{
		DSN:            filepath.Join(t.TempDir(), "parcels.db"),
		Table:          "parcels",
		KeyColumn:      "shapeid",
		GeometryColumn: geomCol,
		Bounds:         storage.BoundsColumns{MinX: "minX", MaxX: "maxX", MinY: "minY", MaxY: "maxY"},
	})
	require.NoError(t, err)
	t.Cleanup(closeFn)

	db := repo.DB()
	_, err = db.Exec(`CREATE TABLE parcels (
		shapeid INTEGER PRIMARY KEY,
		geometry TEXT,
		"minX" REAL DEFAULT -999, "maxX" REAL DEFAULT -999,
		"minY" REAL DEFAULT -999, "maxY" REAL DEFAULT -999)`)
	require.NoError(t, err)
	for i, p := range payloads {
		_, err := db.Exec(`INSERT INTO parcels (shapeid, geometry) VALUES (?, ?)`, i+1, p)
		require.NoError(t, err)
	}
	return repo, db
}

func readBounds(t *testing.T, db *sql.DB, key int) [4]sql.NullFloat64 {
	t.Helper()
	var b [4]sql.NullFloat64
	require.NoError(t, db.QueryRow(`SELECT "minX", "maxX", "minY", "maxY" FROM parcels WHERE shapeid = ?`, key).
		Scan(&b[0], &b[1], &b[2], &b[3]))
	return b
}

func nf(v float64) sql.NullFloat64 { return sql.NullFloat64{Float64: v, Valid: true} }

func TestEndToEnd_ThreeRowsPageTwo(t *testing.T) {
	repo, db := newSQLiteTable(t,
		`{"type":"Polygon","coordinates":[[[0,0],[2,0],[2,2],[0,2],[0,0]]]}`,
		`{"type":"MultiPolygon","coordinates":[[[[1,1],[3,1],[3,4],[1,1]]],[[[-5,2],[-4,2],[-4,9],[-5,2]]]]}`,
		`{"type":"Polygon","coordinates":[[[0,0],[1,`,
	)

	logPath := filepath.Join(t.TempDir(), "errors.log")
	elog, err := sink.OpenErrorLog(logPath, sink.ErrorLogOptions{RunID: "01TEST", Job: "e2e", DetailLimit: 100})
	require.NoError(t, err)

	opts := Options{Job: "e2e", ChunkSize: 2, Workers: 2, MaxRetries: 1, Policy: storage.Skip}
	p, err := New(repo, opts, elog, nil, zerolog.Nop())
	require.NoError(t, err)

	sum, err := p.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, elog.Close())

	assert.Equal(t, StateDone, sum.State)
	assert.Equal(t, int64(2), sum.Batches)
	assert.Equal(t, int64(3), sum.Read)
	assert.Equal(t, int64(2), sum.Resolved)
	assert.Equal(t, int64(2), sum.Written)
	assert.Equal(t, int64(1), sum.Unresolved)

	assert.Equal(t, [4]sql.NullFloat64{nf(0), nf(2), nf(0), nf(2)}, readBounds(t, db, 1))
	assert.Equal(t, [4]sql.NullFloat64{nf(-5), nf(3), nf(1), nf(9)}, readBounds(t, db, 2))
	assert.Equal(t, [4]sql.NullFloat64{nf(-999), nf(-999), nf(-999), nf(-999)}, readBounds(t, db, 3),
		"skipped rows are left untouched")

	b, err := os.ReadFile(logPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 3, "header, failure line, payload line")
	assert.True(t, strings.HasPrefix(lines[0], "# run 01TEST job=e2e"))
	assert.Contains(t, lines[1], "[ID 3]")
}

func TestEndToEnd_WriteNullClearsUnresolved(t *testing.T) {
	repo, db := newSQLiteTable(t, `{"type":"Point","coordinates":[1,2]}`)

	p, err := New(repo, Options{Job: "e2e", ChunkSize: 10}, &memSink{}, nil, zerolog.Nop())
	require.NoError(t, err)

	sum, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Written)
	assert.Equal(t, [4]sql.NullFloat64{}, readBounds(t, db, 1))
}

func TestEndToEnd_FailedBatchIsRolledBack(t *testing.T) {
	payloads := make([]string, 6)
	for i := range payloads {
		payloads[i] = square
	}
	repo, db := newSQLiteTable(t, payloads...)
	_, err := db.Exec(`CREATE TRIGGER reject_five BEFORE UPDATE ON parcels
		WHEN NEW.shapeid = 5 BEGIN SELECT RAISE(ABORT, 'row 5 is locked'); END`)
	require.NoError(t, err)

	opts := Options{Job: "e2e", ChunkSize: 2, Workers: 1, MaxRetries: 0}
	p, err := New(repo, opts, &memSink{}, nil, zerolog.Nop())
	require.NoError(t, err)

	sum, err := p.Run(context.Background())
	var rf *RunFailure
	require.ErrorAs(t, err, &rf)
	assert.Equal(t, PhaseWrite, rf.Phase)
	assert.Equal(t, int64(4), rf.Offset)
	assert.Equal(t, StateFailed, sum.State)
	assert.Equal(t, int64(4), sum.Offset)

	for key := 1; key <= 4; key++ {
		assert.Equal(t, [4]sql.NullFloat64{nf(0), nf(2), nf(0), nf(2)}, readBounds(t, db, key), "key %d", key)
	}
	for key := 5; key <= 6; key++ {
		assert.Equal(t, nf(-999), readBounds(t, db, key)[0], "key %d must be untouched", key)
	}
}

func TestEndToEnd_MisspelledGeometryColumnFailsSchemaCheck(t *testing.T) {
	repo, db := newSQLiteTableReadingColumn(t, "geom", square)

	sink := &memSink{}
	p, err := New(repo, Options{Job: "e2e", ChunkSize: 10}, sink, nil, zerolog.Nop())
	require.NoError(t, err)

	sum, err := p.Run(context.Background())
	var rf *RunFailure
	require.ErrorAs(t, err, &rf)
	assert.Equal(t, PhaseSchema, rf.Phase)
	assert.ErrorIs(t, err, storage.ErrSchemaMismatch)
	assert.Equal(t, StateFailed, sum.State)
	assert.Zero(t, sum.Read)
	assert.Empty(t, sink.failures)
	assert.Equal(t, [4]sql.NullFloat64{nf(-999), nf(-999), nf(-999), nf(-999)}, readBounds(t, db, 1))
}

// errorLogOnCommit reads the error log each time a batch is reported.
type errorLogOnCommit struct {
	t    *testing.T
	path string
	seen []string
}

func (e *errorLogOnCommit) Start(int64, int64) {}
func (e *errorLogOnCommit) Finish()            {}
func (e *errorLogOnCommit) Advance(int, int64) {
	b, err := os.ReadFile(e.path)
	require.NoError(e.t, err)
	e.seen = append(e.seen, string(b))
}

func TestEndToEnd_ErrorLogIsOnDiskWhenBatchCommits(t *testing.T) {
	repo, _ := newSQLiteTable(t, "not json", square, "{")

	logPath := filepath.Join(t.TempDir(), "errors.log")
	elog, err := sink.OpenErrorLog(logPath, sink.ErrorLogOptions{RunID: "01TEST", Job: "e2e", DetailLimit: 100})
	require.NoError(t, err)
	defer elog.Close()

	prog := &errorLogOnCommit{t: t, path: logPath}
	p, err := New(repo, Options{Job: "e2e", ChunkSize: 1}, elog, prog, zerolog.Nop())
	require.NoError(t, err)

	sum, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDone, sum.State)

	require.Len(t, prog.seen, 3)
	assert.Contains(t, prog.seen[0], "[ID 1]")
	assert.NotContains(t, prog.seen[1], "[ID 2]")
	assert.Contains(t, prog.seen[2], "[ID 3]")
}
