package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bboxfill/internal/geometry"
	"bboxfill/internal/storage"
)

func testConfig(tb testing.TB) Config {
	tb.Helper()
	return Config{
		DSN:            filepath.Join(tb.TempDir(), "bbox.db"),
		Table:          "parcels",
		KeyColumn:      "shapeid",
		GeometryColumn: "geometry",
		Bounds:         storage.BoundsColumns{MinX: "minX", MaxX: "maxX", MinY: "minY", MaxY: "maxY"},
	}
}

// newSeededRepo creates the parcels table with n rows keyed 1..n.
func newSeededRepo(tb testing.TB, n int) (*Repository, *sql.DB) {
	tb.Helper()
	cfg := testConfig(tb)

	repo, closeFn, err := NewRepository(context.Background(), cfg)
	require.NoError(tb, err)
	tb.Cleanup(closeFn)

	db := repo.DB()
	_, err = db.Exec(`CREATE TABLE parcels (
		shapeid INTEGER PRIMARY KEY,
		geometry TEXT,
		"minX" REAL, "maxX" REAL, "minY" REAL, "maxY" REAL)`)
	require.NoError(tb, err)

	tx, err := db.Begin()
	require.NoError(tb, err)
	for i := 1; i <= n; i++ {
		_, err := tx.Exec(`INSERT INTO parcels (shapeid, geometry, "minX") VALUES (?, ?, ?)`,
			i, fmt.Sprintf(`{"type":"Polygon","coordinates":[[[0,0],[%d,0],[%d,1],[0,0]]]}`, i, i), -999.0)
		require.NoError(tb, err)
	}
	require.NoError(tb, tx.Commit())
	return repo, db
}

func bounds(tb testing.TB, db *sql.DB, key int) [4]sql.NullFloat64 {
	tb.Helper()
	var b [4]sql.NullFloat64
	err := db.QueryRow(`SELECT "minX", "maxX", "minY", "maxY" FROM parcels WHERE shapeid = ?`, key).
		Scan(&b[0], &b[1], &b[2], &b[3])
	require.NoError(tb, err)
	return b
}

func TestCountAndCheckSchema(t *testing.T) {
	repo, _ := newSeededRepo(t, 7)
	ctx := context.Background()

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	require.NoError(t, repo.CheckSchema(ctx))
}

func TestCheckSchema_MissingColumn(t *testing.T) {
	cfg := testConfig(t)
	repo, closeFn, err := NewRepository(context.Background(), cfg)
	require.NoError(t, err)
	defer closeFn()

	_, err = repo.DB().Exec(`CREATE TABLE parcels (shapeid INTEGER PRIMARY KEY, geometry TEXT, "minX" REAL, "maxX" REAL)`)
	require.NoError(t, err)

	err = repo.CheckSchema(context.Background())
	assert.ErrorIs(t, err, storage.ErrSchemaMismatch)
}

func TestMisspelledGeometryColumnIsNotAStringLiteral(t *testing.T) {
	cfg := testConfig(t)
	cfg.GeometryColumn = "geom"
	repo, closeFn, err := NewRepository(context.Background(), cfg)
	require.NoError(t, err)
	defer closeFn()

	_, err = repo.DB().Exec(`CREATE TABLE parcels (shapeid INTEGER PRIMARY KEY, geometry TEXT,
		"minX" REAL, "maxX" REAL, "minY" REAL, "maxY" REAL)`)
	require.NoError(t, err)
	_, err = repo.DB().Exec(`INSERT INTO parcels (shapeid, geometry) VALUES (1, '{}')`)
	require.NoError(t, err)

	err = repo.CheckSchema(context.Background())
	assert.ErrorIs(t, err, storage.ErrSchemaMismatch)

	rows, err := repo.ReadChunk(context.Background(), 0, 10)
	assert.Error(t, err)
	assert.Empty(t, rows)
}

func TestReadChunk_OrderedPages(t *testing.T) {
	repo, db := newSeededRepo(t, 5)
	ctx := context.Background()

	_, err := db.Exec(`UPDATE parcels SET geometry = NULL WHERE shapeid = 4`)
	require.NoError(t, err)

	first, err := repo.ReadChunk(ctx, 0, 3)
	require.NoError(t, err)
	require.Len(t, first, 3)
	assert.Equal(t, int64(1), first[0].ID)
	assert.Equal(t, int64(3), first[2].ID)
	assert.Contains(t, string(first[1].Geometry), `"Polygon"`)

	rest, err := repo.ReadChunk(ctx, 3, 3)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, int64(4), rest[0].ID)
	assert.True(t, rest[0].Null)
	assert.False(t, rest[1].Null)

	none, err := repo.ReadChunk(ctx, 5, 3)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestApplyBounds_WritesAllFourColumns(t *testing.T) {
	repo, db := newSeededRepo(t, 3)
	ctx := context.Background()

	n, err := repo.ApplyBounds(ctx, []storage.BoundsUpdate{
		{ID: int64(1), Box: &geometry.Box{MinX: 0, MaxX: 2, MinY: 0, MaxY: 2}},
		{ID: int64(3)},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	b1 := bounds(t, db, 1)
	assert.Equal(t, [4]float64{0, 2, 0, 2}, [4]float64{b1[0].Float64, b1[1].Float64, b1[2].Float64, b1[3].Float64})
	for _, v := range b1 {
		assert.True(t, v.Valid)
	}

	b2 := bounds(t, db, 2)
	assert.Equal(t, -999.0, b2[0].Float64, "row not in batch is untouched")

	for _, v := range bounds(t, db, 3) {
		assert.False(t, v.Valid, "explicit no-bounds writes NULL")
	}
}

func TestApplyBounds_SpansMultipleStatements(t *testing.T) {
	const n = maxRowsPerStatement*2 + 17
	repo, db := newSeededRepo(t, n)

	updates := make([]storage.BoundsUpdate, n)
	for i := range updates {
		k := float64(i + 1)
		updates[i] = storage.BoundsUpdate{ID: int64(i + 1), Box: &geometry.Box{MinX: k, MaxX: k + 1, MinY: -k, MaxY: 0}}
	}
	got, err := repo.ApplyBounds(context.Background(), updates)
	require.NoError(t, err)
	assert.Equal(t, int64(n), got)

	var written int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM parcels WHERE "maxX" = shapeid + 1`).Scan(&written))
	assert.Equal(t, n, written)
}

func TestApplyBounds_RollsBackWholeBatch(t *testing.T) {
	const n = maxRowsPerStatement + 10
	repo, db := newSeededRepo(t, n)

	// Fail on a row that lands in the second statement of the batch.
	_, err := db.Exec(fmt.Sprintf(`CREATE TRIGGER reject BEFORE UPDATE ON parcels
		WHEN NEW.shapeid = %d BEGIN SELECT RAISE(ABORT, 'rejected'); END`, n-1))
	require.NoError(t, err)

	updates := make([]storage.BoundsUpdate, n)
	for i := range updates {
		updates[i] = storage.BoundsUpdate{ID: int64(i + 1), Box: &geometry.Box{MinX: 1, MaxX: 2, MinY: 3, MaxY: 4}}
	}
	_, err = repo.ApplyBounds(context.Background(), updates)
	require.Error(t, err)

	var touched int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM parcels WHERE "minX" <> -999`).Scan(&touched))
	assert.Zero(t, touched, "no row of a failed batch may be committed")
}

func TestDialect_QuoteName(t *testing.T) {
	d := dialect{}
	assert.Equal(t, `"parcels"`, d.QuoteName("parcels"))
	assert.Equal(t, `"main"."parcels"`, d.QuoteName("main.parcels"))
	assert.Equal(t, `"we""ird"`, d.QuoteName(`we"ird`))
}
