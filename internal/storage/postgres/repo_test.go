package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"bboxfill/internal/storage"
)

func testConfig() Config {
	return Config{
		Table:          "public.parcels",
		KeyColumn:      "shapeid",
		GeometryColumn: "geometry",
		Bounds:         storage.BoundsColumns{MinX: "minX", MaxX: "maxX", MinY: "minY", MaxY: "maxY"},
	}
}

func TestStatements(t *testing.T) {
	cfg := testConfig()

	tests := []struct {
		name string
		got  string
		want string
	}{
		{
			name: "check schema",
			got:  checkSchemaSQL(cfg),
			want: `SELECT "shapeid", "geometry", "minX", "maxX", "minY", "maxY" FROM "public"."parcels" WHERE false`,
		},
		{
			name: "select page",
			got:  selectPageSQL(cfg),
			want: `SELECT "shapeid", "geometry"::text FROM "public"."parcels" ORDER BY "shapeid" LIMIT $1 OFFSET $2`,
		},
		{
			name: "create stage",
			got:  createStageSQL(cfg),
			want: `CREATE TEMP TABLE "bbox_stage" ON COMMIT DROP AS SELECT "shapeid" AS k, "minX" AS min_x, "maxX" AS max_x, "minY" AS min_y, "maxY" AS max_y FROM "public"."parcels" WITH NO DATA`,
		},
		{
			name: "update from stage",
			got:  updateFromStageSQL(cfg),
			want: `UPDATE "public"."parcels" AS t SET "minX" = s.min_x, "maxX" = s.max_x, "minY" = s.min_y, "maxY" = s.max_y FROM "bbox_stage" AS s WHERE t."shapeid" = s.k`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestStatements_QuoteHostileNames(t *testing.T) {
	cfg := testConfig()
	cfg.Table = `parcels"; DROP TABLE x; --`
	cfg.Bounds.MaxY = `max"Y`

	assert.Contains(t, updateFromStageSQL(cfg), `UPDATE "parcels""; DROP TABLE x; --" AS t`)
	assert.Contains(t, updateFromStageSQL(cfg), `"max""Y" = s.max_y`)
	assert.Contains(t, createStageSQL(cfg), `"max""Y" AS max_y`)
}

func TestStageColumnsMatchStageTable(t *testing.T) {
	assert.Equal(t, []string{"k", "min_x", "max_x", "min_y", "max_y"}, stageColumns)
	a := storage.BoundsUpdate{ID: int64(1)}.Args()
	assert.Len(t, a, len(stageColumns))
}
