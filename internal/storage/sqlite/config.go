package sqlite

import "bboxfill/internal/storage"

// Config holds SQLite repository configuration derived from storage.Config.
type Config struct {
	// DSN is a SQLite file path or URI, e.g.:
	//   "parcels.db"
	//   "file:parcels.db?_pragma=busy_timeout(5000)"
	DSN string

	// Table is the table to backfill. "main.parcels" style names are accepted.
	Table string

	KeyColumn      string
	GeometryColumn string
	Bounds         storage.BoundsColumns
}

func (c Config) storageConfig() storage.Config {
	return storage.Config{
		Kind:           "sqlite",
		DSN:            c.DSN,
		Table:          c.Table,
		KeyColumn:      c.KeyColumn,
		GeometryColumn: c.GeometryColumn,
		Bounds:         c.Bounds,
	}
}
