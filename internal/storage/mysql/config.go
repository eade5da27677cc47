package mysql

import "bboxfill/internal/storage"

// Config holds MySQL repository configuration derived from storage.Config.
type Config struct {
	// DSN in go-sql-driver/mysql format, e.g. "user:pass@tcp(host:3306)/gis".
	DSN   string
	Table string

	KeyColumn      string
	GeometryColumn string
	Bounds         storage.BoundsColumns
}

func (c Config) storageConfig() storage.Config {
	return storage.Config{
		Kind:           "mysql",
		DSN:            c.DSN,
		Table:          c.Table,
		KeyColumn:      c.KeyColumn,
		GeometryColumn: c.GeometryColumn,
		Bounds:         c.Bounds,
	}
}
