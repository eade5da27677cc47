// Package all wires all built-in storage backends into the storage factory.
//
// This package exists purely for side effects: importing it (even as a blank
// import) runs the init functions of each concrete backend, which register
// their factories with the storage package. Importing it makes the following
// storage kinds available at runtime:
//
//   - "postgres" (bboxfill/internal/storage/postgres)
//   - "mysql"    (bboxfill/internal/storage/mysql)
//   - "mssql"    (bboxfill/internal/storage/mssql)
//   - "sqlite"   (bboxfill/internal/storage/sqlite)
//
// Typical usage (in cmd/bboxfill or a similar wiring layer):
//
//	import (
//	    _ "bboxfill/internal/storage/all" // enable all built-in backends
//
//	    "bboxfill/internal/storage"
//	)
//
//	repo, err := storage.New(ctx, storage.Config{Kind: "mysql", DSN: dsn, Table: "vmap2025", ...})
//	if err != nil {
//	    // handle error
//	}
//	defer repo.Close()
//
// A binary that needs only a subset of backends can import those packages
// directly instead.
package all

import (
	_ "bboxfill/internal/storage/mssql"
	_ "bboxfill/internal/storage/mysql"
	_ "bboxfill/internal/storage/postgres"
	_ "bboxfill/internal/storage/sqlite"
)
