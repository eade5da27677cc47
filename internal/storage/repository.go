// Package storage contains the storage-agnostic contracts used by the bounds
// backfill: the Repository interface every backend implements, a factory that
// backends register with at init time, and the two components built on top of
// a Repository (ChunkReader and BulkUpdater).
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"bboxfill/internal/geometry"
)

// ErrSchemaMismatch is returned by CheckSchema when the configured table or
// one of its required columns does not exist.
var ErrSchemaMismatch = errors.New("table does not have the required columns")

// Row is one record read from the source table. ID is the key value as the
// driver returned it ([]byte normalized to string). Null is set when the
// geometry column was SQL NULL.
type Row struct {
	ID       any
	Geometry []byte
	Null     bool
}

// BoundsUpdate is one row's write. A nil Box sets all four bound columns to
// NULL.
type BoundsUpdate struct {
	ID  any
	Box *geometry.Box
}

// Args returns the update as (key, minX, maxX, minY, maxY) bind values.
func (u BoundsUpdate) Args() [5]any {
	if u.Box == nil {
		return [5]any{u.ID, nil, nil, nil, nil}
	}
	return [5]any{u.ID, u.Box.MinX, u.Box.MaxX, u.Box.MinY, u.Box.MaxY}
}

// BoundsColumns names the four output columns.
type BoundsColumns struct {
	MinX string
	MaxX string
	MinY string
	MaxY string
}

// Config is the backend-agnostic repository configuration.
type Config struct {
	Kind           string // "postgres", "mysql", "mssql", "sqlite"
	DSN            string
	Table          string // possibly schema-qualified, e.g. "public.parcels"
	KeyColumn      string
	GeometryColumn string
	Bounds         BoundsColumns
}

// Repository is the set of table operations the backfill needs. ApplyBounds
// must write the whole slice in one transaction: either every update is
// committed or none is.
type Repository interface {
	// Count returns the number of rows in the table.
	Count(ctx context.Context) (int64, error)
	// CheckSchema verifies that the table and all six columns exist.
	CheckSchema(ctx context.Context) error
	// ReadChunk returns up to limit rows ordered by key, skipping offset rows.
	ReadChunk(ctx context.Context, offset, limit int64) ([]Row, error)
	// ApplyBounds writes updates and returns the number of rows affected.
	ApplyBounds(ctx context.Context, updates []BoundsUpdate) (int64, error)
	Close()
}

// Factory constructs a Repository for a given Config.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register installs a factory for kind. Re-registering a kind replaces the
// previous factory.
func Register(kind string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	factories[kind] = f
}

// New builds a Repository using the factory registered for cfg.Kind.
func New(ctx context.Context, cfg Config) (Repository, error) {
	regMu.RLock()
	f, ok := factories[cfg.Kind]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}

// ListKinds returns the registered backend kinds, sorted.
func ListKinds() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// NormalizeKey converts driver-specific key representations into values that
// print and compare sensibly. Drivers using a text protocol return []byte.
func NormalizeKey(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// Split cuts updates into consecutive groups of at most n.
func Split(updates []BoundsUpdate, n int) [][]BoundsUpdate {
	if n <= 0 || len(updates) <= n {
		if len(updates) == 0 {
			return nil
		}
		return [][]BoundsUpdate{updates}
	}
	out := make([][]BoundsUpdate, 0, (len(updates)+n-1)/n)
	for lo := 0; lo < len(updates); lo += n {
		out = append(out, updates[lo:min(lo+n, len(updates))])
	}
	return out
}
