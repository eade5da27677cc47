package storage

import (
	"context"
	"fmt"
)

// ChunkSource is the read side of a Repository.
type ChunkSource interface {
	ReadChunk(ctx context.Context, offset, limit int64) ([]Row, error)
}

// ChunkReader pages through a table in key order.
//
// The cursor advances only after a successful read, so a failed Next can be
// retried and will request the same page. Reading stops after an empty page,
// a short page, or once the cursor reaches the known total.
type ChunkReader struct {
	src    ChunkSource
	size   int64
	offset int64
	total  int64 // < 0 when unknown
	done   bool
}

// NewChunkReader returns a reader of pages of size rows starting at offset.
// total is the row count observed before reading; pass a negative value when
// it is unknown.
func NewChunkReader(src ChunkSource, size int, offset, total int64) (*ChunkReader, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be > 0, got %d", size)
	}
	if offset < 0 {
		return nil, fmt.Errorf("start offset must be >= 0, got %d", offset)
	}
	return &ChunkReader{src: src, size: int64(size), offset: offset, total: total}, nil
}

// Offset is the position of the next page.
func (r *ChunkReader) Offset() int64 { return r.offset }

// Done reports whether the reader is exhausted.
func (r *ChunkReader) Done() bool {
	return r.done || (r.total >= 0 && r.offset >= r.total)
}

// Next returns the next page, or (nil, nil) once the table is exhausted.
func (r *ChunkReader) Next(ctx context.Context) ([]Row, error) {
	if r.Done() {
		r.done = true
		return nil, nil
	}
	rows, err := r.src.ReadChunk(ctx, r.offset, r.size)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		r.done = true
		return nil, nil
	}
	if int64(len(rows)) < r.size {
		r.done = true
	}
	r.offset += int64(len(rows))
	return rows, nil
}
