package storage

import (
	"context"
	"fmt"
	"strings"

	"bboxfill/internal/geometry"
)

// UnresolvedPolicy decides what happens to rows whose bounds could not be
// computed.
type UnresolvedPolicy string

const (
	// WriteNull sets all four bound columns of an unresolved row to NULL.
	WriteNull UnresolvedPolicy = "write-null"
	// Skip leaves unresolved rows untouched.
	Skip UnresolvedPolicy = "skip"
)

// ParsePolicy accepts "write-null" (also the empty string) and "skip".
func ParsePolicy(s string) (UnresolvedPolicy, error) {
	switch UnresolvedPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", WriteNull:
		return WriteNull, nil
	case Skip:
		return Skip, nil
	default:
		return "", fmt.Errorf("unknown unresolved policy %q (want write-null or skip)", s)
	}
}

// WriteStats counts the outcome of one batch write.
type WriteStats struct {
	Resolved   int64
	Unresolved int64
	Planned    int64 // updates sent (or, in dry-run, that would be sent)
	Written    int64 // rows affected as reported by the backend
	Skipped    int64 // unresolved rows left untouched under Skip
}

// Add accumulates o into s.
func (s *WriteStats) Add(o WriteStats) {
	s.Resolved += o.Resolved
	s.Unresolved += o.Unresolved
	s.Planned += o.Planned
	s.Written += o.Written
	s.Skipped += o.Skipped
}

// BoundsWriter is the write side of a Repository.
type BoundsWriter interface {
	ApplyBounds(ctx context.Context, updates []BoundsUpdate) (int64, error)
}

// BulkUpdater converts extraction results into one grouped write per batch.
type BulkUpdater struct {
	w      BoundsWriter
	policy UnresolvedPolicy
	dryRun bool
}

// NewBulkUpdater returns an updater writing through w. In dry-run mode Apply
// never calls w.
func NewBulkUpdater(w BoundsWriter, policy UnresolvedPolicy, dryRun bool) *BulkUpdater {
	if policy == "" {
		policy = WriteNull
	}
	return &BulkUpdater{w: w, policy: policy, dryRun: dryRun}
}

// Policy returns the unresolved policy in effect.
func (u *BulkUpdater) Policy() UnresolvedPolicy { return u.policy }

// Plan turns results into updates. Unresolved results never carry numbers:
// they become NULL updates or are skipped, depending on the policy.
func (u *BulkUpdater) Plan(results []geometry.Result) ([]BoundsUpdate, WriteStats) {
	var st WriteStats
	updates := make([]BoundsUpdate, 0, len(results))
	for i := range results {
		r := &results[i]
		if r.Resolved() {
			box := r.Box
			updates = append(updates, BoundsUpdate{ID: r.ID, Box: &box})
			st.Resolved++
			continue
		}
		st.Unresolved++
		if u.policy == Skip {
			st.Skipped++
			continue
		}
		updates = append(updates, BoundsUpdate{ID: r.ID})
	}
	st.Planned = int64(len(updates))
	return updates, st
}

// Apply writes a planned batch in one transaction and returns rows affected.
func (u *BulkUpdater) Apply(ctx context.Context, updates []BoundsUpdate) (int64, error) {
	if u.dryRun || len(updates) == 0 {
		return 0, nil
	}
	return u.w.ApplyBounds(ctx, updates)
}

// Write is Plan followed by Apply.
func (u *BulkUpdater) Write(ctx context.Context, results []geometry.Result) (WriteStats, error) {
	updates, st := u.Plan(results)
	n, err := u.Apply(ctx, updates)
	if err != nil {
		return st, err
	}
	st.Written = n
	return st, nil
}
