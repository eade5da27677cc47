// Package pipeline coordinates a bounds backfill run: it reads the table in
// key order one chunk at a time, extracts bounds on a worker pool, records
// failed rows and writes each chunk back in a single transaction.
//
// A run is strictly sequential at the batch level. Cancellation is honoured
// only between batches; the batch in flight when ctx is cancelled finishes
// its read, extraction and write on a context detached from ctx.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eapache/go-resiliency/retrier"
	"github.com/rs/zerolog"

	"bboxfill/internal/geometry"
	"bboxfill/internal/metrics"
	"bboxfill/internal/storage"
	"bboxfill/internal/workerpool"
)

// State is the lifecycle state of a run.
type State string

const (
	StateInit        State = "INIT"
	StateRunning     State = "RUNNING"
	StateDone        State = "DONE"
	StateFailed      State = "FAILED"
	StateInterrupted State = "INTERRUPTED"
)

// ErrorSink records rows whose bounds could not be computed. Flush makes the
// records durable; it is called before the batch holding them is written.
type ErrorSink interface {
	Record(id any, cause error, payload []byte) error
	Flush() error
}

// ProgressSink receives progress updates from the coordinator.
type ProgressSink interface {
	Start(total, startOffset int64)
	Advance(rows int, offset int64)
	Finish()
}

type nopProgress struct{}

func (nopProgress) Start(int64, int64) {}
func (nopProgress) Advance(int, int64) {}
func (nopProgress) Finish()            {}

// Options are the run-wide tunables.
type Options struct {
	Job          string
	ChunkSize    int
	Workers      int   // <= 0 means NumCPU
	StartOffset  int64 // rows before this offset are not touched
	MaxRetries   int   // retries per batch read or write, after the first attempt
	RetryBackoff time.Duration
	Policy       storage.UnresolvedPolicy
	DryRun       bool
	// Decoder converts legacy-encoded payloads; nil means UTF-8.
	Decoder *geometry.Decoder
}

// Summary describes a finished run. It is returned in every terminal state.
type Summary struct {
	State      State
	Total      int64 // rows in the table, -1 when the count failed
	Read       int64
	Resolved   int64
	Unresolved int64
	Planned    int64
	Written    int64
	Skipped    int64
	Batches    int64
	// Offset is the committed offset: every row before it has been
	// processed. Restarting with StartOffset=Offset resumes the run.
	Offset  int64
	Elapsed time.Duration
}

// Pipeline runs one backfill against a Repository.
type Pipeline struct {
	repo     storage.Repository
	opts     Options
	errs     ErrorSink
	progress ProgressSink
	log      zerolog.Logger
	now      func() time.Time
}

// New validates opts and returns a Pipeline. progress may be nil.
func New(repo storage.Repository, opts Options, errs ErrorSink, progress ProgressSink, log zerolog.Logger) (*Pipeline, error) {
	if repo == nil {
		return nil, errors.New("pipeline: nil repository")
	}
	if errs == nil {
		return nil, errors.New("pipeline: nil error sink")
	}
	if opts.ChunkSize <= 0 {
		return nil, fmt.Errorf("pipeline: chunk size must be positive, got %d", opts.ChunkSize)
	}
	if opts.StartOffset < 0 {
		return nil, fmt.Errorf("pipeline: start offset must not be negative, got %d", opts.StartOffset)
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Policy == "" {
		opts.Policy = storage.WriteNull
	}
	if progress == nil {
		progress = nopProgress{}
	}
	return &Pipeline{
		repo:     repo,
		opts:     opts,
		errs:     errs,
		progress: progress,
		log:      log,
		now:      time.Now,
	}, nil
}

// Run executes the backfill until the table is exhausted, a batch fails
// permanently, or ctx is cancelled. The error is nil for DONE, a *RunFailure
// for FAILED and wraps ErrInterrupted for INTERRUPTED.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	start := p.now()
	sum := Summary{State: StateInit, Total: -1, Offset: p.opts.StartOffset}

	finish := func(st State, err error) (Summary, error) {
		sum.State = st
		sum.Elapsed = p.now().Sub(start)
		p.logSummary(sum, err)
		return sum, err
	}

	if err := p.repo.CheckSchema(ctx); err != nil {
		if ctx.Err() != nil {
			return finish(StateInterrupted, fmt.Errorf("%w before start: %v", ErrInterrupted, err))
		}
		return finish(StateFailed, &RunFailure{Phase: PhaseSchema, Offset: p.opts.StartOffset, Err: err})
	}
	if n, err := p.repo.Count(ctx); err != nil {
		p.log.Warn().Err(err).Msg("row count unavailable; progress will not show a total")
	} else {
		sum.Total = n
	}

	reader, err := storage.NewChunkReader(p.repo, p.opts.ChunkSize, p.opts.StartOffset, sum.Total)
	if err != nil {
		return finish(StateFailed, &RunFailure{Phase: PhaseRead, Offset: p.opts.StartOffset, Err: err})
	}
	x := geometry.Extractor{Decoder: p.opts.Decoder}
	pool := workerpool.New(p.opts.Workers,
		func(r storage.Row) geometry.Result { return x.Extract(r.ID, r.Geometry) },
		func(r storage.Row, v any) geometry.Result {
			return geometry.Result{ID: r.ID, Err: &geometry.RowParseError{ID: r.ID, Err: fmt.Errorf("panic: %v", v)}}
		},
	)
	defer pool.Close()
	updater := storage.NewBulkUpdater(p.repo, p.opts.Policy, p.opts.DryRun)

	p.log.Info().
		Int64("total", sum.Total).
		Int("chunk_size", p.opts.ChunkSize).
		Int("workers", pool.Workers()).
		Int64("start_offset", p.opts.StartOffset).
		Str("policy", string(updater.Policy())).
		Bool("dry_run", p.opts.DryRun).
		Msg("run started")

	sum.State = StateRunning
	p.progress.Start(sum.Total, p.opts.StartOffset)
	defer p.progress.Finish()

	// In-flight batch I/O is not cut short by an interrupt.
	detached := context.WithoutCancel(ctx)

	for {
		if ctx.Err() != nil {
			return finish(StateInterrupted, fmt.Errorf("%w at offset=%d: %v", ErrInterrupted, sum.Offset, context.Cause(ctx)))
		}

		batchOffset := reader.Offset()
		var rows []storage.Row
		err := p.retry(ctx, detached, PhaseRead, batchOffset, func(ctx context.Context) error {
			var err error
			rows, err = reader.Next(ctx)
			return err
		})
		if err != nil {
			if !isBatchIOError(err) {
				return finish(StateInterrupted, fmt.Errorf("%w at offset=%d: %v", ErrInterrupted, sum.Offset, err))
			}
			return finish(StateFailed, &RunFailure{Phase: PhaseRead, Offset: batchOffset, Err: err})
		}
		if rows == nil {
			return finish(StateDone, nil)
		}

		t0 := p.now()
		results, err := pool.Map(detached, rows)
		metrics.RecordStep(p.opts.Job, PhaseExtract, err, p.now().Sub(t0))
		if err != nil {
			return finish(StateFailed, &RunFailure{Phase: PhaseExtract, Offset: batchOffset, Err: err})
		}
		if err := p.recordFailures(rows, results); err != nil {
			return finish(StateFailed, &RunFailure{Phase: PhaseErrorLog, Offset: batchOffset, Err: err})
		}

		updates, st := updater.Plan(results)
		err = p.retry(ctx, detached, PhaseWrite, batchOffset, func(ctx context.Context) error {
			n, err := updater.Apply(ctx, updates)
			st.Written = n
			return err
		})
		if err != nil {
			if !isBatchIOError(err) {
				return finish(StateInterrupted, fmt.Errorf("%w at offset=%d: %v", ErrInterrupted, sum.Offset, err))
			}
			return finish(StateFailed, &RunFailure{Phase: PhaseWrite, Offset: batchOffset, Err: err})
		}

		sum.Batches++
		sum.Read += int64(len(rows))
		sum.Resolved += st.Resolved
		sum.Unresolved += st.Unresolved
		sum.Planned += st.Planned
		sum.Written += st.Written
		sum.Skipped += st.Skipped
		sum.Offset = reader.Offset()

		p.recordBatchMetrics(int64(len(rows)), st)
		p.logBatch(sum, len(rows), st, start)
		p.progress.Advance(len(rows), sum.Offset)
	}
}

// retry runs op with the retry budget. op receives the detached context;
// backoff waits observe ctx, so an interrupt stops further attempts. A
// budget exhausted by op errors is reported as *BatchIOError.
func (p *Pipeline) retry(ctx, detached context.Context, phase string, offset int64, op func(context.Context) error) error {
	r := retrier.New(
		retrier.ExponentialBackoff(p.opts.MaxRetries, p.opts.RetryBackoff),
		retrier.BlacklistClassifier{context.Canceled, context.DeadlineExceeded},
	)

	attempts := 0
	var last error
	err := r.RunCtx(ctx, func(context.Context) error {
		attempts++
		if attempts > 1 {
			metrics.RecordRetry(p.opts.Job, phase)
		}
		t0 := p.now()
		last = op(detached)
		metrics.RecordStep(p.opts.Job, phase, last, p.now().Sub(t0))
		if last != nil {
			p.log.Warn().Err(last).
				Str("op", phase).
				Int64("offset", offset).
				Int("attempt", attempts).
				Int("max_attempts", p.opts.MaxRetries+1).
				Msg("batch I/O failed")
		}
		return last
	})
	if err == nil {
		return nil
	}
	if last == nil || !errors.Is(err, last) {
		// The wait between attempts was interrupted.
		return err
	}
	return &BatchIOError{Op: phase, Offset: offset, Attempts: attempts, Err: err}
}

// isBatchIOError separates an exhausted retry budget from an interrupted
// backoff wait.
func isBatchIOError(err error) bool {
	var e *BatchIOError
	return errors.As(err, &e)
}

func (p *Pipeline) recordFailures(rows []storage.Row, results []geometry.Result) error {
	recorded := 0
	for i := range results {
		if results[i].Resolved() {
			continue
		}
		if err := p.errs.Record(results[i].ID, results[i].Err, rows[i].Geometry); err != nil {
			return fmt.Errorf("record row %v: %w", results[i].ID, err)
		}
		recorded++
	}
	if recorded == 0 {
		return nil
	}
	if err := p.errs.Flush(); err != nil {
		return fmt.Errorf("flush error log: %w", err)
	}
	return nil
}

func (p *Pipeline) recordBatchMetrics(read int64, st storage.WriteStats) {
	job := p.opts.Job
	metrics.RecordBatches(job, 1)
	metrics.RecordRow(job, "read", read)
	metrics.RecordRow(job, "resolved", st.Resolved)
	metrics.RecordRow(job, "unresolved", st.Unresolved)
	metrics.RecordRow(job, "written", st.Written)
	metrics.RecordRow(job, "skipped", st.Skipped)
}

func (p *Pipeline) logBatch(sum Summary, rows int, st storage.WriteStats, start time.Time) {
	elapsed := p.now().Sub(start)
	var rate int64
	if s := elapsed.Seconds(); s > 0 {
		rate = int64(float64(sum.Read) / s)
	}
	p.log.Info().
		Int64("batch", sum.Batches).
		Int64("rps", rate).
		Int("read", rows).
		Int64("resolved", st.Resolved).
		Int64("unresolved", st.Unresolved).
		Int64("written", st.Written).
		Int64("total_written", sum.Written).
		Int64("offset", sum.Offset).
		Str("elapsed", elapsed.Truncate(time.Millisecond).String()).
		Msg("batch committed")
}

func (p *Pipeline) logSummary(sum Summary, err error) {
	ev := p.log.Info()
	switch sum.State {
	case StateFailed:
		ev = p.log.Error().Err(err)
		var rf *RunFailure
		if errors.As(err, &rf) {
			ev = ev.Str("phase", rf.Phase).Int64("failed_offset", rf.Offset)
		}
	case StateInterrupted:
		ev = p.log.Warn()
	}
	ev.Str("state", string(sum.State)).
		Int64("total", sum.Total).
		Int64("read", sum.Read).
		Int64("resolved", sum.Resolved).
		Int64("unresolved", sum.Unresolved).
		Int64("written", sum.Written).
		Int64("skipped", sum.Skipped).
		Int64("batches", sum.Batches).
		Int64("offset", sum.Offset).
		Str("elapsed", sum.Elapsed.Truncate(time.Millisecond).String()).
		Msg("summary")
}
