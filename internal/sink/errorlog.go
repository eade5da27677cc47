// Package sink holds the pipeline's outputs other than the table itself: the
// append-only row error log and the progress reporter. Both are written from
// the pipeline's coordinator goroutine only and are not safe for concurrent
// use.
package sink

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/xxh3"
)

// ErrorLog records rows whose bounds could not be computed.
//
// Every failure gets one line with the timestamp, row key, error, an xxh3
// fingerprint and the length of the payload. The first detailLimit failures
// of a run also get an indented line with the payload, truncated to
// payloadMax bytes.
type ErrorLog struct {
	f    *os.File
	w    *bufio.Writer
	path string
	now  func() time.Time

	detailLimit int
	payloadMax  int
	n           int64
	dirty       bool
}

// ErrorLogOptions configures OpenErrorLog.
type ErrorLogOptions struct {
	RunID       string
	Job         string
	DetailLimit int // <0: never include payloads
	PayloadMax  int // <=0: 512
}

// OpenErrorLog opens (appending) or creates the log at path and writes a run
// header.
func OpenErrorLog(path string, opts ErrorLogOptions) (*ErrorLog, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("error log %q: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create error log dir: %w", err)
	}
	f, err := os.OpenFile(abs, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open error log: %w", err)
	}
	if opts.PayloadMax <= 0 {
		opts.PayloadMax = 512
	}
	l := &ErrorLog{
		f:           f,
		w:           bufio.NewWriterSize(f, 64<<10),
		path:        abs,
		now:         time.Now,
		detailLimit: opts.DetailLimit,
		payloadMax:  opts.PayloadMax,
	}
	fmt.Fprintf(l.w, "# run %s job=%s started=%s\n", opts.RunID, opts.Job, l.now().UTC().Format(time.RFC3339))
	if err := l.w.Flush(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write error log header: %w", err)
	}
	return l, nil
}

// Path is the absolute path of the log file.
func (l *ErrorLog) Path() string { return l.path }

// Count is the number of rows recorded during this run.
func (l *ErrorLog) Count() int64 { return l.n }

// Record appends one failed row.
func (l *ErrorLog) Record(id any, cause error, payload []byte) error {
	l.n++
	l.dirty = true
	_, err := fmt.Fprintf(l.w, "%s [ID %v] %s xxh3=%016x len=%d\n",
		l.now().UTC().Format(time.RFC3339), id, oneLine(cause.Error()), xxh3.Hash(payload), len(payload))
	if err != nil {
		return fmt.Errorf("write error log: %w", err)
	}
	if l.detailLimit >= 0 && l.n <= int64(l.detailLimit) && len(payload) > 0 {
		p := payload
		suffix := ""
		if len(p) > l.payloadMax {
			p = p[:l.payloadMax]
			suffix = fmt.Sprintf("...(+%d bytes)", len(payload)-l.payloadMax)
		}
		if _, err := fmt.Fprintf(l.w, "\t%s%s\n", oneLine(string(p)), suffix); err != nil {
			return fmt.Errorf("write error log: %w", err)
		}
	}
	return nil
}

// Flush writes buffered lines to the file and syncs it when rows were
// recorded since the last Flush.
func (l *ErrorLog) Flush() error {
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("flush error log: %w", err)
	}
	if !l.dirty || l.f == nil {
		return nil
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync error log: %w", err)
	}
	l.dirty = false
	return nil
}

// Close flushes and closes the file.
func (l *ErrorLog) Close() error {
	if l.f == nil {
		return nil
	}
	ferr := l.w.Flush()
	cerr := l.f.Close()
	l.f = nil
	if ferr != nil {
		return ferr
	}
	return cerr
}

var newlines = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

func oneLine(s string) string { return newlines.Replace(s) }
