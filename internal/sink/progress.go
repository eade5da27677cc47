package sink

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// Progress reports the committed offset against the table's row count, at
// most once per interval. The rate counts only rows processed by this run. On a terminal it redraws a single status line; anywhere
// else it emits structured log events.
type Progress struct {
	out      io.Writer
	tty      bool
	log      zerolog.Logger
	interval time.Duration
	now      func() time.Time

	total  int64
	done   int64 // rows processed by this run
	offset int64 // committed position in the table
	start  time.Time
	last   time.Time
}

// NewProgress returns a reporter writing to out. out is treated as a
// terminal when it is a file descriptor attached to one.
func NewProgress(out io.Writer, log zerolog.Logger, interval time.Duration) *Progress {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Progress{
		out:      out,
		tty:      isTerminal(out),
		log:      log,
		interval: interval,
		now:      time.Now,
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(f.Fd()))
}

// Start records the expected total (< 0 when unknown), the offset the run
// resumes from and the start time.
func (p *Progress) Start(total, startOffset int64) {
	p.total = total
	p.offset = startOffset
	p.start = p.now()
	p.last = p.start
}

// Advance adds rows to the processed count and reports if the interval has
// elapsed since the last report.
func (p *Progress) Advance(rows int, offset int64) {
	p.done += int64(rows)
	p.offset = offset
	if now := p.now(); now.Sub(p.last) >= p.interval {
		p.last = now
		p.report(now, false)
	}
}

// Finish reports unconditionally and ends the terminal line.
func (p *Progress) Finish() {
	p.report(p.now(), true)
}

// Done is the number of rows processed so far.
func (p *Progress) Done() int64 { return p.done }

func (p *Progress) report(now time.Time, final bool) {
	elapsed := now.Sub(p.start)
	rate := 0.0
	if elapsed > 0 {
		rate = float64(p.done) / elapsed.Seconds()
	}

	if !p.tty {
		ev := p.log.Info().
			Int64("done", p.done).
			Int64("offset", p.offset).
			Int64("rps", int64(rate)).
			Dur("elapsed", elapsed.Truncate(time.Millisecond))
		if p.total >= 0 {
			ev = ev.Int64("total", p.total)
		}
		if final {
			ev.Msg("progress: finished")
			return
		}
		ev.Msg("progress")
		return
	}

	line := fmt.Sprintf("%s rows", humanize.Comma(p.offset))
	if p.total > 0 {
		pct := 100 * float64(p.offset) / float64(p.total)
		line = fmt.Sprintf("%s / %s rows (%.1f%%)", humanize.Comma(p.offset), humanize.Comma(p.total), pct)
		if rate > 0 && p.offset < p.total && !final {
			eta := time.Duration(float64(p.total-p.offset) / rate * float64(time.Second))
			line += fmt.Sprintf("  eta %s", eta.Round(time.Second))
		}
	}
	line += fmt.Sprintf("  %s rows/s  %s", humanize.Comma(int64(rate)), elapsed.Round(time.Second))

	end := ""
	if final {
		end = "\n"
	}
	// \x1b[K clears the rest of the previous, possibly longer, line.
	fmt.Fprintf(p.out, "\r%s\x1b[K%s", line, end)
}
