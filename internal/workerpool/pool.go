// Package workerpool provides a fixed-size pool of goroutines that maps a
// slice of inputs to a slice of outputs synchronously.
//
// The pool is created once and reused for every batch: workers are started in
// New and live until Close. Map blocks until every element of its input has
// an output, and outputs are returned in input order. Workers never share
// mutable state; each one writes only the output slots of the span it owns.
package workerpool

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by Map after Close has been called.
var ErrClosed = errors.New("workerpool: closed")

// Each Map call is split into about workers*spansPerWorker contiguous spans.
const spansPerWorker = 4

// Pool applies fn to inputs on a bounded number of goroutines.
type Pool[In, Out any] struct {
	workers int
	fn      func(In) Out
	onPanic func(In, any) Out

	jobs chan span[In, Out]
	g    errgroup.Group

	mu     sync.RWMutex
	closed bool
}

type span[In, Out any] struct {
	in   []In
	out  []Out
	done *sync.WaitGroup
}

// New starts a pool of workers goroutines (runtime.NumCPU() when workers <= 0).
//
// onPanic converts a panic raised by fn for one input into that input's
// output; the rest of the batch is unaffected. When onPanic is nil a
// panicking element yields the zero Out.
func New[In, Out any](workers int, fn func(In) Out, onPanic func(In, any) Out) *Pool[In, Out] {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	p := &Pool[In, Out]{
		workers: workers,
		fn:      fn,
		onPanic: onPanic,
		jobs:    make(chan span[In, Out], workers),
	}
	for i := 0; i < workers; i++ {
		p.g.Go(func() error {
			for s := range p.jobs {
				for j := range s.in {
					s.out[j] = p.apply(s.in[j])
				}
				s.done.Done()
			}
			return nil
		})
	}
	return p
}

// Workers returns the pool size.
func (p *Pool[In, Out]) Workers() int { return p.workers }

// Map returns fn applied to every element of in, in order. It returns only
// after all dispatched work has finished. If ctx is cancelled before every
// span was dispatched, Map waits for the dispatched spans and returns
// ctx.Err() with a nil slice.
func (p *Pool[In, Out]) Map(ctx context.Context, in []In) ([]Out, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}

	out := make([]Out, len(in))
	if len(in) == 0 {
		return out, nil
	}

	size := (len(in) + p.workers*spansPerWorker - 1) / (p.workers * spansPerWorker)
	var wg sync.WaitGroup
	var err error

dispatch:
	for lo := 0; lo < len(in); lo += size {
		hi := min(lo+size, len(in))
		wg.Add(1)
		select {
		case p.jobs <- span[In, Out]{in: in[lo:hi], out: out[lo:hi], done: &wg}:
		case <-ctx.Done():
			wg.Done()
			err = ctx.Err()
			break dispatch
		}
	}
	wg.Wait()

	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close stops the workers after in-flight spans finish. It is safe to call
// more than once.
func (p *Pool[In, Out]) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	return p.g.Wait()
}

func (p *Pool[In, Out]) apply(v In) (out Out) {
	defer func() {
		if r := recover(); r != nil {
			var zero Out
			out = zero
			if p.onPanic != nil {
				out = p.onPanic(v, r)
			}
		}
	}()
	return p.fn(v)
}
