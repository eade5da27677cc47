package workerpool

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_CompleteAndOrderedForAnyPoolSize(t *testing.T) {
	for _, workers := range []int{1, 2, runtime.NumCPU(), 0} {
		for _, n := range []int{0, 1, 7, 1000} {
			t.Run(fmt.Sprintf("workers=%d/n=%d", workers, n), func(t *testing.T) {
				p := New(workers, func(v int) int { return v * v }, nil)
				defer p.Close()

				in := make([]int, n)
				for i := range in {
					in[i] = i
				}
				out, err := p.Map(context.Background(), in)
				require.NoError(t, err)
				require.Len(t, out, n)
				for i, v := range out {
					assert.Equal(t, i*i, v)
				}
			})
		}
	}
}

func TestMap_DefaultsToNumCPU(t *testing.T) {
	p := New(0, func(v int) int { return v }, nil)
	defer p.Close()
	assert.Equal(t, runtime.NumCPU(), p.Workers())
}

func TestMap_PanicIsIsolatedToElement(t *testing.T) {
	p := New(3,
		func(v int) string {
			if v%10 == 3 {
				panic("bad row")
			}
			return fmt.Sprint(v)
		},
		func(v int, r any) string { return fmt.Sprintf("recovered %d: %v", v, r) },
	)
	defer p.Close()

	in := make([]int, 50)
	for i := range in {
		in[i] = i
	}
	out, err := p.Map(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, out, 50)
	for i, v := range out {
		if i%10 == 3 {
			assert.Equal(t, fmt.Sprintf("recovered %d: bad row", i), v)
			continue
		}
		assert.Equal(t, fmt.Sprint(i), v)
	}
}

func TestMap_PanicWithoutHandlerYieldsZero(t *testing.T) {
	p := New(2, func(v int) *int {
		if v == 1 {
			panic("boom")
		}
		return &v
	}, nil)
	defer p.Close()

	out, err := p.Map(context.Background(), []int{0, 1, 2})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Nil(t, out[1])
	assert.Equal(t, 2, *out[2])
}

func TestMap_ReusedAcrossBatches(t *testing.T) {
	var calls atomic.Int64
	p := New(4, func(v int) int { calls.Add(1); return v + 1 }, nil)
	defer p.Close()

	for batch := 0; batch < 5; batch++ {
		out, err := p.Map(context.Background(), make([]int, 100))
		require.NoError(t, err)
		require.Len(t, out, 100)
	}
	assert.Equal(t, int64(500), calls.Load())
}

func TestMap_CancelledContext(t *testing.T) {
	p := New(1, func(v int) int { return v }, nil)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := p.Map(ctx, make([]int, 10_000))
	// Some spans may have been dispatched before the cancellation was
	// observed; either way nothing partial is returned.
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
		assert.Nil(t, out)
	} else {
		assert.Len(t, out, 10_000)
	}
}

func TestClose(t *testing.T) {
	p := New(2, func(v int) int { return v }, nil)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err := p.Map(context.Background(), []int{1})
	assert.ErrorIs(t, err, ErrClosed)
}
