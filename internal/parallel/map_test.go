package parallel_test

import (
	"context"
	"iter"
	"slices"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/CZERTAINLY/Harvester/internal/parallel"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMap(t *testing.T) {
	t.Parallel()

	f := func(_ context.Context, d time.Duration) (int, error) {
		time.Sleep(d)
		return int(d), nil
	}

	input := []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second}
	expected := []int{
		int(1 * time.Second),
		int(2 * time.Second),
		int(5 * time.Second),
		int(10 * time.Second),
	}

	var testCases = []struct {
		scenario string
		given    int
		then     time.Duration
	}{
		{"limit 1", 1, 18 * time.Second},
		{"limit 2", 2, 12 * time.Second},
		{"limit 10", 10, 10 * time.Second},
		{"limit 0 means 1", 0, 18 * time.Second},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			synctest.Test(t, func(t *testing.T) {
				start := time.Now()
				m := parallel.NewMap(t.Context(), tt.given, f).Iter(slices.Values(input))
				require.ElementsMatch(t, expected, values(m))
				require.Equal(t, tt.then, time.Since(start))
			})
		})
	}
}

func TestMapLimit(t *testing.T) {
	t.Parallel()
	for _, limit := range []int{1, 3, 7, 20} {
		synctest.Test(t, func(t *testing.T) {
			var inFlight, peak atomic.Int32
			f := func(_ context.Context, i int) (int, error) {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(time.Duration(1+i%3) * time.Second)
				inFlight.Add(-1)
				return i, nil
			}
			input := make([]int, 20)
			for i := range input {
				input[i] = i
			}
			got := values(parallel.NewMap(t.Context(), limit, f).Iter(slices.Values(input)))
			require.ElementsMatch(t, input, got)
			require.Equal(t, int32(limit), peak.Load())
		})
	}
}

func TestMapBreak(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		var canceled atomic.Int32
		f := func(ctx context.Context, i int) (int, error) {
			select {
			case <-time.After(time.Duration(i) * time.Second):
			case <-ctx.Done():
				canceled.Add(1)
			}
			return i, ctx.Err()
		}
		var got []int
		for d, err := range parallel.NewMap(t.Context(), 3, f).Iter(slices.Values([]int{1, 5, 10})) {
			require.NoError(t, err)
			got = append(got, d)
			break
		}
		require.Equal(t, []int{1}, got)
		// the two calls still in flight were canceled
		require.Equal(t, int32(2), canceled.Load())
	})
}

func TestMapCanceled(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithTimeout(t.Context(), 1500*time.Millisecond)
		defer cancel()
		f := func(ctx context.Context, i int) (int, error) {
			select {
			case <-time.After(time.Second):
				return i, nil
			case <-ctx.Done():
				return i, ctx.Err()
			}
		}
		start := time.Now()
		var ok int
		for _, err := range parallel.NewMap(ctx, 1, f).Iter(slices.Values([]int{1, 2, 3, 4})) {
			if err == nil {
				ok++
			}
		}
		require.Equal(t, 1, ok)
		require.Equal(t, 1500*time.Millisecond, time.Since(start))
	})
}

func TestMapCanceledKeepsFinished(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		ctx, cancel := context.WithTimeout(t.Context(), 500*time.Millisecond)
		defer cancel()
		// calls in flight run to completion despite the cancellation
		f := func(_ context.Context, i int) (int, error) {
			time.Sleep(time.Duration(i) * time.Second)
			return i, nil
		}
		got := values(parallel.NewMap(ctx, 3, f).Iter(slices.Values([]int{1, 2, 3})))
		require.ElementsMatch(t, []int{1, 2, 3}, got)
	})
}

func values[T any](seq iter.Seq2[T, error]) []T {
	var ret []T
	for k := range seq {
		ret = append(ret, k)
	}
	return ret
}
