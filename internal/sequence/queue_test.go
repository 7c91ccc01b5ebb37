package sequence

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func byteLen(b []byte) int { return len(b) }

func TestQueueInOrder(t *testing.T) {
	q := New[[]byte](byteLen)
	require.True(t, q.IsEmpty())
	require.False(t, q.HasNext())
	require.EqualValues(t, 0, q.Base())

	require.True(t, q.Push(0, []byte("a")))
	require.True(t, q.Push(1, []byte("bb")))
	require.Equal(t, 2, q.AvailableElements())
	require.Equal(t, 3, q.AvailableBytes())
	require.EqualValues(t, 2, q.CurrentLength())

	e, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, "a", string(e))
	require.EqualValues(t, 1, q.Base())
	require.Equal(t, 1, q.AvailableElements())
	require.Equal(t, 2, q.AvailableBytes())

	e, ok = q.Pop()
	require.True(t, ok)
	require.Equal(t, "bb", string(e))
	require.True(t, q.IsEmpty())

	_, ok = q.Pop()
	require.False(t, ok)
}

func TestQueueOutOfOrder(t *testing.T) {
	order := []Number{5, 2, 1, 0, 4, 3, 9, 6, 8, 7, 10, 11, 12, 15, 13, 14}
	q := New[int](nil)
	for i, n := range order {
		require.True(t, q.Push(n, int(n)), "push %d (step %d)", n, i)
	}
	require.Equal(t, 16, q.AvailableElements())
	for want := 0; want < 16; want++ {
		e, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, want, e)
	}
	require.True(t, q.IsEmpty())
}

func TestQueueSpanAccounting(t *testing.T) {
	q := New[[]byte](byteLen)

	// 0 and 2 occupied, 1 missing: only 0 is available.
	require.True(t, q.Push(0, []byte("xx")))
	require.True(t, q.Push(2, []byte("zzzz")))
	require.Equal(t, 1, q.AvailableElements())
	require.Equal(t, 2, q.AvailableBytes())

	e, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, "xx", string(e))
	require.Equal(t, 0, q.AvailableElements())
	require.Equal(t, 0, q.AvailableBytes())
	require.False(t, q.HasNext())

	// Filling the gap merges the spans.
	require.True(t, q.Push(1, []byte("yyy")))
	require.Equal(t, 2, q.AvailableElements())
	require.Equal(t, 7, q.AvailableBytes())
}

func TestQueueRejectsDuplicateAndStale(t *testing.T) {
	q := New[int](nil)
	require.True(t, q.Push(3, 3))
	require.False(t, q.Push(3, 3))

	require.True(t, q.Push(0, 0))
	_, ok := q.Pop()
	require.True(t, ok)
	require.False(t, q.Push(0, 0), "below base")
}

func TestQueueGapBound(t *testing.T) {
	q := New[int](nil)
	require.False(t, q.Push(MaxGap+1, 1))
	require.True(t, q.Push(MaxGap, 1))
}

func TestQueueFinalLength(t *testing.T) {
	t.Run("bounds pushes", func(t *testing.T) {
		q := New[int](nil)
		require.True(t, q.SetFinalLength(3))
		require.False(t, q.SetFinalLength(5), "already set")

		require.True(t, q.Push(0, 0))
		require.True(t, q.Push(2, 2))
		require.False(t, q.Push(3, 3), "beyond final length")
		require.True(t, q.ExpectsMore())
		require.True(t, q.Push(1, 1))
		require.False(t, q.ExpectsMore())
	})

	t.Run("cannot truncate", func(t *testing.T) {
		q := New[int](nil)
		require.True(t, q.Push(4, 4))
		require.False(t, q.SetFinalLength(3))
		require.True(t, q.SetFinalLength(5))
	})

	t.Run("dead after drain", func(t *testing.T) {
		q := New[int](nil)
		require.True(t, q.Push(0, 0))
		require.True(t, q.SetFinalLength(1))
		require.False(t, q.IsDead())
		_, ok := q.Pop()
		require.True(t, ok)
		require.True(t, q.IsDead())
	})

	t.Run("zero length is dead", func(t *testing.T) {
		q := New[int](nil)
		require.True(t, q.SetFinalLength(0))
		require.True(t, q.IsDead())
	})
}

func TestQueueResetBase(t *testing.T) {
	q := New[int](nil)
	q.ResetBase(100)
	require.EqualValues(t, 100, q.Base())
	require.False(t, q.Push(99, 0))
	require.True(t, q.Push(100, 1))
	require.Panics(t, func() { q.ResetBase(200) })
}

func TestQueueSkipNext(t *testing.T) {
	q := New[int](nil)
	require.True(t, q.Push(1, 1))
	require.False(t, q.HasNext())
	q.SkipNext()
	require.EqualValues(t, 1, q.Base())
	require.True(t, q.HasNext())
	e, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, 1, e)

	require.Panics(t, func() {
		q2 := New[int](nil)
		require.True(t, q2.Push(0, 0))
		q2.SkipNext()
	})
}

func TestQueueNextAndReduceSize(t *testing.T) {
	q := New[[]byte](byteLen)
	require.True(t, q.Push(0, []byte("abcd")))
	require.Equal(t, 4, q.AvailableBytes())

	head := q.Next()
	*head = (*head)[2:]
	q.ReduceNextSize(2)
	require.Equal(t, 2, q.AvailableBytes())

	e, ok := q.Pop()
	require.True(t, ok)
	require.Equal(t, "cd", string(e))
}

func TestQueueRandomInterleaving(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		const total = 64
		q := New[int](func(int) int { return 1 })
		perm := rng.Perm(total)

		pushed := make(map[int]bool)
		next := 0
		for _, p := range perm {
			require.True(t, q.Push(Number(p), p))
			pushed[p] = true

			// Available run must equal the maximal contiguous prefix
			// from the base.
			run := 0
			for pushed[next+run] {
				run++
			}
			require.Equal(t, run, q.AvailableElements())
			require.Equal(t, run, q.AvailableBytes())

			// Occasionally drain part of the head run.
			for run > 0 && rng.Intn(3) == 0 {
				e, ok := q.Pop()
				require.True(t, ok)
				require.Equal(t, next, e)
				delete(pushed, next)
				next++
				run--
			}
		}
		for next < total {
			e, ok := q.Pop()
			require.True(t, ok)
			require.Equal(t, next, e)
			next++
		}
		require.True(t, q.IsEmpty())
	}
}

func TestQueueReallocationSlidesWindow(t *testing.T) {
	q := New[int](nil)
	for i := 0; i < 1000; i++ {
		require.True(t, q.Push(Number(i), i))
		e, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, i, e)
	}
	require.EqualValues(t, 1000, q.Base())

	// A fresh far-ahead push after full drain still works.
	require.True(t, q.Push(1500, 1500))
	require.False(t, q.HasNext())
	require.Equal(t, 0, q.AvailableElements())
}
