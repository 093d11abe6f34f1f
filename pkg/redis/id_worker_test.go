package redis

import (
	"context"
	"testing"
	"time"

	"dianping/internal/clock"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestIDWorker_Layout(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	now := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)
	w := NewIDWorker(s, clock.NewMockClock(now))

	id, err := w.NextID(ctx, "order")
	require.NoError(t, err)

	ts, seq := SplitID(id)
	require.Equal(t, now, ts)
	require.Equal(t, uint32(1), seq)

	v, err := mr.Get("icr:order:2024:05:01")
	require.NoError(t, err)
	require.Equal(t, "1", v)
}

func TestIDWorker_ConcurrentDistinctAndAfterPriorDay(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	clk := clock.NewMockClock(time.Date(2024, 5, 1, 23, 59, 59, 0, time.UTC))
	w := NewIDWorker(s, clk)

	var prevMax uint64
	for i := 0; i < 100; i++ {
		id, err := w.NextID(ctx, "order")
		require.NoError(t, err)
		require.Greater(t, id, prevMax)
		prevMax = id
	}

	clk.Set(time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC))

	const n = 10000
	ids := make([]uint64, n)
	var g errgroup.Group
	g.SetLimit(64)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			id, err := w.NextID(ctx, "order")
			ids[i] = id
			return err
		})
	}
	require.NoError(t, g.Wait())

	seen := make(map[uint64]struct{}, n)
	for _, id := range ids {
		require.Greater(t, id, prevMax)
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %d", id)
		seen[id] = struct{}{}
	}
	require.Len(t, seen, n)
}

func TestIDWorker_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	w := NewIDWorker(s, clock.NewMockClock(now))

	a, err := w.NextID(ctx, "order")
	require.NoError(t, err)
	b, err := w.NextID(ctx, "shop")
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestIDWorker_StoreFailure(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	_, err := NewIDWorker(s, nil).NextID(context.Background(), "order")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUnavailable))
}
