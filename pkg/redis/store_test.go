package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/errors"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb), mr
}

func TestStore_GetDistinguishesEmptyFromAbsent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, found, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, s.Set(ctx, "empty", "", time.Minute))
	v, found, err := s.Get(ctx, "empty")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "", v)
}

func TestStore_SetTTL(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	require.NoError(t, s.Set(ctx, "k", "v", 2*time.Minute))
	require.Equal(t, 2*time.Minute, mr.TTL("k"))

	require.NoError(t, s.Set(ctx, "forever", "v", 0))
	require.Equal(t, time.Duration(0), mr.TTL("forever"))

	mr.FastForward(3 * time.Minute)
	_, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)
}

func TestStore_DelIfEquals(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	require.NoError(t, mr.Set("lock:x", "a"))

	ok, err := s.DelIfEquals(ctx, "lock:x", "b")
	require.NoError(t, err)
	require.False(t, ok)
	require.True(t, mr.Exists("lock:x"))

	ok, err = s.DelIfEquals(ctx, "lock:x", "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, mr.Exists("lock:x"))

	ok, err = s.DelIfEquals(ctx, "lock:x", "a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_HashAndExpire(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	require.NoError(t, s.HSetAll(ctx, "h", map[string]string{"a": "1", "b": "2"}))
	require.NoError(t, s.Expire(ctx, "h", time.Minute))

	m, err := s.HGetAll(ctx, "h")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a": "1", "b": "2"}, m)
	require.Equal(t, time.Minute, mr.TTL("h"))

	m, err = s.HGetAll(ctx, "nope")
	require.NoError(t, err)
	require.Empty(t, m)
}

func TestStore_FailuresAreMarkedUnavailable(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	mr.Close()

	_, _, err := s.Get(ctx, "k")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUnavailable))

	_, err = s.Incr(ctx, "k")
	require.True(t, errors.Is(err, ErrUnavailable))

	_, err = s.SetNX(ctx, "k", "v", time.Second)
	require.True(t, errors.Is(err, ErrUnavailable))
}

func TestOrderReceipt_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	created := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	_, found, err := GetOrderReceipt(ctx, s, 42)
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, PutOrderReceipt(ctx, s, OrderReceipt{
		OrderID: 42, UserID: 7, VoucherID: 3, CreatedAt: created,
	}, time.Hour))

	got, found, err := GetOrderReceipt(ctx, s, 42)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, OrderReceipt{
		OrderID: 42, UserID: 7, VoucherID: 3, Status: ReceiptCreated, CreatedAt: created,
	}, got)
	require.Equal(t, time.Hour, mr.TTL(OrderReceiptKey(42)))
}
