package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"dianping/internal/service"
	rediskit "dianping/pkg/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/errors"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testStream = "stream.orders"

var testCreated = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestRedis(t *testing.T) (*rd.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, mr
}

type fakeSink struct {
	mu     sync.Mutex
	events []OrderEvent
	err    error
}

func (s *fakeSink) Publish(_ context.Context, ev OrderEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func TestStreamPublisher_PublishOrderCreated(t *testing.T) {
	ctx := context.Background()
	rdb, _ := newTestRedis(t)
	p := NewStreamPublisher(rdb, testStream, 1000)

	err := p.PublishOrderCreated(ctx, service.OrderCreated{OrderID: 42, UserID: 7, VoucherID: 1, CreatedAt: testCreated})
	require.NoError(t, err)

	msgs, err := rdb.XRange(ctx, testStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, map[string]interface{}{
		"order_id":   "42",
		"user_id":    "7",
		"voucher_id": "1",
		"created_at": "2024-05-01T12:00:00Z",
	}, msgs[0].Values)

	err = p.PublishOrderCreated(ctx, service.OrderCreated{UserID: 7, VoucherID: 1})
	require.Error(t, err)
}

func TestParseOrderEvent(t *testing.T) {
	testCases := []struct {
		name    string
		values  map[string]interface{}
		want    OrderEvent
		wantErr bool
	}{
		{
			name: "valid",
			values: map[string]interface{}{
				"order_id": "42", "user_id": "7", "voucher_id": "1", "created_at": "2024-05-01T12:00:00Z",
			},
			want: OrderEvent{OrderID: 42, UserID: 7, VoucherID: 1, CreatedAt: testCreated},
		},
		{
			name:   "without created_at",
			values: map[string]interface{}{"order_id": "42", "user_id": int64(7), "voucher_id": []byte("1")},
			want:   OrderEvent{OrderID: 42, UserID: 7, VoucherID: 1},
		},
		{name: "missing order_id", values: map[string]interface{}{"user_id": "7", "voucher_id": "1"}, wantErr: true},
		{name: "bad user_id", values: map[string]interface{}{"order_id": "42", "user_id": "x", "voucher_id": "1"}, wantErr: true},
		{name: "zero voucher", values: map[string]interface{}{"order_id": "42", "user_id": "7", "voucher_id": "0"}, wantErr: true},
		{
			name:    "bad created_at",
			values:  map[string]interface{}{"order_id": "42", "user_id": "7", "voucher_id": "1", "created_at": "yesterday"},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseOrderEvent(tc.values)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestRelay_ForwardsAndAcks(t *testing.T) {
	ctx := context.Background()
	rdb, _ := newTestRedis(t)
	sink := &fakeSink{}
	r := NewRelay(rdb, sink, testStream, "relay", "c1", zap.NewNop())
	require.NoError(t, r.ensureGroup(ctx))
	require.NoError(t, r.ensureGroup(ctx))

	p := NewStreamPublisher(rdb, testStream, 0)
	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, p.PublishOrderCreated(ctx, service.OrderCreated{OrderID: i, UserID: 7, VoucherID: 1, CreatedAt: testCreated}))
	}

	n, err := r.poll(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Len(t, sink.events, 3)
	require.Equal(t, uint64(1), sink.events[0].OrderID)

	length, err := rdb.XLen(ctx, testStream).Result()
	require.NoError(t, err)
	require.Zero(t, length)
}

func TestRelay_SinkFailureKeepsMessagePending(t *testing.T) {
	ctx := context.Background()
	rdb, _ := newTestRedis(t)
	sink := &fakeSink{err: errors.New("kafka down")}
	r := NewRelay(rdb, sink, testStream, "relay", "c1", zap.NewNop())
	require.NoError(t, r.ensureGroup(ctx))

	p := NewStreamPublisher(rdb, testStream, 0)
	require.NoError(t, p.PublishOrderCreated(ctx, service.OrderCreated{OrderID: 9, UserID: 7, VoucherID: 1, CreatedAt: testCreated}))

	_, err := r.poll(ctx, 10*time.Millisecond)
	require.Error(t, err)
	require.Empty(t, sink.events)

	sink.mu.Lock()
	sink.err = nil
	sink.mu.Unlock()

	// 第二轮从 pending 重新读取。
	n, err := r.poll(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, sink.events, 1)
	require.Equal(t, uint64(9), sink.events[0].OrderID)
}

func TestRelay_DropsMalformed(t *testing.T) {
	ctx := context.Background()
	rdb, _ := newTestRedis(t)
	sink := &fakeSink{}
	r := NewRelay(rdb, sink, testStream, "relay", "c1", zap.NewNop())
	require.NoError(t, r.ensureGroup(ctx))

	require.NoError(t, rdb.XAdd(ctx, &rd.XAddArgs{Stream: testStream, Values: map[string]interface{}{"order_id": "oops"}}).Err())

	n, err := r.poll(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Empty(t, sink.events)

	length, err := rdb.XLen(ctx, testStream).Result()
	require.NoError(t, err)
	require.Zero(t, length)
}

func TestConsumer_HandleWritesReceipt(t *testing.T) {
	ctx := context.Background()
	rdb, mr := newTestRedis(t)
	kv := rediskit.NewStore(rdb)
	c := &Consumer{kv: kv, ttl: time.Hour, log: zap.NewNop()}

	body, err := json.Marshal(OrderEvent{OrderID: 42, UserID: 7, VoucherID: 1, CreatedAt: testCreated})
	require.NoError(t, err)

	require.NoError(t, c.handle(ctx, body))
	// 重复消息覆盖写，结果不变。
	require.NoError(t, c.handle(ctx, body))

	got, found, err := rediskit.GetOrderReceipt(ctx, kv, 42)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, rediskit.OrderReceipt{
		OrderID: 42, UserID: 7, VoucherID: 1, Status: rediskit.ReceiptCreated, CreatedAt: testCreated,
	}, got)
	require.Equal(t, time.Hour, mr.TTL(rediskit.OrderReceiptKey(42)))

	require.Error(t, c.handle(ctx, []byte("{")))
	require.Error(t, c.handle(ctx, []byte(`{"order_id":1}`)))

	mr.Close()
	err = c.handle(ctx, body)
	require.True(t, errors.Is(err, rediskit.ErrUnavailable))
}
