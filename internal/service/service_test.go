package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"dianping/internal/clock"
	"dianping/internal/model"
	"dianping/internal/store"
	rediskit "dianping/pkg/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/cockroachdb/errors"
	rd "github.com/redis/go-redis/v9"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestKV(t *testing.T) (*rediskit.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	return rediskit.NewStore(rdb), mr
}

// fakeStore 内存版关系库：Transact 串行执行，出错时回滚快照，
// 可选开启 (user_id, voucher_id) 唯一约束。
type fakeStore struct {
	mu       sync.Mutex
	vouchers map[uint64]model.SeckillVoucher
	orders   map[uint64]model.VoucherOrder
	unique   bool
	// staleStock 非零时 SeckillVoucherByID 返回该库存，模拟读到旧值。
	staleStock int64
}

func newFakeStore(vouchers ...model.SeckillVoucher) *fakeStore {
	s := &fakeStore{
		vouchers: map[uint64]model.SeckillVoucher{},
		orders:   map[uint64]model.VoucherOrder{},
		unique:   true,
	}
	for _, v := range vouchers {
		s.vouchers[v.VoucherID] = v
	}
	return s
}

func (s *fakeStore) SeckillVoucherByID(_ context.Context, id uint64) (*model.SeckillVoucher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vouchers[id]
	if !ok {
		return nil, errors.Wrapf(store.ErrNotFound, "voucher %d", id)
	}
	if s.staleStock != 0 {
		v.Stock = s.staleStock
	}
	return &v, nil
}

func (s *fakeStore) OrderByID(_ context.Context, id uint64) (*model.VoucherOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, errors.Wrapf(store.ErrNotFound, "order %d", id)
	}
	return &o, nil
}

func (s *fakeStore) Transact(_ context.Context, fn func(tx store.OrderTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	vouchers := make(map[uint64]model.SeckillVoucher, len(s.vouchers))
	for k, v := range s.vouchers {
		vouchers[k] = v
	}
	orders := make(map[uint64]model.VoucherOrder, len(s.orders))
	for k, v := range s.orders {
		orders[k] = v
	}

	if err := fn(fakeTx{s}); err != nil {
		s.vouchers, s.orders = vouchers, orders
		return err
	}
	return nil
}

func (s *fakeStore) stock(id uint64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vouchers[id].Stock
}

func (s *fakeStore) orderList() []model.VoucherOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.VoucherOrder, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	return out
}

type fakeTx struct{ s *fakeStore }

func (t fakeTx) CountOrders(_ context.Context, userID, voucherID uint64) (int64, error) {
	var n int64
	for _, o := range t.s.orders {
		if o.UserID == userID && o.VoucherID == voucherID {
			n++
		}
	}
	return n, nil
}

func (t fakeTx) DecrStock(_ context.Context, voucherID uint64) (bool, error) {
	v, ok := t.s.vouchers[voucherID]
	if !ok || v.Stock <= 0 {
		return false, nil
	}
	v.Stock--
	t.s.vouchers[voucherID] = v
	return true, nil
}

func (t fakeTx) CreateOrder(_ context.Context, o *model.VoucherOrder) error {
	if t.s.unique {
		for _, e := range t.s.orders {
			if e.UserID == o.UserID && e.VoucherID == o.VoucherID {
				return errors.Wrap(store.ErrDuplicateOrder, "unique")
			}
		}
	}
	if _, dup := t.s.orders[o.ID]; dup {
		return errors.Mark(errors.Wrapf(store.ErrDuplicateKey, "order id %d", o.ID), store.ErrUnavailable)
	}
	o.CreatedAt = testNow
	t.s.orders[o.ID] = *o
	return nil
}

func openVoucher(id uint64, stock int64) model.SeckillVoucher {
	return model.SeckillVoucher{
		VoucherID: id,
		Stock:     stock,
		BeginTime: testNow.Add(-time.Hour),
		EndTime:   testNow.Add(time.Hour),
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []OrderCreated
	err    error
}

func (p *recordingPublisher) PublishOrderCreated(_ context.Context, ev OrderCreated) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

type failingIDs struct{}

func (failingIDs) NextID(context.Context, string) (uint64, error) {
	return 0, errors.Mark(errors.New("dial tcp: refused"), rediskit.ErrUnavailable)
}

func newOrderService(t *testing.T, st VoucherStore, opts ...VoucherOrderOption) (*VoucherOrderService, *miniredis.Miniredis) {
	t.Helper()
	kv, mr := newTestKV(t)
	clk := clock.NewMockClock(testNow)
	svc := NewVoucherOrderService(st, rediskit.NewIDWorker(kv, clk), NewRedisUserLocker(kv, 10*time.Second), clk, nil, opts...)
	return svc, mr
}
