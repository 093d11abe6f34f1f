package service

import (
	"context"
	"time"

	"dianping/internal/apperr"
	"dianping/internal/clock"
	"dianping/internal/model"
	"dianping/internal/store"
	rediskit "dianping/pkg/redis"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// orderIDPrefix 订单 ID 的业务键，计数器为 icr:order:{date}。
const orderIDPrefix = "order"

// VoucherStore 秒杀下单所需的数据库能力。
type VoucherStore interface {
	SeckillVoucherByID(ctx context.Context, voucherID uint64) (*model.SeckillVoucher, error)
	OrderByID(ctx context.Context, id uint64) (*model.VoucherOrder, error)
	Transact(ctx context.Context, fn func(tx store.OrderTx) error) error
}

type IDGenerator interface {
	NextID(ctx context.Context, keyPrefix string) (uint64, error)
}

// OrderCreated 下单成功后发布的事件。
type OrderCreated struct {
	OrderID   uint64
	UserID    uint64
	VoucherID uint64
	CreatedAt time.Time
}

// EventPublisher 下单事件出口；发布失败不影响已提交的订单。
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, ev OrderCreated) error
}

// VoucherOrderService 秒杀下单。
type VoucherOrderService struct {
	vouchers VoucherStore
	ids      IDGenerator
	locks    UserLocker
	events   EventPublisher
	receipts rediskit.KV
	clock    clock.Clock
	log      *zap.Logger

	receiptTTL time.Duration
}

type VoucherOrderOption func(*VoucherOrderService)

// WithEventPublisher 下单成功后发布事件。
func WithEventPublisher(p EventPublisher) VoucherOrderOption {
	return func(s *VoucherOrderService) { s.events = p }
}

// WithReceipts 启用 Redis 订单回执（查询时回填）。
func WithReceipts(kv rediskit.KV, ttl time.Duration) VoucherOrderOption {
	return func(s *VoucherOrderService) {
		s.receipts = kv
		s.receiptTTL = ttl
	}
}

func NewVoucherOrderService(vouchers VoucherStore, ids IDGenerator, locks UserLocker, clk clock.Clock, log *zap.Logger, opts ...VoucherOrderOption) *VoucherOrderService {
	if clk == nil {
		clk = clock.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &VoucherOrderService{
		vouchers: vouchers,
		ids:      ids,
		locks:    locks,
		clock:    clk,
		log:      log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Seckill 秒杀下单，成功返回订单 ID。
// 1. 校验券存在、时间窗、库存
// 2. 获取用户锁（失败直接拒绝，不重试）
// 3. 事务内：一人一单检查 → 条件扣减库存 → 生成 ID 并落单
// 4. 释放用户锁，发布下单事件
func (s *VoucherOrderService) Seckill(ctx context.Context, userID, voucherID uint64) (uint64, error) {
	if userID == 0 || voucherID == 0 {
		return 0, errors.Wrap(apperr.ErrInvalidArgument, "user id and voucher id are required")
	}

	voucher, err := s.vouchers.SeckillVoucherByID(ctx, voucherID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, errors.Wrapf(apperr.ErrVoucherNotFound, "voucher %d", voucherID)
		}
		return 0, err
	}
	now := s.clock.Now()
	if now.Before(voucher.BeginTime) {
		return 0, errors.Wrapf(apperr.ErrNotStarted, "voucher %d", voucherID)
	}
	if now.After(voucher.EndTime) {
		return 0, errors.Wrapf(apperr.ErrEnded, "voucher %d", voucherID)
	}
	if voucher.Stock < 1 {
		return 0, errors.Wrapf(apperr.ErrOutOfStock, "voucher %d", voucherID)
	}

	release, ok, err := s.locks.Acquire(ctx, userID)
	if err != nil {
		return 0, err
	}
	if !ok {
		// 同一用户已有请求在处理，重试可能产生重复订单，直接拒绝。
		return 0, errors.Wrapf(apperr.ErrDuplicateRequest, "user %d", userID)
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := release(rctx); err != nil {
			s.log.Warn("release user lock", zap.Uint64("user_id", userID), zap.Error(err))
		}
	}()

	order, err := s.createVoucherOrder(ctx, userID, voucherID)
	if err != nil {
		return 0, err
	}

	s.publish(ctx, order)
	return order.ID, nil
}

// createVoucherOrder 在单个事务内完成检查、扣减与落单，任一步失败整体回滚。
func (s *VoucherOrderService) createVoucherOrder(ctx context.Context, userID, voucherID uint64) (*model.VoucherOrder, error) {
	var order *model.VoucherOrder
	err := s.vouchers.Transact(ctx, func(tx store.OrderTx) error {
		count, err := tx.CountOrders(ctx, userID, voucherID)
		if err != nil {
			return err
		}
		if count > 0 {
			return errors.Wrapf(apperr.ErrAlreadyPurchased, "user %d voucher %d", userID, voucherID)
		}

		ok, err := tx.DecrStock(ctx, voucherID)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Wrapf(apperr.ErrOutOfStock, "voucher %d", voucherID)
		}

		id, err := s.ids.NextID(ctx, orderIDPrefix)
		if err != nil {
			return err
		}
		o := &model.VoucherOrder{
			ID:        id,
			UserID:    userID,
			VoucherID: voucherID,
			PayType:   1,
			Status:    model.OrderStatusUnpaid,
		}
		if err := tx.CreateOrder(ctx, o); err != nil {
			if errors.Is(err, store.ErrDuplicateOrder) {
				return errors.Mark(err, apperr.ErrAlreadyPurchased)
			}
			return err
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (s *VoucherOrderService) publish(ctx context.Context, o *model.VoucherOrder) {
	if s.events == nil {
		return
	}
	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.clock.Now()
	}
	ev := OrderCreated{OrderID: o.ID, UserID: o.UserID, VoucherID: o.VoucherID, CreatedAt: createdAt}
	if err := s.events.PublishOrderCreated(ctx, ev); err != nil {
		s.log.Warn("publish order created", zap.Uint64("order_id", o.ID), zap.Error(err))
	}
}

// Receipt 查询 userID 自己的订单回执：先读 Redis 哈希，缺失时回源数据库并回填。
// 订单不属于该用户时与不存在同样处理。
func (s *VoucherOrderService) Receipt(ctx context.Context, userID, orderID uint64) (rediskit.OrderReceipt, error) {
	r, err := s.receipt(ctx, orderID)
	if err != nil {
		return rediskit.OrderReceipt{}, err
	}
	if r.UserID != userID {
		return rediskit.OrderReceipt{}, errors.Wrapf(apperr.ErrOrderNotFound, "order %d", orderID)
	}
	return r, nil
}

func (s *VoucherOrderService) receipt(ctx context.Context, orderID uint64) (rediskit.OrderReceipt, error) {
	if s.receipts != nil {
		r, found, err := rediskit.GetOrderReceipt(ctx, s.receipts, orderID)
		if err != nil {
			s.log.Warn("read order receipt", zap.Uint64("order_id", orderID), zap.Error(err))
		} else if found {
			return r, nil
		}
	}

	o, err := s.vouchers.OrderByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return rediskit.OrderReceipt{}, errors.Wrapf(apperr.ErrOrderNotFound, "order %d", orderID)
		}
		return rediskit.OrderReceipt{}, err
	}
	r := rediskit.OrderReceipt{
		OrderID:   o.ID,
		UserID:    o.UserID,
		VoucherID: o.VoucherID,
		Status:    rediskit.ReceiptCreated,
		CreatedAt: o.CreatedAt,
	}
	if s.receipts != nil {
		if err := rediskit.PutOrderReceipt(ctx, s.receipts, r, s.receiptTTL); err != nil {
			s.log.Warn("backfill order receipt", zap.Uint64("order_id", orderID), zap.Error(err))
		}
	}
	return r, nil
}
