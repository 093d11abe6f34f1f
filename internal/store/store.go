package store

import (
	"context"
	"strings"

	"dianping/internal/model"

	"github.com/cockroachdb/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound 记录不存在（业务缺失，可被缓存为空值）。
	ErrNotFound = errors.New("record not found")
	// ErrUnavailable 标记数据库访问失败，不应被缓存。
	ErrUnavailable = errors.New("database unavailable")
	// ErrDuplicateOrder (user_id, voucher_id) 唯一约束冲突。
	ErrDuplicateOrder = errors.New("duplicate voucher order")
	// ErrDuplicateKey 其他主键/唯一键冲突（如订单 ID 撞号）。
	ErrDuplicateKey = errors.New("duplicate key")
)

// Open 连接 SQLite（WAL + busy_timeout），单连接串行写，并自动建表。
func Open(path string) (*gorm.DB, error) {
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "db open")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "db handle")
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&model.Shop{}, &model.SeckillVoucher{}, &model.VoucherOrder{}); err != nil {
		return nil, errors.Wrap(err, "db migrate")
	}
	return db, nil
}

// Store 关系库访问。
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) ShopByID(ctx context.Context, id uint64) (*model.Shop, error) {
	var shop model.Shop
	if err := s.db.WithContext(ctx).First(&shop, id).Error; err != nil {
		return nil, classify(err, "shop %d", id)
	}
	return &shop, nil
}

func (s *Store) CreateShop(ctx context.Context, shop *model.Shop) error {
	if err := s.db.WithContext(ctx).Create(shop).Error; err != nil {
		return classify(err, "create shop")
	}
	return nil
}

// UpdateShop 按主键整行更新；没有命中任何行视为不存在。
func (s *Store) UpdateShop(ctx context.Context, shop *model.Shop) error {
	res := s.db.WithContext(ctx).Model(&model.Shop{}).
		Where("id = ?", shop.ID).
		Select("name", "type_id", "images", "area", "address", "x", "y",
			"avg_price", "sold", "comments", "score", "open_hours").
		Updates(shop)
	if res.Error != nil {
		return classify(res.Error, "update shop %d", shop.ID)
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(ErrNotFound, "update shop %d", shop.ID)
	}
	return nil
}

func (s *Store) SeckillVoucherByID(ctx context.Context, voucherID uint64) (*model.SeckillVoucher, error) {
	var v model.SeckillVoucher
	if err := s.db.WithContext(ctx).First(&v, "voucher_id = ?", voucherID).Error; err != nil {
		return nil, classify(err, "seckill voucher %d", voucherID)
	}
	return &v, nil
}

func (s *Store) CreateSeckillVoucher(ctx context.Context, v *model.SeckillVoucher) error {
	if err := s.db.WithContext(ctx).Create(v).Error; err != nil {
		if errorsLikeUnique(err) {
			return errors.Wrapf(ErrDuplicateKey, "seckill voucher %d", v.VoucherID)
		}
		return classify(err, "create seckill voucher")
	}
	return nil
}

func (s *Store) OrderByID(ctx context.Context, id uint64) (*model.VoucherOrder, error) {
	var o model.VoucherOrder
	if err := s.db.WithContext(ctx).First(&o, id).Error; err != nil {
		return nil, classify(err, "voucher order %d", id)
	}
	return &o, nil
}

// CountOrdersByVoucher 统计某券已售出订单数，用于对账。
func (s *Store) CountOrdersByVoucher(ctx context.Context, voucherID uint64) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.VoucherOrder{}).
		Where("voucher_id = ?", voucherID).Count(&n).Error; err != nil {
		return 0, classify(err, "count orders of voucher %d", voucherID)
	}
	return n, nil
}

// OrderTx 下单事务内可用的操作。
type OrderTx interface {
	// CountOrders 返回 (userID, voucherID) 已有订单数。
	CountOrders(ctx context.Context, userID, voucherID uint64) (int64, error)
	// DecrStock 条件扣减库存，返回是否扣减成功（false 表示库存已为 0）。
	DecrStock(ctx context.Context, voucherID uint64) (bool, error)
	CreateOrder(ctx context.Context, order *model.VoucherOrder) error
}

// Transact 在单个事务中执行 fn，fn 返回错误则整体回滚。
func (s *Store) Transact(ctx context.Context, fn func(tx OrderTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&Tx{db: db})
	})
}

// Tx 绑定在事务连接上的 OrderTx 实现。
type Tx struct {
	db *gorm.DB
}

var _ OrderTx = (*Tx)(nil)

func (t *Tx) CountOrders(ctx context.Context, userID, voucherID uint64) (int64, error) {
	var n int64
	err := t.db.WithContext(ctx).Model(&model.VoucherOrder{}).
		Where("user_id = ? AND voucher_id = ?", userID, voucherID).
		Count(&n).Error
	if err != nil {
		return 0, classify(err, "count orders user=%d voucher=%d", userID, voucherID)
	}
	return n, nil
}

func (t *Tx) DecrStock(ctx context.Context, voucherID uint64) (bool, error) {
	res := t.db.WithContext(ctx).Model(&model.SeckillVoucher{}).
		Where("voucher_id = ? AND stock > 0", voucherID).
		Update("stock", gorm.Expr("stock - 1"))
	if res.Error != nil {
		return false, classify(res.Error, "decr stock voucher=%d", voucherID)
	}
	return res.RowsAffected == 1, nil
}

// CreateOrder 插入订单。唯一冲突时回查 (user_id, voucher_id)：
// 已有订单为 ErrDuplicateOrder；否则是订单 ID 主键冲突，标记为可重试的 ErrUnavailable。
func (t *Tx) CreateOrder(ctx context.Context, order *model.VoucherOrder) error {
	err := t.db.WithContext(ctx).Create(order).Error
	if err == nil {
		return nil
	}
	if !errorsLikeUnique(err) {
		return classify(err, "create order %d", order.ID)
	}

	n, cerr := t.CountOrders(ctx, order.UserID, order.VoucherID)
	if cerr != nil {
		return cerr
	}
	if n > 0 {
		return errors.Wrapf(ErrDuplicateOrder, "user=%d voucher=%d", order.UserID, order.VoucherID)
	}
	return errors.Mark(errors.Wrapf(ErrDuplicateKey, "order id %d", order.ID), ErrUnavailable)
}

// classify 把 gorm 错误归类为 ErrNotFound 或 ErrUnavailable。
func classify(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrapf(ErrNotFound, format, args...)
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrUnavailable)
}

func errorsLikeUnique(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "UNIQUE") || strings.Contains(s, "unique")
}
