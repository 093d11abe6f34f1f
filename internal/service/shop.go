package service

import (
	"context"
	"time"

	"dianping/internal/apperr"
	"dianping/internal/cache"
	"dianping/internal/model"
	"dianping/internal/store"
	rediskit "dianping/pkg/redis"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// ShopStore 商铺读写所需的数据库能力。
type ShopStore interface {
	ShopByID(ctx context.Context, id uint64) (*model.Shop, error)
	UpdateShop(ctx context.Context, shop *model.Shop) error
}

type ShopConfig struct {
	Strategy   cache.Strategy
	TTL        time.Duration
	LogicalTTL time.Duration
}

// ShopService 商铺查询：按部署配置选定一种缓存策略。
type ShopService struct {
	shops ShopStore
	cache *cache.Client
	cfg   ShopConfig
	log   *zap.Logger
	src   cache.Source[model.Shop]
}

func NewShopService(shops ShopStore, c *cache.Client, cfg ShopConfig, log *zap.Logger) *ShopService {
	if cfg.Strategy == "" {
		cfg.Strategy = cache.LogicalExpire
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.LogicalTTL <= 0 {
		cfg.LogicalTTL = 20 * time.Second
	}
	s := &ShopService{shops: shops, cache: c, cfg: cfg, log: log}
	s.src = cache.Source[model.Shop]{
		KeyPrefix:  rediskit.CacheShopKeyPrefix,
		LockPrefix: "shop:",
		TTL:        cfg.TTL,
		LogicalTTL: cfg.LogicalTTL,
		Load:       s.load,
	}
	return s
}

// load 回源；不存在返回 (nil, nil) 交给缓存层写空值。
func (s *ShopService) load(ctx context.Context, id uint64) (*model.Shop, error) {
	shop, err := s.shops.ShopByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return shop, err
}

// QueryByID 查询商铺。
func (s *ShopService) QueryByID(ctx context.Context, id uint64) (*model.Shop, error) {
	if id == 0 {
		return nil, errors.Wrap(apperr.ErrInvalidArgument, "shop id")
	}
	shop, err := cache.Query(ctx, s.cache, s.cfg.Strategy, s.src, id)
	switch {
	case err == nil:
		return shop, nil
	case errors.Is(err, cache.ErrNotFound):
		return nil, errors.Wrapf(apperr.ErrShopNotFound, "shop %d", id)
	case errors.Is(err, cache.ErrBusy):
		return nil, errors.Mark(err, apperr.ErrBusy)
	}
	return nil, err
}

// Update 先更新数据库，再删除缓存。
// 数据库已提交后删除缓存失败只记录日志：旧值最多存活到 TTL 或逻辑过期。
func (s *ShopService) Update(ctx context.Context, shop *model.Shop) error {
	if shop == nil || shop.ID == 0 {
		return errors.Wrap(apperr.ErrInvalidArgument, "店铺id不能为空")
	}
	if err := s.shops.UpdateShop(ctx, shop); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errors.Wrapf(apperr.ErrShopNotFound, "shop %d", shop.ID)
		}
		return err
	}
	if err := s.cache.Delete(ctx, rediskit.CacheShopKey(shop.ID)); err != nil {
		s.log.Error("invalidate shop cache", zap.Uint64("shop_id", shop.ID), zap.Error(err))
	}
	return nil
}

// Preheat 预热逻辑过期缓存；expire<=0 时使用配置的 LogicalTTL。
func (s *ShopService) Preheat(ctx context.Context, id uint64, expire time.Duration) error {
	if expire <= 0 {
		expire = s.cfg.LogicalTTL
	}
	shop, err := s.shops.ShopByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errors.Wrapf(apperr.ErrShopNotFound, "shop %d", id)
		}
		return err
	}
	return s.cache.SetWithLogicalExpire(ctx, rediskit.CacheShopKey(id), shop, expire)
}
