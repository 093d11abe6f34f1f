package router

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"dianping/internal/apperr"
	"dianping/internal/config"
	"dianping/internal/middleware"
	"dianping/internal/model"
	"dianping/internal/service"
	"dianping/internal/store"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// VoucherAdmin 发券与库存查询。
type VoucherAdmin interface {
	CreateSeckillVoucher(ctx context.Context, v *model.SeckillVoucher) error
	SeckillVoucherByID(ctx context.Context, voucherID uint64) (*model.SeckillVoucher, error)
	CountOrdersByVoucher(ctx context.Context, voucherID uint64) (int64, error)
}

type Deps struct {
	Shops    *service.ShopService
	Orders   *service.VoucherOrderService
	Vouchers VoucherAdmin
	RDB      *rd.Client
	Log      *zap.Logger
}

// Setup 注册全部 HTTP 路由。
func Setup(r *gin.Engine, d Deps, cfg config.AppConfig) {
	h := &handler{Deps: d}
	admin := middleware.RequireAdmin(cfg.AdminToken)

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"msg": "pong"})
	})

	shop := r.Group("/api/shop")
	shop.GET("/:id", h.queryShop)
	shop.PUT("", h.updateShop)
	shop.POST("/:id/preheat", admin, h.preheatShop)

	voucher := r.Group("/api/voucher")
	voucher.POST("", admin, h.addSeckillVoucher)
	voucher.GET("/:id", h.getSeckillVoucher)

	order := r.Group("/api/voucher-order")
	order.POST("/seckill/:id",
		middleware.RequireUser(),
		middleware.RedisRateLimit(d.RDB, cfg.Seckill.RateLimit, cfg.Seckill.RateWindow, d.Log),
		h.seckill)
	order.GET("/:id", middleware.RequireUser(), h.getReceipt)
}

type handler struct {
	Deps
}

// queryShop 根据 id 查询商铺（走缓存）。
func (h *handler) queryShop(c *gin.Context) {
	id, ok := h.paramID(c, "id")
	if !ok {
		return
	}
	shop, err := h.Shops.QueryByID(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": shop})
}

// updateShop 更新商铺并删除缓存。
func (h *handler) updateShop(c *gin.Context) {
	var shop model.Shop
	if err := c.ShouldBindJSON(&shop); err != nil {
		h.fail(c, errors.Mark(err, apperr.ErrInvalidArgument))
		return
	}
	if err := h.Shops.Update(c.Request.Context(), &shop); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0})
}

// preheatShop 把商铺写成逻辑过期缓存，body 可选 {"expireSeconds": N}。
func (h *handler) preheatShop(c *gin.Context) {
	id, ok := h.paramID(c, "id")
	if !ok {
		return
	}
	var req struct {
		ExpireSeconds int64 `json:"expireSeconds" binding:"omitempty,min=1"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.fail(c, errors.Mark(err, apperr.ErrInvalidArgument))
			return
		}
	}
	expire := time.Duration(req.ExpireSeconds) * time.Second
	if err := h.Shops.Preheat(c.Request.Context(), id, expire); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "msg": "预热成功"})
}

// addSeckillVoucher 新增秒杀券（含时间窗校验）。
func (h *handler) addSeckillVoucher(c *gin.Context) {
	var req struct {
		VoucherID uint64 `json:"voucherId" binding:"required,min=1"`
		Stock     int64  `json:"stock" binding:"min=0"`
		BeginTime string `json:"beginTime" binding:"required"`
		EndTime   string `json:"endTime" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, errors.Mark(err, apperr.ErrInvalidArgument))
		return
	}
	begin, err := time.Parse(time.RFC3339, req.BeginTime)
	if err != nil {
		h.fail(c, errors.Wrap(apperr.ErrInvalidArgument, "beginTime 格式错误，请用 RFC3339"))
		return
	}
	end, err := time.Parse(time.RFC3339, req.EndTime)
	if err != nil {
		h.fail(c, errors.Wrap(apperr.ErrInvalidArgument, "endTime 格式错误，请用 RFC3339"))
		return
	}
	if !end.After(begin) {
		h.fail(c, errors.Wrap(apperr.ErrInvalidArgument, "endTime 必须晚于 beginTime"))
		return
	}
	v := &model.SeckillVoucher{VoucherID: req.VoucherID, Stock: req.Stock, BeginTime: begin, EndTime: end}
	if err := h.Vouchers.CreateSeckillVoucher(c.Request.Context(), v); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			err = errors.Mark(err, apperr.ErrInvalidArgument)
		}
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": v})
}

// getSeckillVoucher 查询剩余库存与已售数量，供压测校验是否超卖。
func (h *handler) getSeckillVoucher(c *gin.Context) {
	id, ok := h.paramID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	v, err := h.Vouchers.SeckillVoucherByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = errors.Wrapf(apperr.ErrVoucherNotFound, "voucher %d", id)
		}
		h.fail(c, err)
		return
	}
	sold, err := h.Vouchers.CountOrdersByVoucher(ctx, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{
		"voucherId": v.VoucherID,
		"stock":     v.Stock,
		"sold":      sold,
		"beginTime": v.BeginTime,
		"endTime":   v.EndTime,
	}})
}

// seckill 秒杀下单入口，订单 ID 以字符串返回以免前端精度丢失。
func (h *handler) seckill(c *gin.Context) {
	voucherID, ok := h.paramID(c, "id")
	if !ok {
		return
	}
	userID, _ := middleware.UserID(c)
	orderID, err := h.Orders.Seckill(c.Request.Context(), userID, voucherID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": strconv.FormatUint(orderID, 10)})
}

// getReceipt 查询当前用户的订单回执。
func (h *handler) getReceipt(c *gin.Context) {
	id, ok := h.paramID(c, "id")
	if !ok {
		return
	}
	userID, _ := middleware.UserID(c)
	r, err := h.Orders.Receipt(c.Request.Context(), userID, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": gin.H{
		"orderId":    strconv.FormatUint(r.OrderID, 10),
		"userId":     r.UserID,
		"voucherId":  r.VoucherID,
		"status":     r.Status,
		"createTime": r.CreatedAt,
	}})
}

func (h *handler) paramID(c *gin.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		h.fail(c, errors.Wrapf(apperr.ErrInvalidArgument, "%s %q", name, c.Param(name)))
		return 0, false
	}
	return id, true
}

// fail 统一错误响应；5xx 记录日志，业务错误不记。
func (h *handler) fail(c *gin.Context, err error) {
	st := apperr.Classify(err)
	if st.HTTP >= http.StatusInternalServerError {
		h.Log.Error("request failed",
			zap.String("path", c.FullPath()), zap.Int("code", st.Code), zap.Error(err))
	}
	c.JSON(st.HTTP, gin.H{"code": st.Code, "msg": st.Msg})
}
