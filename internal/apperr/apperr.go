package apperr

import (
	"net/http"

	"dianping/internal/store"
	rediskit "dianping/pkg/redis"

	"github.com/cockroachdb/errors"
)

// 业务错误：均为终态，核心逻辑不会自动重试。
var (
	ErrShopNotFound     = errors.New("商铺不存在")
	ErrVoucherNotFound  = errors.New("优惠券不存在")
	ErrOrderNotFound    = errors.New("订单不存在")
	ErrNotStarted       = errors.New("秒杀尚未开始")
	ErrEnded            = errors.New("秒杀已经结束")
	ErrOutOfStock       = errors.New("库存不足")
	ErrAlreadyPurchased = errors.New("用户已经购买过一次")
	ErrDuplicateRequest = errors.New("不允许重复下单")
	ErrInvalidArgument  = errors.New("参数错误")
	ErrRateLimited      = errors.New("请求过于频繁，请稍后再试")
	ErrUnauthorized     = errors.New("admin token 无效")
	// ErrBusy 互斥重建在限定次数/期限内未拿到锁，可稍后重试。
	ErrBusy = errors.New("服务繁忙，请稍后再试")
)

// Status 是错误对外的稳定表示。
type Status struct {
	HTTP      int
	Code      int
	Msg       string
	Retryable bool
}

var statuses = []struct {
	err    error
	status Status
}{
	{ErrShopNotFound, Status{http.StatusNotFound, 40401, "", false}},
	{ErrVoucherNotFound, Status{http.StatusNotFound, 40402, "", false}},
	{ErrOrderNotFound, Status{http.StatusNotFound, 40403, "", false}},
	{ErrNotStarted, Status{http.StatusBadRequest, 40001, "", false}},
	{ErrEnded, Status{http.StatusBadRequest, 40002, "", false}},
	{ErrOutOfStock, Status{http.StatusBadRequest, 40003, "", false}},
	{ErrAlreadyPurchased, Status{http.StatusBadRequest, 40004, "", false}},
	{ErrInvalidArgument, Status{http.StatusBadRequest, 40005, "", false}},
	{ErrUnauthorized, Status{http.StatusUnauthorized, 40100, "", false}},
	{ErrDuplicateRequest, Status{http.StatusConflict, 40901, "", false}},
	{ErrRateLimited, Status{http.StatusTooManyRequests, 42901, "", true}},
	{ErrBusy, Status{http.StatusServiceUnavailable, 50302, "", true}},
}

var unavailable = Status{http.StatusServiceUnavailable, 50301, "依赖服务暂不可用，请稍后重试", true}

// Classify 将任意错误映射为稳定的 HTTP 状态、业务码与提示语。
func Classify(err error) Status {
	for _, s := range statuses {
		if errors.Is(err, s.err) {
			st := s.status
			st.Msg = s.err.Error()
			return st
		}
	}
	if errors.Is(err, rediskit.ErrUnavailable) || errors.Is(err, store.ErrUnavailable) {
		return unavailable
	}
	return Status{http.StatusInternalServerError, 50000, "服务器内部错误", true}
}
