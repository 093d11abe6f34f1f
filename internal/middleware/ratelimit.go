package middleware

import (
	"fmt"
	"time"

	"dianping/internal/apperr"
	rediskit "dianping/pkg/redis"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// luaRateLimit：Redis 滑动窗口限流 Lua 脚本（原子操作）
// KEYS[1]=限流key，ARGV[1]=当前时间戳(ms)，ARGV[2]=窗口开始时间戳(ms)，ARGV[3]=窗口秒数
// ARGV[4]=本次请求成员，ARGV[5]=窗口内上限
// 返回：当前窗口内的请求数（超限返回 -1）
const luaRateLimit = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowStart = tonumber(ARGV[2])
local windowSec = tonumber(ARGV[3])
local member = ARGV[4]

-- 删除窗口外的旧记录
redis.call('ZREMRANGEBYSCORE', key, '0', windowStart)

local count = redis.call('ZCARD', key)

if count < tonumber(ARGV[5]) then
  redis.call('ZADD', key, now, member)
  redis.call('EXPIRE', key, windowSec)
  return count + 1
else
  return -1
end
`

var rateLimitScript = rd.NewScript(luaRateLimit)

// RedisRateLimit Redis 分布式限流（Lua 原子操作 + 按 UserID）。
// 需挂在 RequireUser 之后；拿不到用户时按 IP 限流。Redis 出错时放行。
func RedisRateLimit(rdb *rd.Client, limit int, window time.Duration, log *zap.Logger) gin.HandlerFunc {
	windowSec := int64(window / time.Second)
	if windowSec < 1 {
		windowSec = 1
	}
	return func(c *gin.Context) {
		var key string
		if userID, ok := UserID(c); ok {
			key = rediskit.RateLimitUserKey(userID)
		} else {
			key = rediskit.RateLimitIPKey(c.ClientIP())
		}

		now := time.Now()
		nowMs := now.UnixMilli()
		windowStart := nowMs - window.Milliseconds()
		member := fmt.Sprintf("%d-%d", nowMs, now.UnixNano())

		res, err := rateLimitScript.Run(c.Request.Context(), rdb, []string{key},
			nowMs, windowStart, windowSec, member, limit).Int()
		if err != nil {
			// 降级策略：限流器不可用不影响下单。
			log.Warn("rate limit unavailable", zap.String("key", key), zap.Error(err))
			c.Next()
			return
		}

		if res < 0 {
			abortWithError(c, apperr.ErrRateLimited)
			return
		}
		c.Next()
	}
}
