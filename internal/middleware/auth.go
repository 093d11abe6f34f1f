package middleware

import (
	"strconv"

	"dianping/internal/apperr"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
)

const (
	// UserIDHeader 由上游网关完成认证后注入。
	UserIDHeader = "X-User-ID"
	userIDKey    = "userID"
)

// RequireUser 从请求头解析当前用户，缺失或非法时拒绝。
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(UserIDHeader)
		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || id == 0 {
			abortWithError(c, errors.Wrapf(apperr.ErrInvalidArgument, "%s %q", UserIDHeader, raw))
			return
		}
		c.Set(userIDKey, id)
		c.Next()
	}
}

// UserID 读取 RequireUser 写入的用户 ID。
func UserID(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(userIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

// RequireAdmin 校验管理员令牌（demo 级别保护）。
func RequireAdmin(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" || c.GetHeader("X-Admin-Token") != token {
			abortWithError(c, apperr.ErrUnauthorized)
			return
		}
		c.Next()
	}
}

func abortWithError(c *gin.Context, err error) {
	st := apperr.Classify(err)
	c.AbortWithStatusJSON(st.HTTP, gin.H{"code": st.Code, "msg": st.Msg})
}
