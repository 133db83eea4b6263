package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RequireScope 检查当前身份是否具有给定的权限范围，必须在 AuthMiddleware 之后使用。
func RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if Claims(c) == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无法获取身份信息"})
			return
		}
		if !HasScope(c, scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": http.StatusForbidden, "message": "权限不足，需要 " + scope})
			return
		}
		c.Next()
	}
}
