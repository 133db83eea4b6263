// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"pkm-engine/pkg/log"
	"pkm-engine/pkg/token"
)

const claimsKey = "claims"

// localClaims 是关闭认证时（桌面本地模式）使用的身份，拥有全部权限。
var localClaims = &token.CustomClaims{ClientID: "local", Scopes: token.AllScopes}

// AuthMiddleware 创建一个 Gin 中间件，用于 JWT 认证。
// 它会从请求头中提取 token，验证其有效性，并将 claims 存入 Gin 的上下文中。
// enabled=false 时不校验，直接以本地身份放行。
func AuthMiddleware(jwtManager *token.JWTManager, enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !enabled {
			c.Set(claimsKey, localClaims)
			c.Next()
			return
		}

		tokenString := bearerToken(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "请求未包含有效的授权头"})
			return
		}

		claims, err := jwtManager.VerifyToken(tokenString)
		if err != nil {
			log.Warnf("[Auth] token 校验失败: %v", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效或已过期的 token"})
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

// bearerToken 从 Authorization 头读取 token；浏览器的 WebSocket 无法设置请求头，允许用 query 参数 token 传递。
func bearerToken(c *gin.Context) string {
	const bearerPrefix = "Bearer "
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(h, bearerPrefix))
	}
	return c.Query("token")
}

// Claims 返回 AuthMiddleware 存入的身份。
func Claims(c *gin.Context) *token.CustomClaims {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*token.CustomClaims)
	return claims
}

// HasScope 判断当前请求是否拥有权限范围。
func HasScope(c *gin.Context, scope string) bool {
	claims := Claims(c)
	return claims != nil && claims.HasScope(scope)
}
