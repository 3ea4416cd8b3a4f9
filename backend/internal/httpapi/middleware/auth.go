package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"noteCollab/backend/internal/auth"
)

const IdentityKey = "identity"

// AuthMiddleware 在边界把身份令牌解析成唯一的身份契约（auth.Identity），
// 之后的处理函数只从 context 里拿 Identity，不再碰原始 token。
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := auth.ExtractBearer(c.Request.Header.Get("Authorization"))
		if tokenString == "" {
			// 兼容 WebSocket：浏览器无法自定义 Header，允许从 query ?token= 中获取
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}

		claims, err := auth.ParseToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "invalid token",
			})
			return
		}
		if claims.Type != "" && claims.Type != "access" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "access token required",
			})
			return
		}

		c.Set(IdentityKey, claims.Identity())
		c.Next()
	}
}

// IdentityFrom 从 gin context 里取出已解析的身份
func IdentityFrom(c *gin.Context) (auth.Identity, bool) {
	v, ok := c.Get(IdentityKey)
	if !ok {
		return auth.Identity{}, false
	}
	id, ok := v.(auth.Identity)
	return id, ok
}
