package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"bleepy/internal/auth"
)

// InternalSecretMiddleware 校验服务间调用密钥，secretHash 为 bcrypt 哈希。
func InternalSecretMiddleware(secretHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.TrimSpace(secretHash) == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "internal api secret is not configured"})
			return
		}
		// 密钥只接受 Header，不接受 query。
		token := strings.TrimSpace(c.GetHeader("X-Internal-Secret"))
		if token == "" || !auth.CheckSecret(token, secretHash) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
