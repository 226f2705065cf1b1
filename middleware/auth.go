package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mabletask/cdp/utils"
)

const (
	WriteKeyHeader = "X-API-KEY"
	ClaimsKey      = "claims"
)

// WriteKeyRequired guards ingestion. An empty key leaves the route open.
func WriteKeyRequired(key string, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}
		got := c.GetHeader(WriteKeyHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			logger.Debug("Rejected write key", zap.String("ip", c.ClientIP()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: invalid write key"})
			return
		}
		c.Next()
	}
}

// JWTRequired guards the read side. The token comes from the jwt_token cookie or a Bearer header.
func JWTRequired(secret []byte, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, err := c.Cookie("jwt_token")
		if err != nil || tokenString == "" {
			tokenString = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: No token provided"})
			return
		}

		claims, err := utils.ValidateJWT(secret, tokenString)
		if err != nil {
			logger.Info("Invalid JWT token", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized: Invalid or expired token"})
			return
		}

		c.Set(ClaimsKey, claims)
		c.Next()
	}
}
