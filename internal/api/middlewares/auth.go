// internal/api/middlewares/auth.go
// JWT 認證中介軟體

package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"sendy/internal/config"
)

// ContextEmailKey 登入者 email 在 gin.Context 中的 key
const ContextEmailKey = "email"

// JWTAuth JWT 認證中介軟體
func JWTAuth(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 取得 Authorization header
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "missing_token",
				"message": "Authorization header is required",
			})
			c.Abort()
			return
		}

		// 解析 Bearer token
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "invalid_token_format",
				"message": "Authorization header must be Bearer token",
			})
			c.Abort()
			return
		}

		// 解析 JWT Token (含過期檢查)
		token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			c.JSON(http.StatusForbidden, gin.H{
				"success": false,
				"error":   "invalid_token",
				"message": "Invalid or expired token",
			})
			c.Abort()
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.JSON(http.StatusForbidden, gin.H{
				"success": false,
				"error":   "invalid_claims",
				"message": "Invalid token claims",
			})
			c.Abort()
			return
		}

		email, _ := claims["email"].(string)
		if email == "" {
			c.JSON(http.StatusForbidden, gin.H{
				"success": false,
				"error":   "invalid_claims",
				"message": "Token missing email",
			})
			c.Abort()
			return
		}

		c.Set(ContextEmailKey, email)
		c.Next()
	}
}
