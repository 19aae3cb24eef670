// internal/api/handlers/auth_handler.go
// 登入 API Handler

package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"sendy/internal/config"
)

// tokenTTL 登入 Token 有效期限
const tokenTTL = 7 * 24 * time.Hour

// LoginRequest 登入請求
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// AuthHandler 登入 Handler
type AuthHandler struct {
	cfg *config.Config
	now func() time.Time
}

// NewAuthHandler 建立 Auth Handler
func NewAuthHandler(cfg *config.Config) *AuthHandler {
	return &AuthHandler{
		cfg: cfg,
		now: time.Now,
	}
}

// Login 驗證帳號密碼並簽發 Token
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "validation_error",
			"message": "Email and password required",
		})
		return
	}

	if h.cfg.AuthEmail == "" || h.cfg.AuthPasswordHash == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"error":   "auth_not_configured",
			"message": "Login is not configured on this server",
		})
		return
	}

	if !strings.EqualFold(req.Email, h.cfg.AuthEmail) ||
		bcrypt.CompareHashAndPassword([]byte(h.cfg.AuthPasswordHash), []byte(req.Password)) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"error":   "invalid_credentials",
			"message": "Invalid email or password",
		})
		return
	}

	now := h.now()
	claims := jwt.MapClaims{
		"iss":   "sendy",
		"email": h.cfg.AuthEmail,
		"iat":   now.Unix(),
		"exp":   now.Add(tokenTTL).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(h.cfg.JWTSecret))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "token_generation_error",
			"message": "Failed to generate token",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token": tokenString,
		"user":  gin.H{"email": h.cfg.AuthEmail},
	})
}
