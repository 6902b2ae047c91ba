// Package userauth 请求鉴权：JWT 令牌管理、密码哈希、HTTP 中间件
//
// 单管理员模型：凭 ADMIN_USER / ADMIN_PASSWORD_HASH 登录换取
// 访问令牌，令牌主体作为所有者 ID 贯穿全部账号操作。未配置
// JWT_SECRET 时进入无认证模式，所有请求归属本地所有者。
package userauth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// contextKey context 键类型
type contextKey string

const ctxKeyOwnerID contextKey = "owner_id"

// LocalOwner 无认证模式下的默认所有者
const LocalOwner = "local"

// Config 鉴权配置
type Config struct {
	JWTSecret         string
	AccessTokenTTL    time.Duration
	AdminUser         string
	AdminPasswordHash string
}

// Enabled 是否启用认证
func (c Config) Enabled() bool {
	return c.JWTSecret != ""
}

// ============================================================================
// 密码哈希
// ============================================================================

// HashPassword 使用 bcrypt 哈希密码
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), 12)
	return string(bytes), err
}

// CheckPassword 验证密码
func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// ============================================================================
// JWT Token
// ============================================================================

// Claims JWT 声明
type Claims struct {
	jwt.RegisteredClaims
	Type string `json:"type,omitempty"` // "access"
}

// GenerateAccessToken 生成访问令牌，主体为所有者 ID
func GenerateAccessToken(cfg Config, ownerID string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ownerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.AccessTokenTTL)),
		},
		Type: "access",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.JWTSecret))
}

// ParseToken 解析并校验令牌
func ParseToken(cfg Config, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// ============================================================================
// Context 注入
// ============================================================================

// WithOwnerID 将所有者 ID 注入 context
func WithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ctxKeyOwnerID, ownerID)
}

// OwnerFromContext 从 context 取出所有者 ID
func OwnerFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyOwnerID).(string); ok && v != "" {
		return v
	}
	return LocalOwner
}
