package userauth

import (
	"net/http"
	"strings"

	"botfleet-admin/pkg/logging"
)

// 免认证路由白名单（前缀匹配）
//
// WebSocket 握手带不了自定义头，/ws 放行后由网关自行校验
// 查询参数中的令牌。
var publicPrefixes = []string{
	"/api/v1/auth/login",
	"/health",
	"/metrics",
	"/ws",
}

func isPublicRoute(path string) bool {
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Middleware 创建 JWT 认证中间件
//
// cfg.Enabled() == false 时放行所有请求并注入本地所有者。
func Middleware(cfg Config, log *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 无认证模式
			if !cfg.Enabled() {
				next.ServeHTTP(w, r.WithContext(WithOwnerID(r.Context(), LocalOwner)))
				return
			}

			if isPublicRoute(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, `{"error":"missing authorization header"}`, http.StatusUnauthorized)
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				http.Error(w, `{"error":"invalid authorization header"}`, http.StatusUnauthorized)
				return
			}

			claims, err := ParseToken(cfg, parts[1])
			if err != nil {
				log.WithError(err).Warn("Token parse failed")
				http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
				return
			}
			if claims.Type != "access" {
				http.Error(w, `{"error":"invalid token type"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithOwnerID(r.Context(), claims.Subject)))
		})
	}
}
