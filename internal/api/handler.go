// Package api 路由配置
package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router 返回配置好的 HTTP 路由
//
// 路由规则：
//
// 健康检查与指标:
//   - GET  /health  - 服务健康检查
//   - GET  /metrics - Prometheus 指标
//
// 鉴权:
//   - POST /api/v1/auth/login - 管理员登录换取访问令牌
//
// 账号管理:
//   - POST   /api/v1/accounts/initiate-add - 发起添加账号的设备码握手
//   - GET    /api/v1/accounts              - 列出所有者的账号（含会话投影）
//   - DELETE /api/v1/accounts/{id}         - 删除账号（级联清理凭证与连接）
//
// 机器人启停:
//   - POST /api/v1/bots/start - 批量节流启动
//   - POST /api/v1/bots/stop  - 批量立即停止
//
// WebSocket:
//   - GET /ws - 实时通知推送
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /api/v1/auth/login", h.Login)

	mux.HandleFunc("POST /api/v1/accounts/initiate-add", h.InitiateAdd)
	mux.HandleFunc("GET /api/v1/accounts", h.ListAccounts)
	mux.HandleFunc("DELETE /api/v1/accounts/{id}", h.DeleteAccount)

	mux.HandleFunc("POST /api/v1/bots/start", h.StartBots)
	mux.HandleFunc("POST /api/v1/bots/stop", h.StopBots)

	mux.HandleFunc("GET /ws", h.gateway.HandleWebSocket)

	var handler http.Handler = mux
	if h.metrics != nil {
		handler = h.metrics.MetricsMiddleware(handler)
	}
	return handler
}

// Health 健康检查
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
