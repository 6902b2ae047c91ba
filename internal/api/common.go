// Package api 提供 HTTP API 处理器
//
// 文件组织：
//   - common.go: 通用工具函数和 Handler 定义
//   - handler.go: 路由配置
//   - accounts.go: 账号管理接口
//   - bots.go: 机器人启停接口
//   - auth.go: 管理员登录接口
//   - websocket.go: WebSocket 通知网关
//   - relay.go: Redis Streams 跨实例事件中继
//   - metrics.go: Prometheus 指标
package api

import (
	"encoding/json"
	"net/http"

	"botfleet-admin/internal/config"
	"botfleet-admin/internal/credcache"
	"botfleet-admin/internal/fleet"
	"botfleet-admin/internal/model"
	"botfleet-admin/internal/msauth"
	"botfleet-admin/internal/storage"
	"botfleet-admin/internal/userauth"
	"botfleet-admin/pkg/logging"
)

// Broadcaster 通知事件出口（本地网关或 Redis 中继）
type Broadcaster interface {
	Broadcast(ev model.Event)
}

// Handler API 处理器
//
// 所有 HTTP 接口的入口，持有编排器、车队管理器与通知网关。
type Handler struct {
	store        storage.Store
	credentials  credcache.Cache
	orchestrator *msauth.Orchestrator
	manager      *fleet.Manager
	coordinator  *fleet.Coordinator
	gateway      *Gateway
	broadcast    Broadcaster
	metrics      *Metrics
	authCfg      userauth.Config
	fleetCfg     config.FleetConfig
	log          *logging.Logger
}

// NewHandler 创建 Handler 实例；metrics 可为 nil（测试场景）
func NewHandler(
	store storage.Store,
	credentials credcache.Cache,
	orchestrator *msauth.Orchestrator,
	manager *fleet.Manager,
	coordinator *fleet.Coordinator,
	gateway *Gateway,
	broadcast Broadcaster,
	metrics *Metrics,
	authCfg userauth.Config,
	fleetCfg config.FleetConfig,
	log *logging.Logger,
) *Handler {
	return &Handler{
		store:        store,
		credentials:  credentials,
		orchestrator: orchestrator,
		manager:      manager,
		coordinator:  coordinator,
		gateway:      gateway,
		broadcast:    broadcast,
		metrics:      metrics,
		authCfg:      authCfg,
		fleetCfg:     fleetCfg,
		log:          log,
	}
}

// writeJSON 将数据以 JSON 格式写入 HTTP 响应
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError 将错误信息以 JSON 格式写入 HTTP 响应
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// decodeBody 解析 JSON 请求体
func decodeBody(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
