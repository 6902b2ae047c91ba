// Package api WebSocket 通知网关
//
// 向所有已连接的前端客户端推送账号与会话事件。传递语义是
// 尽力而为：慢客户端或写失败直接摘除连接，客户端重连后通过
// list-accounts 恢复完整状态。
package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"botfleet-admin/internal/model"
	"botfleet-admin/internal/userauth"
	"botfleet-admin/pkg/logging"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

// upgrader WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsClient 一个客户端连接；writeMu 串行化广播与心跳的并发写
type wsClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsClient) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(messageType, data)
}

func (c *wsClient) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(v)
}

// Gateway WebSocket 通知网关
type Gateway struct {
	authCfg userauth.Config
	metrics *Metrics
	log     *logging.Logger

	mu      sync.Mutex
	clients map[*wsClient]bool
}

// NewGateway 创建网关；metrics 可为 nil
func NewGateway(authCfg userauth.Config, metrics *Metrics, log *logging.Logger) *Gateway {
	return &Gateway{
		authCfg: authCfg,
		metrics: metrics,
		log:     log,
		clients: make(map[*wsClient]bool),
	}
}

// SetMetrics 注入指标（Handler 构建晚于网关时使用）
func (g *Gateway) SetMetrics(m *Metrics) {
	g.metrics = m
}

// HandleWebSocket 处理 WebSocket 连接请求
//
// 路由: GET /ws
//
// 握手阶段带不了 Authorization 头，认证启用时校验 ?token=
// 查询参数中的访问令牌。
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if g.authCfg.Enabled() {
		claims, err := userauth.ParseToken(g.authCfg, r.URL.Query().Get("token"))
		if err != nil || claims.Type != "access" {
			http.Error(w, "invalid or missing token", http.StatusUnauthorized)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	client := &wsClient{conn: conn}
	g.addClient(client)
	go g.readPump(client)
}

func (g *Gateway) addClient(client *wsClient) {
	g.mu.Lock()
	g.clients[client] = true
	count := len(g.clients)
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.WSConnectionOpened()
	}
	g.log.Info("WebSocket client connected", "clients", count)
}

func (g *Gateway) removeClient(client *wsClient) {
	g.mu.Lock()
	_, ok := g.clients[client]
	if ok {
		delete(g.clients, client)
	}
	count := len(g.clients)
	g.mu.Unlock()
	if !ok {
		return
	}

	client.conn.Close()
	if g.metrics != nil {
		g.metrics.WSConnectionClosed()
	}
	g.log.Info("WebSocket client disconnected", "clients", count)
}

// readPump 维持 ping/pong 心跳并检测断线
//
// 客户端不发送业务消息，读循环只负责发现连接失效。
func (g *Gateway) readPump(client *wsClient) {
	defer g.removeClient(client)
	conn := client.conn

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := client.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Broadcast 向所有客户端推送一条事件
func (g *Gateway) Broadcast(ev model.Event) {
	g.mu.Lock()
	clients := make([]*wsClient, 0, len(g.clients))
	for client := range g.clients {
		clients = append(clients, client)
	}
	g.mu.Unlock()

	for _, client := range clients {
		if err := client.writeJSON(ev); err != nil {
			g.removeClient(client)
		}
	}
}

// ClientCount 当前连接数
func (g *Gateway) ClientCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

// CloseAll 关闭所有连接（关停用）
func (g *Gateway) CloseAll() {
	g.mu.Lock()
	clients := make([]*wsClient, 0, len(g.clients))
	for client := range g.clients {
		clients = append(clients, client)
	}
	g.clients = make(map[*wsClient]bool)
	g.mu.Unlock()

	for _, client := range clients {
		client.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(wsWriteWait))
		client.conn.Close()
	}
}
