// Package fleet 机器人车队生命周期管理
//
// 以账号为单位管理游戏客户端连接：内存注册表保证每个账号
// 至多一个活动连接，管理器消费协议驱动的生命周期事件并回写
// 会话记录，协调器按节流间隔批量启动。
package fleet

import (
	"sync"
	"time"

	"botfleet-admin/internal/mcbot"
)

// Handle 一个正在运行的机器人连接
type Handle struct {
	AccountID  string
	LoginEmail string
	Client     mcbot.Client
	Host       string
	Port       int
	Version    string
	StartedAt  time.Time
}

// Registry 活动连接注册表
//
// 每个账号至多一个句柄：Insert 是先占式的，启动流程在发起
// 连接之前先占位，失败时再回收，从根上排除并发双启。
type Registry struct {
	mu      sync.Mutex
	running map[string]*Handle // accountID -> handle
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{running: make(map[string]*Handle)}
}

// Insert 登记句柄；该账号已有句柄时返回 false
func (r *Registry) Insert(h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.running[h.AccountID]; ok {
		return false
	}
	r.running[h.AccountID] = h
	return true
}

// Get 获取账号的句柄
func (r *Registry) Get(accountID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.running[accountID]
	return h, ok
}

// Remove 移除并返回账号的句柄
func (r *Registry) Remove(accountID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.running[accountID]
	if ok {
		delete(r.running, accountID)
	}
	return h, ok
}

// List 当前所有句柄的快照
func (r *Registry) List() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Handle, 0, len(r.running))
	for _, h := range r.running {
		out = append(out, h)
	}
	return out
}

// Len 当前活动连接数（指标用）
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}
