package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"botfleet-admin/internal/credcache"
	"botfleet-admin/internal/mcbot"
	"botfleet-admin/internal/model"
	"botfleet-admin/internal/storage"
	"botfleet-admin/pkg/logging"
)

// ErrNotFoundOrInactive 账号不存在、未激活或没有可用凭证
var ErrNotFoundOrInactive = errors.New("account not found or inactive")

// Broadcaster 通知事件的出口
type Broadcaster interface {
	Broadcast(ev model.Event)
}

// Metrics 车队指标回调（可选）
type Metrics interface {
	BotStarted()
	BotKicked()
	BotStopped()
}

// Target 连接目标
type Target struct {
	Host    string
	Port    int
	Version string
}

// Manager 机器人会话管理器
//
// 启动一个机器人：占位注册表、读取持久凭证并重命名出临时
// 工作副本、通过协议驱动发起连接，然后由独立协程消费驱动的
// 生命周期事件并回写会话记录。连接结束时逆向重命名把凭证还
// 回持久键。存储回写是尽力而为的：单次写失败记日志，不打断
// 事件流。
type Manager struct {
	store     storage.Store
	cache     credcache.Cache
	registry  *Registry
	dialer    mcbot.Dialer
	broadcast Broadcaster
	metrics   Metrics
	log       *logging.Logger

	mu       sync.Mutex
	starting map[string]bool // 占位：已通过检查、尚未登记句柄的账号

	wg sync.WaitGroup
}

// NewManager 创建管理器；metrics 可为 nil
func NewManager(store storage.Store, cache credcache.Cache, registry *Registry, dialer mcbot.Dialer, broadcast Broadcaster, metrics Metrics, log *logging.Logger) *Manager {
	return &Manager{
		store:     store,
		cache:     cache,
		registry:  registry,
		dialer:    dialer,
		broadcast: broadcast,
		metrics:   metrics,
		log:       log,
		starting:  make(map[string]bool),
	}
}

// Registry 返回注册表（只读用途：列表、指标）
func (m *Manager) Registry() *Registry {
	return m.registry
}

// reserve 占位；该账号已在运行或正在启动时返回 false
func (m *Manager) reserve(accountID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.starting[accountID] {
		return false
	}
	if _, ok := m.registry.Get(accountID); ok {
		return false
	}
	m.starting[accountID] = true
	return true
}

func (m *Manager) release(accountID string) {
	m.mu.Lock()
	delete(m.starting, accountID)
	m.mu.Unlock()
}

// StartBot 启动一个账号的机器人连接
//
// 幂等：账号已在运行或正在启动时直接成功返回。账号不存在、
// 非 active 或持久凭证缺失/非法时返回 ErrNotFoundOrInactive。
func (m *Manager) StartBot(ctx context.Context, accountID string, target Target) error {
	if !m.reserve(accountID) {
		return nil
	}

	log := m.log.WithAccountID(accountID)

	account, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		m.release(accountID)
		return fmt.Errorf("load account: %w", err)
	}
	if account == nil || account.Status != model.AccountStatusActive {
		m.release(accountID)
		return ErrNotFoundOrInactive
	}
	log = log.WithLoginEmail(account.LoginEmail)

	durableKey := credcache.DurableKey(accountID)
	data, err := m.cache.Get(ctx, durableKey)
	if err == credcache.ErrNoEntry || (err == nil && !credcache.ValidCredential(data)) {
		m.release(accountID)
		return ErrNotFoundOrInactive
	}
	if err != nil {
		m.release(accountID)
		return fmt.Errorf("load credential: %w", err)
	}

	// 协议驱动按登录邮箱寻址凭证，连接期间把条目换到临时键
	workKey := credcache.TransientKey(account.LoginEmail)
	if err := m.cache.Rename(ctx, durableKey, workKey); err != nil {
		m.release(accountID)
		return fmt.Errorf("prepare working credential: %w", err)
	}

	if err := m.store.UpdateSessionStatus(ctx, accountID, model.SessionStatusConnecting, true); err != nil {
		log.WithError(err).Warn("Failed to record connecting state")
	}
	m.broadcast.Broadcast(model.NewStatusUpdate(accountID, string(model.SessionStatusConnecting)))

	client, err := m.dialer.Dial(ctx, mcbot.Options{
		LoginEmail: account.LoginEmail,
		Credential: data,
		Host:       target.Host,
		Port:       target.Port,
		Version:    target.Version,
	})
	if err != nil {
		m.restoreCredential(accountID, account.LoginEmail, log)
		if serr := m.store.UpdateSessionStatus(ctx, accountID, model.SessionStatusError, false); serr != nil {
			log.WithError(serr).Warn("Failed to record error state")
		}
		m.broadcast.Broadcast(model.NewBotError(accountID, err))
		m.release(accountID)
		return fmt.Errorf("dial: %w", err)
	}

	handle := &Handle{
		AccountID:  accountID,
		LoginEmail: account.LoginEmail,
		Client:     client,
		Host:       target.Host,
		Port:       target.Port,
		Version:    target.Version,
		StartedAt:  time.Now().UTC(),
	}
	m.registry.Insert(handle)
	m.release(accountID)

	if m.metrics != nil {
		m.metrics.BotStarted()
	}
	log.Info("Bot connection initiated", "server", fmt.Sprintf("%s:%d", target.Host, target.Port))

	m.wg.Add(1)
	go m.pump(handle, log)
	return nil
}

// StopBot 请求断开账号的机器人连接；未在运行时为无操作
func (m *Manager) StopBot(ctx context.Context, accountID string) error {
	handle, ok := m.registry.Get(accountID)
	if !ok {
		return nil
	}
	m.log.WithAccountID(accountID).Info("Bot disconnect requested")
	return handle.Client.Disconnect()
}

// IsRunning 账号是否有活动连接
func (m *Manager) IsRunning(accountID string) bool {
	_, ok := m.registry.Get(accountID)
	return ok
}

// Wait 等待所有事件协程退出（关停用）
func (m *Manager) Wait() {
	m.wg.Wait()
}

// pump 消费一个连接的生命周期事件直到通道关闭
//
// kicked 与 end 对同一连接互斥上报：驱动先给 kicked 时，后续
// 的通道关闭只做资源回收，不再覆盖会话状态。
func (m *Manager) pump(h *Handle, log *logging.Logger) {
	defer m.wg.Done()

	ctx := context.Background()
	kicked := false

	for ev := range h.Client.Events() {
		switch ev.Type {
		case mcbot.EventLogin:
			if ev.Username != "" {
				if err := m.store.SetIngameName(ctx, h.AccountID, ev.Username); err != nil {
					log.WithError(err).Warn("Failed to record ingame name")
				}
			}
			if err := m.store.UpdateSessionStatus(ctx, h.AccountID, model.SessionStatusConnecting, true); err != nil {
				log.WithError(err).Warn("Failed to record login state")
			}
			m.broadcast.Broadcast(model.NewStatusUpdate(h.AccountID, string(model.SessionStatusConnecting)))
			log.Info("Bot logged in", "username", ev.Username)

		case mcbot.EventSpawn:
			if err := m.store.SetSessionOnline(ctx, h.AccountID, h.Host, h.Port, h.Version); err != nil {
				log.WithError(err).Warn("Failed to record online state")
			}
			m.broadcast.Broadcast(model.NewStatusUpdate(h.AccountID, string(model.SessionStatusOnlineOnServer)))
			log.Info("Bot spawned on server")

		case mcbot.EventKicked:
			kicked = true
			reason := mcbot.FlattenReason(ev.Reason)
			if err := m.store.SetSessionKicked(ctx, h.AccountID, reason); err != nil {
				log.WithError(err).Warn("Failed to record kick")
			}
			m.broadcast.Broadcast(model.NewBotKicked(h.AccountID, reason))
			m.broadcast.Broadcast(model.NewStatusUpdate(h.AccountID, string(model.SessionStatusKicked)))
			if m.metrics != nil {
				m.metrics.BotKicked()
			}
			log.Warn("Bot kicked from server", "reason", reason)

		case mcbot.EventError:
			m.broadcast.Broadcast(model.NewBotError(h.AccountID, ev.Err))
			log.WithError(ev.Err).Warn("Bot connection error")

		case mcbot.EventEnd:
			if len(ev.Reason) > 0 {
				log.Info("Bot connection ended", "reason", mcbot.FlattenReason(ev.Reason))
			}
		}
	}

	// 连接已结束：回收句柄并把凭证还回持久键
	m.registry.Remove(h.AccountID)
	m.restoreCredential(h.AccountID, h.LoginEmail, log)

	if !kicked {
		if err := m.store.UpdateSessionStatus(ctx, h.AccountID, model.SessionStatusOffline, false); err != nil {
			log.WithError(err).Warn("Failed to record offline state")
		}
		m.broadcast.Broadcast(model.NewStatusUpdate(h.AccountID, string(model.SessionStatusOffline)))
	}
	if m.metrics != nil {
		m.metrics.BotStopped()
	}
	log.WithDuration(time.Since(h.StartedAt)).Info("Bot connection closed")
}

// restoreCredential 把临时工作副本还回持久键
func (m *Manager) restoreCredential(accountID, loginEmail string, log *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := m.cache.Rename(ctx, credcache.TransientKey(loginEmail), credcache.DurableKey(accountID))
	if err != nil && err != credcache.ErrNoEntry {
		log.WithError(err).Error("Failed to restore durable credential")
	}
}
