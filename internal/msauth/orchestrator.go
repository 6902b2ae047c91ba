package msauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"botfleet-admin/internal/credcache"
	"botfleet-admin/internal/model"
	"botfleet-admin/internal/storage"
	"botfleet-admin/pkg/logging"
)

// Broadcaster 通知事件的出口（由 API 层的 WebSocket 网关实现）
type Broadcaster interface {
	Broadcast(ev model.Event)
}

// Metrics 握手结局指标回调（可选）
type Metrics interface {
	HandshakeCompleted(elapsed time.Duration)
	HandshakeExpired()
	HandshakeCancelled()
}

// AddResult InitiateAdd 的同步返回内容
type AddResult struct {
	AccountID       string `json:"account_id"`
	VerificationURL string `json:"verification_url"`
	UserCode        string `json:"user_code"`
}

// pendingEntry 一次进行中的握手
//
// cancel 只负责停掉后台等待协程；条目本身从 pending 表移除的
// 那一刻才决定握手结局的归属（完成、超时、取消三者恰好其一）。
type pendingEntry struct {
	accountID  string
	loginEmail string
	startedAt  time.Time
	cancel     context.CancelFunc
}

// Orchestrator 设备码握手编排器
//
// 每个待认证账号至多持有一条 pending 记录。后台等待协程轮询
// 凭证缓存的临时键，出现有效凭证后把条目重命名为持久键并激活
// 账号；超时则回滚（删除账号和残留的临时条目）。完成与超时的
// 竞争通过"谁先从 pending 表摘下条目谁赢"消解，保证恰好一种
// 结局发生。
type Orchestrator struct {
	store     storage.Store
	cache     credcache.Cache
	provider  Provider
	broadcast Broadcaster
	metrics   Metrics
	log       *logging.Logger

	timeout      time.Duration
	pollInterval time.Duration

	mu      sync.Mutex
	pending map[string]*pendingEntry // accountID -> entry
	wg      sync.WaitGroup
}

// New 创建编排器
func New(store storage.Store, cache credcache.Cache, provider Provider, broadcast Broadcaster, timeout, pollInterval time.Duration, log *logging.Logger) *Orchestrator {
	return &Orchestrator{
		store:        store,
		cache:        cache,
		provider:     provider,
		broadcast:    broadcast,
		log:          log,
		timeout:      timeout,
		pollInterval: pollInterval,
		pending:      make(map[string]*pendingEntry),
	}
}

// SetMetrics 注入指标回调（指标构建晚于编排器时使用）
func (o *Orchestrator) SetMetrics(m Metrics) {
	o.metrics = m
}

// InitiateAdd 发起添加账号的认证握手
//
// 同步部分：查重、创建 pending_verification 账号、向提供方发起
// 设备码请求、登记 pending 条目并启动后台等待。返回验证 URL 和
// 用户短码。任何同步失败都会回滚已创建的账号。
//
// 凭证缓存的临时键只按登录邮箱区分，同一邮箱同时只能有一个
// 进行中的握手——哪怕所有者不同。
func (o *Orchestrator) InitiateAdd(ctx context.Context, loginEmail, ownerID string) (*AddResult, error) {
	log := o.log.WithLoginEmail(loginEmail).WithOwnerID(ownerID)

	if o.hasPendingEmail(loginEmail) {
		return nil, ErrDuplicateAccount
	}

	existing, err := o.store.GetAccountByLogin(ctx, loginEmail, ownerID)
	if err != nil {
		return nil, fmt.Errorf("check existing account: %w", err)
	}
	if existing != nil {
		return nil, ErrDuplicateAccount
	}

	now := time.Now().UTC()
	account := &model.Account{
		AccountID:  generateID("acc"),
		LoginEmail: loginEmail,
		OwnerID:    ownerID,
		Status:     model.AccountStatusPendingVerification,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := o.store.CreateAccount(ctx, account); err != nil {
		if err == storage.ErrDuplicate {
			return nil, ErrDuplicateAccount
		}
		return nil, fmt.Errorf("create account: %w", err)
	}
	log = log.WithAccountID(account.AccountID)

	code, err := o.provider.BeginDeviceAuth(ctx, loginEmail)
	if err != nil {
		// 同步失败：账号回滚，调用者可以直接重试
		if derr := o.store.DeleteAccount(ctx, account.AccountID); derr != nil {
			log.WithError(derr).Error("Rollback of pending account failed")
		}
		if err == ErrAlreadyLinked {
			return nil, ErrAlreadyLinked
		}
		log.WithError(err).Error("Device auth initiation failed")
		return nil, fmt.Errorf("%w: %v", ErrProviderError, err)
	}

	// 握手寿命独立于本次 HTTP 请求
	watchCtx, cancel := context.WithCancel(context.Background())
	entry := &pendingEntry{
		accountID:  account.AccountID,
		loginEmail: loginEmail,
		startedAt:  now,
		cancel:     cancel,
	}

	// 登记前在同一把锁下复查邮箱冲突，并发的两次发起只有一个成功
	o.mu.Lock()
	conflict := false
	for _, e := range o.pending {
		if e.loginEmail == loginEmail {
			conflict = true
			break
		}
	}
	if !conflict {
		o.pending[account.AccountID] = entry
	}
	o.mu.Unlock()
	if conflict {
		cancel()
		if derr := o.store.DeleteAccount(ctx, account.AccountID); derr != nil {
			log.WithError(derr).Error("Rollback of pending account failed")
		}
		return nil, ErrDuplicateAccount
	}

	o.wg.Add(1)
	go o.watch(watchCtx, entry)

	log.Info("Device auth handshake initiated",
		"user_code", code.UserCode, "timeout", o.timeout.String())
	o.broadcast.Broadcast(model.NewAccountsUpdated())

	return &AddResult{
		AccountID:       account.AccountID,
		VerificationURL: code.VerificationURL,
		UserCode:        code.UserCode,
	}, nil
}

// watch 后台等待协程：轮询临时键直到凭证出现或超时
func (o *Orchestrator) watch(ctx context.Context, entry *pendingEntry) {
	defer o.wg.Done()
	defer entry.cancel()

	log := o.log.WithAccountID(entry.accountID).WithLoginEmail(entry.loginEmail)
	key := credcache.TransientKey(entry.loginEmail)

	timer := time.NewTimer(o.timeout)
	defer timer.Stop()
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// CancelPending / Shutdown 已经摘走条目并负责清理
			return
		case <-timer.C:
			if !o.take(entry.accountID) {
				return
			}
			o.expire(entry, log)
			return
		case <-ticker.C:
			data, err := o.cache.Get(ctx, key)
			if err == credcache.ErrNoEntry {
				continue
			}
			if err != nil {
				log.WithError(err).Warn("Credential cache poll failed")
				continue
			}
			if !credcache.ValidCredential(data) {
				// 提供方可能正在写入，下个周期重试
				continue
			}
			if !o.take(entry.accountID) {
				return
			}
			o.finalize(entry, log)
			return
		}
	}
}

// take 尝试摘下 pending 条目；返回 false 表示结局已被别人认领
func (o *Orchestrator) take(accountID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.pending[accountID]; !ok {
		return false
	}
	delete(o.pending, accountID)
	return true
}

// finalize 凭证就绪：临时键重命名为持久键，账号转 active
func (o *Orchestrator) finalize(entry *pendingEntry, log *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	oldKey := credcache.TransientKey(entry.loginEmail)
	newKey := credcache.DurableKey(entry.accountID)
	if err := o.cache.Rename(ctx, oldKey, newKey); err != nil {
		log.WithError(err).Error("Credential rekey failed, marking account as error")
		if serr := o.store.UpdateAccountStatus(ctx, entry.accountID, model.AccountStatusError); serr != nil {
			log.WithError(serr).Error("Failed to mark account as error")
		}
		o.broadcast.Broadcast(model.NewBotError(entry.accountID, err))
		return
	}

	if err := o.store.UpdateAccountStatus(ctx, entry.accountID, model.AccountStatusActive); err != nil {
		log.WithError(err).Error("Failed to activate account")
		return
	}

	log.WithDuration(time.Since(entry.startedAt)).Info("Account authenticated and activated")
	if o.metrics != nil {
		o.metrics.HandshakeCompleted(time.Since(entry.startedAt))
	}
	o.broadcast.Broadcast(model.NewAccountsUpdated())
	o.broadcast.Broadcast(model.NewStatusUpdate(entry.accountID, string(model.AccountStatusActive)))
}

// expire 超时：删除残留的临时条目和占位账号
func (o *Orchestrator) expire(entry *pendingEntry, log *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log.Warn("Device auth handshake timed out", "waited", time.Since(entry.startedAt).String())

	if err := o.cache.Delete(ctx, credcache.TransientKey(entry.loginEmail)); err != nil {
		log.WithError(err).Warn("Failed to remove transient credential entry")
	}
	if err := o.store.DeleteAccount(ctx, entry.accountID); err != nil {
		log.WithError(err).Error("Failed to remove timed out account")
	}
	if o.metrics != nil {
		o.metrics.HandshakeExpired()
	}
	o.broadcast.Broadcast(model.NewAccountsUpdated())
}

// CancelPending 取消指定账号的进行中握手
//
// 只停掉等待协程并清理临时缓存条目，账号记录由调用方处置
// （删除账号的 API 处理器随后会删除它）。返回是否确实有握手被取消。
func (o *Orchestrator) CancelPending(ctx context.Context, accountID string) bool {
	o.mu.Lock()
	entry, ok := o.pending[accountID]
	if ok {
		delete(o.pending, accountID)
	}
	o.mu.Unlock()
	if !ok {
		return false
	}

	entry.cancel()
	if err := o.cache.Delete(ctx, credcache.TransientKey(entry.loginEmail)); err != nil {
		o.log.WithAccountID(accountID).WithError(err).Warn("Failed to remove transient credential entry")
	}
	if o.metrics != nil {
		o.metrics.HandshakeCancelled()
	}
	return true
}

// hasPendingEmail 指定登录邮箱是否有进行中的握手（任意所有者）
func (o *Orchestrator) hasPendingEmail(loginEmail string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.pending {
		if e.loginEmail == loginEmail {
			return true
		}
	}
	return false
}

// HasPending 指定账号是否有进行中的握手
func (o *Orchestrator) HasPending(accountID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.pending[accountID]
	return ok
}

// PendingCount 进行中的握手数量（指标用）
func (o *Orchestrator) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

// RecoverStale 启动恢复扫描
//
// 进程崩溃会留下 pending_verification 状态的占位账号，它们的
// 握手协程已不存在，永远不会完成。启动时统一回滚：删除账号和
// 可能残留的临时缓存条目。
func (o *Orchestrator) RecoverStale(ctx context.Context) error {
	stale, err := o.store.ListAccountsByStatus(ctx, model.AccountStatusPendingVerification)
	if err != nil {
		return fmt.Errorf("list pending accounts: %w", err)
	}

	for _, account := range stale {
		log := o.log.WithAccountID(account.AccountID).WithLoginEmail(account.LoginEmail)
		if err := o.cache.Delete(ctx, credcache.TransientKey(account.LoginEmail)); err != nil {
			log.WithError(err).Warn("Failed to remove stale transient credential entry")
		}
		if err := o.store.DeleteAccount(ctx, account.AccountID); err != nil {
			log.WithError(err).Error("Failed to remove stale pending account")
			continue
		}
		log.Info("Removed stale pending account from previous run")
	}

	if len(stale) > 0 {
		o.log.Info("Startup recovery sweep completed", "removed", len(stale))
	}
	return nil
}

// Shutdown 停止所有进行中的握手并按超时处理回滚
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	entries := make([]*pendingEntry, 0, len(o.pending))
	for _, entry := range o.pending {
		entries = append(entries, entry)
	}
	o.pending = make(map[string]*pendingEntry)
	o.mu.Unlock()

	for _, entry := range entries {
		entry.cancel()
		log := o.log.WithAccountID(entry.accountID).WithLoginEmail(entry.loginEmail)
		if err := o.cache.Delete(ctx, credcache.TransientKey(entry.loginEmail)); err != nil {
			log.WithError(err).Warn("Failed to remove transient credential entry")
		}
		if err := o.store.DeleteAccount(ctx, entry.accountID); err != nil {
			log.WithError(err).Error("Failed to remove pending account on shutdown")
		}
		if o.metrics != nil {
			o.metrics.HandshakeCancelled()
		}
	}
	o.wg.Wait()

	if len(entries) > 0 {
		o.log.Info("Cancelled pending handshakes on shutdown", "count", len(entries))
	}
}

// generateID 生成带前缀的随机 ID
func generateID(prefix string) string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%s", prefix, hex.EncodeToString(b))
}
