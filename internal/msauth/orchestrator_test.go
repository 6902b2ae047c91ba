// Package msauth 握手编排测试
//
// 使用内存存储 + 临时目录文件缓存 + 假提供方，验证握手的三种
// 结局（完成、超时、取消）各自恰好发生一次，以及重命名边界的
// 原子性。
package msauth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"botfleet-admin/internal/credcache"
	"botfleet-admin/internal/model"
	"botfleet-admin/internal/storage"
	"botfleet-admin/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider 可编程的假提供方
type fakeProvider struct {
	mu      sync.Mutex
	err     error
	started []string
}

func (p *fakeProvider) BeginDeviceAuth(ctx context.Context, loginEmail string) (*DeviceCode, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	p.started = append(p.started, loginEmail)
	return &DeviceCode{VerificationURL: "https://example.com/link", UserCode: "ABCD-1234"}, nil
}

// recordingBroadcaster 记录广播事件
type recordingBroadcaster struct {
	mu     sync.Mutex
	events []model.Event
}

func (b *recordingBroadcaster) Broadcast(ev model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *recordingBroadcaster) types() []model.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.EventType, 0, len(b.events))
	for _, ev := range b.events {
		out = append(out, ev.Type)
	}
	return out
}

// fakeMetrics 记录握手结局回调
type fakeMetrics struct {
	mu        sync.Mutex
	completed int
	expired   int
	cancelled int
}

func (m *fakeMetrics) HandshakeCompleted(time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed++
}

func (m *fakeMetrics) HandshakeExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expired++
}

func (m *fakeMetrics) HandshakeCancelled() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled++
}

func (m *fakeMetrics) counts() (completed, expired, cancelled int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completed, m.expired, m.cancelled
}

type testEnv struct {
	store     *storage.MemStore
	cache     *credcache.FSCache
	provider  *fakeProvider
	broadcast *recordingBroadcaster
	metrics   *fakeMetrics
	orch      *Orchestrator
}

func newTestEnv(t *testing.T, timeout, poll time.Duration) *testEnv {
	t.Helper()
	cache, err := credcache.NewFSCache(t.TempDir())
	require.NoError(t, err)

	env := &testEnv{
		store:     storage.NewMemStore(),
		cache:     cache,
		provider:  &fakeProvider{},
		broadcast: &recordingBroadcaster{},
		metrics:   &fakeMetrics{},
	}
	env.orch = New(env.store, env.cache, env.provider, env.broadcast,
		timeout, poll, logging.Default("msauth-test"))
	env.orch.SetMetrics(env.metrics)
	t.Cleanup(func() { env.orch.Shutdown(context.Background()) })
	return env
}

// waitFor 轮询直到条件成立或超时
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

// ============================================================================
// 完成路径
// ============================================================================

func TestInitiateAdd_CompletesOnCredential(t *testing.T) {
	env := newTestEnv(t, 2*time.Second, 10*time.Millisecond)
	ctx := context.Background()

	result, err := env.orch.InitiateAdd(ctx, "bot@example.com", "owner-1")
	require.NoError(t, err)
	assert.NotEmpty(t, result.AccountID)
	assert.Equal(t, "ABCD-1234", result.UserCode)
	assert.Equal(t, "https://example.com/link", result.VerificationURL)
	assert.True(t, env.orch.HasPending(result.AccountID))

	// 账号以 pending_verification 创建
	account, err := env.store.GetAccount(ctx, result.AccountID)
	require.NoError(t, err)
	require.NotNil(t, account)
	assert.Equal(t, model.AccountStatusPendingVerification, account.Status)

	// 提供方写入凭证，等待编排器接手
	require.NoError(t, env.cache.Put(ctx, credcache.TransientKey("bot@example.com"), []byte(`{"access_token":"tok"}`)))

	waitFor(t, time.Second, func() bool {
		a, _ := env.store.GetAccount(ctx, result.AccountID)
		return a != nil && a.Status == model.AccountStatusActive
	})

	// 临时键消失，持久键出现
	exists, err := env.cache.Exists(ctx, credcache.TransientKey("bot@example.com"))
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = env.cache.Exists(ctx, credcache.DurableKey(result.AccountID))
	require.NoError(t, err)
	assert.True(t, exists)

	assert.False(t, env.orch.HasPending(result.AccountID))
	assert.Contains(t, env.broadcast.types(), model.EventAccountsUpdated)
	assert.Contains(t, env.broadcast.types(), model.EventStatusUpdate)

	completed, expired, cancelled := env.metrics.counts()
	assert.Equal(t, 1, completed)
	assert.Equal(t, 0, expired)
	assert.Equal(t, 0, cancelled)
}

// 半截写入（非法 JSON）不能当成功处理
func TestInitiateAdd_IgnoresMalformedCredential(t *testing.T) {
	env := newTestEnv(t, 2*time.Second, 10*time.Millisecond)
	ctx := context.Background()

	result, err := env.orch.InitiateAdd(ctx, "bot@example.com", "owner-1")
	require.NoError(t, err)

	key := credcache.TransientKey("bot@example.com")
	require.NoError(t, env.cache.Put(ctx, key, []byte(`{"access_token":`)))

	// 给轮询几个周期，不应触发完成
	time.Sleep(80 * time.Millisecond)
	account, err := env.store.GetAccount(ctx, result.AccountID)
	require.NoError(t, err)
	require.NotNil(t, account)
	assert.Equal(t, model.AccountStatusPendingVerification, account.Status)

	// 补齐为合法凭证后完成
	require.NoError(t, env.cache.Put(ctx, key, []byte(`{"access_token":"tok"}`)))
	waitFor(t, time.Second, func() bool {
		a, _ := env.store.GetAccount(ctx, result.AccountID)
		return a != nil && a.Status == model.AccountStatusActive
	})
}

// ============================================================================
// 失败路径
// ============================================================================

func TestInitiateAdd_RejectsDuplicate(t *testing.T) {
	env := newTestEnv(t, 2*time.Second, 10*time.Millisecond)
	ctx := context.Background()

	first, err := env.orch.InitiateAdd(ctx, "bot@example.com", "owner-1")
	require.NoError(t, err)

	_, err = env.orch.InitiateAdd(ctx, "bot@example.com", "owner-1")
	assert.ErrorIs(t, err, ErrDuplicateAccount)

	// 临时缓存键只按邮箱区分：同一邮箱在握手期间对其他所有者
	// 也是占用状态，且不留下占位账号
	_, err = env.orch.InitiateAdd(ctx, "bot@example.com", "owner-2")
	assert.ErrorIs(t, err, ErrDuplicateAccount)
	account, err := env.store.GetAccountByLogin(ctx, "bot@example.com", "owner-2")
	require.NoError(t, err)
	assert.Nil(t, account)

	// 握手结束后邮箱释放，其他所有者可以发起
	require.True(t, env.orch.CancelPending(ctx, first.AccountID))
	require.NoError(t, env.store.DeleteAccount(ctx, first.AccountID))
	_, err = env.orch.InitiateAdd(ctx, "bot@example.com", "owner-2")
	assert.NoError(t, err)
}

func TestInitiateAdd_AlreadyLinkedRollsBack(t *testing.T) {
	env := newTestEnv(t, 2*time.Second, 10*time.Millisecond)
	ctx := context.Background()

	env.provider.err = ErrAlreadyLinked
	_, err := env.orch.InitiateAdd(ctx, "bot@example.com", "owner-1")
	assert.ErrorIs(t, err, ErrAlreadyLinked)

	// 占位账号已回滚
	account, err := env.store.GetAccountByLogin(ctx, "bot@example.com", "owner-1")
	require.NoError(t, err)
	assert.Nil(t, account)
}

func TestInitiateAdd_ProviderErrorRollsBack(t *testing.T) {
	env := newTestEnv(t, 2*time.Second, 10*time.Millisecond)
	ctx := context.Background()

	env.provider.err = errors.New("rate limited")
	_, err := env.orch.InitiateAdd(ctx, "bot@example.com", "owner-1")
	assert.ErrorIs(t, err, ErrProviderError)

	account, err := env.store.GetAccountByLogin(ctx, "bot@example.com", "owner-1")
	require.NoError(t, err)
	assert.Nil(t, account)
}

// ============================================================================
// 超时与取消
// ============================================================================

func TestInitiateAdd_TimeoutRemovesAccount(t *testing.T) {
	env := newTestEnv(t, 50*time.Millisecond, 10*time.Millisecond)
	ctx := context.Background()

	result, err := env.orch.InitiateAdd(ctx, "bot@example.com", "owner-1")
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		a, _ := env.store.GetAccount(ctx, result.AccountID)
		return a == nil
	})
	assert.False(t, env.orch.HasPending(result.AccountID))

	// 超时后凭证才出现：不得复活账号
	require.NoError(t, env.cache.Put(ctx, credcache.TransientKey("bot@example.com"), []byte(`{"access_token":"late"}`)))
	time.Sleep(50 * time.Millisecond)
	account, err := env.store.GetAccount(ctx, result.AccountID)
	require.NoError(t, err)
	assert.Nil(t, account)

	completed, expired, _ := env.metrics.counts()
	assert.Equal(t, 0, completed)
	assert.Equal(t, 1, expired)
}

func TestCancelPending(t *testing.T) {
	env := newTestEnv(t, 2*time.Second, 10*time.Millisecond)
	ctx := context.Background()

	result, err := env.orch.InitiateAdd(ctx, "bot@example.com", "owner-1")
	require.NoError(t, err)
	require.NoError(t, env.cache.Put(ctx, credcache.TransientKey("bot@example.com"), []byte(`ignored`)))

	assert.True(t, env.orch.CancelPending(ctx, result.AccountID))
	assert.False(t, env.orch.HasPending(result.AccountID))
	// 重复取消是无害的
	assert.False(t, env.orch.CancelPending(ctx, result.AccountID))

	// 临时条目已清理
	exists, err := env.cache.Exists(ctx, credcache.TransientKey("bot@example.com"))
	require.NoError(t, err)
	assert.False(t, exists)

	_, _, cancelled := env.metrics.counts()
	assert.Equal(t, 1, cancelled)
}

func TestShutdown_RollsBackPending(t *testing.T) {
	env := newTestEnv(t, time.Minute, 10*time.Millisecond)
	ctx := context.Background()

	a, err := env.orch.InitiateAdd(ctx, "a@example.com", "owner-1")
	require.NoError(t, err)
	b, err := env.orch.InitiateAdd(ctx, "b@example.com", "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 2, env.orch.PendingCount())

	env.orch.Shutdown(ctx)
	assert.Equal(t, 0, env.orch.PendingCount())

	for _, id := range []string{a.AccountID, b.AccountID} {
		account, err := env.store.GetAccount(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, account)
	}
}

// ============================================================================
// 启动恢复
// ============================================================================

func TestRecoverStale(t *testing.T) {
	env := newTestEnv(t, time.Minute, 10*time.Millisecond)
	ctx := context.Background()

	// 模拟上次进程崩溃的残留：pending 账号 + 临时缓存条目
	now := time.Now().UTC()
	require.NoError(t, env.store.CreateAccount(ctx, &model.Account{
		AccountID:  "acc-stale",
		LoginEmail: "stale@example.com",
		OwnerID:    "owner-1",
		Status:     model.AccountStatusPendingVerification,
		CreatedAt:  now,
		UpdatedAt:  now,
	}))
	require.NoError(t, env.store.CreateAccount(ctx, &model.Account{
		AccountID:  "acc-live",
		LoginEmail: "live@example.com",
		OwnerID:    "owner-1",
		Status:     model.AccountStatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}))
	require.NoError(t, env.cache.Put(ctx, credcache.TransientKey("stale@example.com"), []byte(`{"t":1}`)))

	require.NoError(t, env.orch.RecoverStale(ctx))

	account, err := env.store.GetAccount(ctx, "acc-stale")
	require.NoError(t, err)
	assert.Nil(t, account)
	exists, err := env.cache.Exists(ctx, credcache.TransientKey("stale@example.com"))
	require.NoError(t, err)
	assert.False(t, exists)

	// 活跃账号不受影响
	account, err = env.store.GetAccount(ctx, "acc-live")
	require.NoError(t, err)
	require.NotNil(t, account)
	assert.Equal(t, model.AccountStatusActive, account.Status)
}
