// Package fleet 生命周期管理测试
//
// 使用假协议驱动验证：启动/断开的幂等性、凭证工作副本的往返
// 重命名、kicked 与 end 的互斥收尾、存储故障下的尽力而为回写。
package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"botfleet-admin/internal/credcache"
	"botfleet-admin/internal/mcbot"
	"botfleet-admin/internal/model"
	"botfleet-admin/internal/storage"
	"botfleet-admin/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient 测试可控的客户端句柄
type fakeClient struct {
	mu       sync.Mutex
	events   chan mcbot.Event
	closed   bool
	username string
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan mcbot.Event, 16)}
}

func (c *fakeClient) Events() <-chan mcbot.Event { return c.events }

func (c *fakeClient) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

func (c *fakeClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.events <- mcbot.Event{Type: mcbot.EventEnd}
	close(c.events)
	return nil
}

// emit 注入一条事件
func (c *fakeClient) emit(ev mcbot.Event) {
	c.events <- ev
}

// end 模拟连接自然结束
func (c *fakeClient) end() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.events <- mcbot.Event{Type: mcbot.EventEnd}
	close(c.events)
}

// fakeDialer 记录调用并返回可控句柄
type fakeDialer struct {
	mu      sync.Mutex
	err     error
	clients map[string]*fakeClient // loginEmail -> client
	calls   int
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{clients: make(map[string]*fakeClient)}
}

func (d *fakeDialer) Name() string { return "fake" }

func (d *fakeDialer) Dial(ctx context.Context, opts mcbot.Options) (mcbot.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeClient()
	d.clients[opts.LoginEmail] = c
	return c, nil
}

func (d *fakeDialer) client(loginEmail string) *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[loginEmail]
}

func (d *fakeDialer) dialCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fleetEnv struct {
	store     *storage.MemStore
	cache     *credcache.FSCache
	dialer    *fakeDialer
	broadcast *recordingBroadcaster
	manager   *Manager
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

// statuses 按序取出 status_update 事件携带的状态
func (b *recordingBroadcaster) statuses() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, ev := range b.events {
		if ev.Type != model.EventStatusUpdate {
			continue
		}
		var p model.StatusUpdatePayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			out = append(out, p.Status)
		}
	}
	return out
}

func newFleetEnv(t *testing.T) *fleetEnv {
	t.Helper()
	cache, err := credcache.NewFSCache(t.TempDir())
	require.NoError(t, err)
	env := &fleetEnv{
		store:     storage.NewMemStore(),
		cache:     cache,
		dialer:    newFakeDialer(),
		broadcast: &recordingBroadcaster{},
	}
	env.manager = NewManager(env.store, env.cache, NewRegistry(), env.dialer,
		env.broadcast, nil, logging.Default("fleet-test"))
	return env
}

// seedAccount 创建 active 账号和持久凭证
func (env *fleetEnv) seedAccount(t *testing.T, accountID, loginEmail string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, env.store.CreateAccount(ctx, &model.Account{
		AccountID:  accountID,
		LoginEmail: loginEmail,
		OwnerID:    "owner-1",
		Status:     model.AccountStatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}))
	require.NoError(t, env.cache.Put(ctx, credcache.DurableKey(accountID), []byte(`{"access_token":"tok"}`)))
}

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

var testTarget = Target{Host: "mc.example.com", Port: 25565, Version: "1.21"}

// ============================================================================
// 启动与正常下线
// ============================================================================

func TestStartBot_LifecycleRoundTrip(t *testing.T) {
	env := newFleetEnv(t)
	ctx := context.Background()
	env.seedAccount(t, "acc-1", "bot@example.com")

	require.NoError(t, env.manager.StartBot(ctx, "acc-1", testTarget))
	assert.True(t, env.manager.IsRunning("acc-1"))

	// 凭证换到了临时工作键
	exists, err := env.cache.Exists(ctx, credcache.DurableKey("acc-1"))
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = env.cache.Exists(ctx, credcache.TransientKey("bot@example.com"))
	require.NoError(t, err)
	assert.True(t, exists)

	client := env.dialer.client("bot@example.com")
	require.NotNil(t, client)
	client.emit(mcbot.Event{Type: mcbot.EventLogin, Username: "BotSteve"})
	client.emit(mcbot.Event{Type: mcbot.EventSpawn})

	waitFor(t, time.Second, func() bool {
		s, _ := env.store.GetSession(ctx, "acc-1")
		return s != nil && s.Status == model.SessionStatusOnlineOnServer
	})
	session, err := env.store.GetSession(ctx, "acc-1")
	require.NoError(t, err)
	require.NotNil(t, session.LastKnownServerAddress)
	assert.Equal(t, "mc.example.com", *session.LastKnownServerAddress)
	account, err := env.store.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	require.NotNil(t, account.IngameName)
	assert.Equal(t, "BotSteve", *account.IngameName)

	// 自然下线：句柄回收、会话 offline、凭证还回持久键
	client.end()
	waitFor(t, time.Second, func() bool { return !env.manager.IsRunning("acc-1") })
	waitFor(t, time.Second, func() bool {
		s, _ := env.store.GetSession(ctx, "acc-1")
		return s != nil && s.Status == model.SessionStatusOffline && !s.IsActive
	})
	waitFor(t, time.Second, func() bool {
		ok, _ := env.cache.Exists(ctx, credcache.DurableKey("acc-1"))
		return ok
	})

	// 拨号前、登录确认、出生、下线各广播一次状态
	assert.Equal(t, []string{
		string(model.SessionStatusConnecting),
		string(model.SessionStatusConnecting),
		string(model.SessionStatusOnlineOnServer),
		string(model.SessionStatusOffline),
	}, env.broadcast.statuses())
}

func TestStartBot_Idempotent(t *testing.T) {
	env := newFleetEnv(t)
	ctx := context.Background()
	env.seedAccount(t, "acc-1", "bot@example.com")

	require.NoError(t, env.manager.StartBot(ctx, "acc-1", testTarget))
	require.NoError(t, env.manager.StartBot(ctx, "acc-1", testTarget))
	assert.Equal(t, 1, env.dialer.dialCalls())
}

func TestStartBot_NotFoundOrInactive(t *testing.T) {
	env := newFleetEnv(t)
	ctx := context.Background()

	// 账号不存在
	assert.ErrorIs(t, env.manager.StartBot(ctx, "acc-missing", testTarget), ErrNotFoundOrInactive)

	// 账号未激活
	now := time.Now().UTC()
	require.NoError(t, env.store.CreateAccount(ctx, &model.Account{
		AccountID: "acc-pending", LoginEmail: "p@example.com", OwnerID: "owner-1",
		Status: model.AccountStatusPendingVerification, CreatedAt: now, UpdatedAt: now,
	}))
	assert.ErrorIs(t, env.manager.StartBot(ctx, "acc-pending", testTarget), ErrNotFoundOrInactive)

	// active 但持久凭证缺失
	require.NoError(t, env.store.CreateAccount(ctx, &model.Account{
		AccountID: "acc-nocred", LoginEmail: "n@example.com", OwnerID: "owner-1",
		Status: model.AccountStatusActive, CreatedAt: now, UpdatedAt: now,
	}))
	assert.ErrorIs(t, env.manager.StartBot(ctx, "acc-nocred", testTarget), ErrNotFoundOrInactive)

	assert.Equal(t, 0, env.dialer.dialCalls())
}

func TestStartBot_DialFailureRestoresCredential(t *testing.T) {
	env := newFleetEnv(t)
	ctx := context.Background()
	env.seedAccount(t, "acc-1", "bot@example.com")
	env.dialer.err = errors.New("server unreachable")

	err := env.manager.StartBot(ctx, "acc-1", testTarget)
	require.Error(t, err)
	assert.False(t, env.manager.IsRunning("acc-1"))

	// 凭证已还回持久键，账号可以直接重试
	exists, cerr := env.cache.Exists(ctx, credcache.DurableKey("acc-1"))
	require.NoError(t, cerr)
	assert.True(t, exists)

	session, serr := env.store.GetSession(ctx, "acc-1")
	require.NoError(t, serr)
	assert.Equal(t, model.SessionStatusError, session.Status)
	assert.Contains(t, env.broadcast.types(), model.EventBotError)
}

// ============================================================================
// 踢出语义
// ============================================================================

func TestKickedThenEnd_KickStateSurvives(t *testing.T) {
	env := newFleetEnv(t)
	ctx := context.Background()
	env.seedAccount(t, "acc-1", "bot@example.com")
	require.NoError(t, env.manager.StartBot(ctx, "acc-1", testTarget))

	client := env.dialer.client("bot@example.com")
	require.NotNil(t, client)
	client.emit(mcbot.Event{Type: mcbot.EventSpawn})

	reason, _ := json.Marshal(map[string]interface{}{"text": "banned"})
	client.emit(mcbot.Event{Type: mcbot.EventKicked, Reason: reason})
	client.end()

	waitFor(t, time.Second, func() bool { return !env.manager.IsRunning("acc-1") })
	waitFor(t, time.Second, func() bool {
		s, _ := env.store.GetSession(ctx, "acc-1")
		return s != nil && s.Status == model.SessionStatusKicked
	})

	// kicked 之后的通道关闭不得把状态覆盖成 offline
	session, err := env.store.GetSession(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusKicked, session.Status)
	assert.False(t, session.IsActive)
	require.NotNil(t, session.LastKickReason)
	assert.Equal(t, "banned", *session.LastKickReason)
	assert.Contains(t, env.broadcast.types(), model.EventBotKicked)
}

// ============================================================================
// 存储故障
// ============================================================================

func TestPump_StoreOutageIsNonFatal(t *testing.T) {
	env := newFleetEnv(t)
	ctx := context.Background()
	env.seedAccount(t, "acc-1", "bot@example.com")
	require.NoError(t, env.manager.StartBot(ctx, "acc-1", testTarget))

	// 存储挂掉：事件流必须继续，资源照常回收
	env.store.FailWrites = true
	client := env.dialer.client("bot@example.com")
	require.NotNil(t, client)
	client.emit(mcbot.Event{Type: mcbot.EventLogin, Username: "BotSteve"})
	client.emit(mcbot.Event{Type: mcbot.EventSpawn})
	client.end()

	waitFor(t, time.Second, func() bool { return !env.manager.IsRunning("acc-1") })
	waitFor(t, time.Second, func() bool {
		ok, _ := env.cache.Exists(ctx, credcache.DurableKey("acc-1"))
		return ok
	})
}

// ============================================================================
// 注册表并发
// ============================================================================

func TestRegistry_ConcurrentInsertSingleWinner(t *testing.T) {
	r := NewRegistry()
	const n = 32
	wins := make(chan bool, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- r.Insert(&Handle{AccountID: "acc-1", Client: newFakeClient()})
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for w := range wins {
		if w {
			won++
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, r.Len())
}
