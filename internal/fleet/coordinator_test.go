package fleet

import (
	"context"
	"testing"
	"time"

	"botfleet-admin/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(t *testing.T, env *fleetEnv, delay time.Duration) *Coordinator {
	t.Helper()
	return NewCoordinator(env.manager, delay, logging.Default("coordinator-test"))
}

func TestStartMany_ThrottlesBetweenStarts(t *testing.T) {
	env := newFleetEnv(t)
	env.seedAccount(t, "acc-1", "a@example.com")
	env.seedAccount(t, "acc-2", "b@example.com")
	env.seedAccount(t, "acc-3", "c@example.com")
	c := newTestCoordinator(t, env, 40*time.Millisecond)

	begin := time.Now()
	results := c.StartMany(context.Background(), []string{"acc-1", "acc-2", "acc-3"}, testTarget)
	elapsed := time.Since(begin)

	// 三次真实启动之间有两段节流等待
	assert.GreaterOrEqual(t, elapsed, 80*time.Millisecond)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, "started", r.Outcome)
	}
	assert.Equal(t, 3, env.dialer.dialCalls())
}

func TestStartMany_SkipsRunningWithoutDelay(t *testing.T) {
	env := newFleetEnv(t)
	env.seedAccount(t, "acc-1", "a@example.com")
	env.seedAccount(t, "acc-2", "b@example.com")
	c := newTestCoordinator(t, env, 200*time.Millisecond)

	require.NoError(t, env.manager.StartBot(context.Background(), "acc-1", testTarget))

	begin := time.Now()
	results := c.StartMany(context.Background(), []string{"acc-1", "acc-2"}, testTarget)
	elapsed := time.Since(begin)

	// acc-1 跳过不消耗节流配额，acc-2 是最后一个也不等待
	assert.Less(t, elapsed, 150*time.Millisecond)
	require.Len(t, results, 2)
	assert.Equal(t, "already_running", results[0].Outcome)
	assert.Equal(t, "started", results[1].Outcome)
}

func TestStartMany_BadAccountDoesNotAbortBatch(t *testing.T) {
	env := newFleetEnv(t)
	env.seedAccount(t, "acc-2", "b@example.com")
	c := newTestCoordinator(t, env, 50*time.Millisecond)

	begin := time.Now()
	results := c.StartMany(context.Background(), []string{"acc-missing", "acc-2"}, testTarget)
	elapsed := time.Since(begin)

	require.Len(t, results, 2)
	assert.Equal(t, "not_found_or_inactive", results[0].Outcome)
	assert.Equal(t, "started", results[1].Outcome)

	// 没有可用凭证的账号同样消耗节流配额
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
}

func TestStartMany_ContextCancelAborts(t *testing.T) {
	env := newFleetEnv(t)
	env.seedAccount(t, "acc-1", "a@example.com")
	env.seedAccount(t, "acc-2", "b@example.com")
	c := newTestCoordinator(t, env, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	begin := time.Now()
	results := c.StartMany(ctx, []string{"acc-1", "acc-2"}, testTarget)
	// 第一个启动后在节流等待中被取消，第二个不再处理
	assert.Less(t, time.Since(begin), 500*time.Millisecond)
	assert.Len(t, results, 1)
}

func TestStopAll_DrainsRegistry(t *testing.T) {
	env := newFleetEnv(t)
	env.seedAccount(t, "acc-1", "a@example.com")
	env.seedAccount(t, "acc-2", "b@example.com")
	c := newTestCoordinator(t, env, time.Millisecond)

	ctx := context.Background()
	require.NoError(t, env.manager.StartBot(ctx, "acc-1", testTarget))
	require.NoError(t, env.manager.StartBot(ctx, "acc-2", testTarget))
	require.Equal(t, 2, env.manager.Registry().Len())

	c.StopAll(ctx, 2*time.Second)
	assert.Equal(t, 0, env.manager.Registry().Len())
}
