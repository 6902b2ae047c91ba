package fleet

import (
	"context"
	"time"

	"botfleet-admin/pkg/logging"
)

// Coordinator 批量启停协调器
//
// 身份提供方对短时间内的集中登录非常敏感，批量启动必须串行
// 并在相邻两次真实启动之间等待节流间隔。停止没有这种约束，
// 立即全量下发。
type Coordinator struct {
	manager    *Manager
	startDelay time.Duration
	log        *logging.Logger
}

// NewCoordinator 创建协调器
func NewCoordinator(manager *Manager, startDelay time.Duration, log *logging.Logger) *Coordinator {
	return &Coordinator{
		manager:    manager,
		startDelay: startDelay,
		log:        log,
	}
}

// StartResult 单个账号的启动结果
type StartResult struct {
	AccountID string `json:"account_id"`
	Outcome   string `json:"outcome"` // started / already_running / not_found_or_inactive / error
	Error     string `json:"error,omitempty"`
}

// StartMany 按序启动一批账号
//
// 每处理完一个账号就等待节流间隔再处理下一个，无论该账号成功、
// 失败还是没有可用凭证；只有已在运行的跳过不消耗节流配额。
// ctx 取消时中止剩余账号。单个账号失败不影响批次内的其他账号。
func (c *Coordinator) StartMany(ctx context.Context, accountIDs []string, target Target) []StartResult {
	results := make([]StartResult, 0, len(accountIDs))

	for i, accountID := range accountIDs {
		if ctx.Err() != nil {
			c.log.Warn("Fleet start aborted", "remaining", len(accountIDs)-i)
			break
		}

		if c.manager.IsRunning(accountID) {
			results = append(results, StartResult{AccountID: accountID, Outcome: "already_running"})
			continue
		}

		err := c.manager.StartBot(ctx, accountID, target)
		switch {
		case err == ErrNotFoundOrInactive:
			c.log.WithAccountID(accountID).Warn("Skipping account without usable credential")
			results = append(results, StartResult{AccountID: accountID, Outcome: "not_found_or_inactive"})
		case err != nil:
			c.log.WithAccountID(accountID).WithError(err).Error("Fleet start failed for account")
			results = append(results, StartResult{AccountID: accountID, Outcome: "error", Error: err.Error()})
		default:
			results = append(results, StartResult{AccountID: accountID, Outcome: "started"})
		}

		// 无论结果如何都节流；最后一个账号后不再等待
		if i < len(accountIDs)-1 {
			select {
			case <-ctx.Done():
			case <-time.After(c.startDelay):
			}
		}
	}
	return results
}

// StopMany 立即停止一批账号
func (c *Coordinator) StopMany(ctx context.Context, accountIDs []string) {
	for _, accountID := range accountIDs {
		if err := c.manager.StopBot(ctx, accountID); err != nil {
			c.log.WithAccountID(accountID).WithError(err).Warn("Stop request failed")
		}
	}
}

// StopAll 停止全部活动连接并等待注册表清空
//
// 等待时间以 grace 为上限，超时后放弃等待直接返回。
func (c *Coordinator) StopAll(ctx context.Context, grace time.Duration) {
	handles := c.manager.Registry().List()
	if len(handles) == 0 {
		return
	}
	c.log.Info("Stopping all bots", "count", len(handles))

	for _, h := range handles {
		if err := h.Client.Disconnect(); err != nil {
			c.log.WithAccountID(h.AccountID).WithError(err).Warn("Disconnect failed")
		}
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if c.manager.Registry().Len() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	c.log.Warn("Shutdown grace elapsed with bots still registered",
		"remaining", c.manager.Registry().Len())
}
