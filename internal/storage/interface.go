// Package storage 定义持久化存储层抽象接口
//
// 设计原则：依赖倒置 (DIP)
//   - 调用方只依赖接口，不知道具体实现
//   - 具体实现在子包中：repository/（SQL，经 dbutil.Dialect 屏蔽方言差异）
//   - 初始化时通过依赖注入传入实现
package storage

import (
	"context"

	"botfleet-admin/internal/model"
)

// Store 账号与会话的持久化存储
//
// Get* 方法在实体不存在时返回 (nil, nil)；写入冲突返回 ErrDuplicate。
// 会话记录随账号创建，随账号删除级联清理。
type Store interface {
	// === Account 操作 ===

	// CreateAccount 创建账号及其关联的会话记录。
	// (login_email, owner_id) 冲突时返回 ErrDuplicate。
	CreateAccount(ctx context.Context, account *model.Account) error

	// GetAccount 按 ID 获取账号
	GetAccount(ctx context.Context, accountID string) (*model.Account, error)

	// GetAccountByLogin 按 (loginEmail, ownerID) 获取账号
	GetAccountByLogin(ctx context.Context, loginEmail, ownerID string) (*model.Account, error)

	// ListAccountViews 列出所有者的账号（含会话投影），按创建时间升序
	ListAccountViews(ctx context.Context, ownerID string) ([]*model.AccountView, error)

	// ListAccountsByStatus 按状态列出账号（启动恢复扫描用）
	ListAccountsByStatus(ctx context.Context, status model.AccountStatus) ([]*model.Account, error)

	// UpdateAccountStatus 更新账号状态
	UpdateAccountStatus(ctx context.Context, accountID string, status model.AccountStatus) error

	// SetIngameName 回填游戏内名称
	SetIngameName(ctx context.Context, accountID, name string) error

	// DeleteAccount 删除账号（级联删除会话）
	DeleteAccount(ctx context.Context, accountID string) error

	// === Session 操作 ===

	// GetSession 获取会话记录
	GetSession(ctx context.Context, accountID string) (*model.Session, error)

	// UpdateSessionStatus 更新会话状态与在线标志
	UpdateSessionStatus(ctx context.Context, accountID string, status model.SessionStatus, isActive bool) error

	// SetSessionOnline 记录成功连接：状态、服务器地址/端口/版本
	SetSessionOnline(ctx context.Context, accountID, host string, port int, version string) error

	// SetSessionKicked 记录踢出：状态、原因，并清空服务器地址字段。
	// 上次踢出原因由下一次 SetSessionOnline 清除。
	SetSessionKicked(ctx context.Context, accountID, reason string) error

	Close() error
}
