// Package model 定义核心数据模型
package model

import (
	"encoding/json"
	"time"
)

// AccountStatus 账号状态
type AccountStatus string

const (
	AccountStatusPendingVerification AccountStatus = "pending_verification" // 等待用户完成设备码验证
	AccountStatusActive              AccountStatus = "active"               // 凭证就绪，可以连接
	AccountStatusSuspended           AccountStatus = "suspended"            // 被所有者停用
	AccountStatusError               AccountStatus = "error"                // 握手或凭证异常
)

// Account 一个受管理的 Minecraft 游戏账号
//
// 不变量：(LoginEmail, OwnerID) 唯一；Status 为 active 时持久凭证必须非空，
// pending_verification 期间凭证一定不存在。
type Account struct {
	AccountID  string        `json:"account_id"`
	LoginEmail string        `json:"login_email"`
	OwnerID    string        `json:"owner_id"`
	Status     AccountStatus `json:"status"`
	IngameName *string       `json:"ingame_name,omitempty"` // 首次成功登录后回填
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// AccountView 列表接口返回的 Account + Session 投影
type AccountView struct {
	AccountID              string        `json:"account_id"`
	LoginEmail             string        `json:"login_email"`
	IngameName             *string       `json:"ingame_name,omitempty"`
	Status                 AccountStatus `json:"status"`
	SessionStatus          SessionStatus `json:"session_status"`
	IsActive               bool          `json:"is_active"`
	LastKnownServerAddress *string       `json:"last_known_server_address,omitempty"`
}

// MarshalJSONSafe 序列化投影（忽略错误，用于日志）
func (v *AccountView) MarshalJSONSafe() string {
	b, _ := json.Marshal(v)
	return string(b)
}
