package model

import "time"

// SessionStatus 连接会话状态
type SessionStatus string

const (
	SessionStatusOffline        SessionStatus = "offline"
	SessionStatusConnecting     SessionStatus = "connecting"
	SessionStatusOnlineOnServer SessionStatus = "online_on_server"
	SessionStatusKicked         SessionStatus = "kicked"
	SessionStatusError          SessionStatus = "error"
)

// Session 账号的连接状态记录，与 Account 一对一
//
// 持久化记录只是内存会话注册表的尽力而为镜像；
// "当前是否在线" 以注册表为准。
type Session struct {
	AccountID              string        `json:"account_id"`
	Status                 SessionStatus `json:"status"`
	IsActive               bool          `json:"is_active"`
	LastKnownServerAddress *string       `json:"last_known_server_address,omitempty"`
	LastKnownServerPort    *int          `json:"last_known_server_port,omitempty"`
	LastKnownVersion       *string       `json:"last_known_version,omitempty"`
	LastKickReason         *string       `json:"last_kick_reason,omitempty"` // 仅在 kicked 转换时写入
	LastSeenAt             *time.Time    `json:"last_seen_at,omitempty"`
	UpdatedAt              time.Time     `json:"updated_at"`
}
