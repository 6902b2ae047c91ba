package model

import "encoding/json"

// EventType 对外广播的事件类型
type EventType string

const (
	EventStatusUpdate    EventType = "status_update"
	EventBotKicked       EventType = "bot_kicked"
	EventBotError        EventType = "bot_error"
	EventAccountsUpdated EventType = "accounts_updated"
)

// Event 推送给前端的通知事件
//
// 传递语义是尽力而为：监听者可能错过事件（例如断线重连），
// 必须能通过 list-accounts 恢复完整状态。
type Event struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// StatusUpdatePayload status_update 事件负载
type StatusUpdatePayload struct {
	AccountID string `json:"account_id"`
	Status    string `json:"status"`
}

// KickedPayload bot_kicked 事件负载
type KickedPayload struct {
	AccountID string `json:"account_id"`
	Reason    string `json:"reason"`
}

// ErrorPayload bot_error 事件负载
type ErrorPayload struct {
	AccountID string `json:"account_id"`
	Error     string `json:"error"`
}

// NewStatusUpdate 构造 status_update 事件
func NewStatusUpdate(accountID, status string) Event {
	p, _ := json.Marshal(StatusUpdatePayload{AccountID: accountID, Status: status})
	return Event{Type: EventStatusUpdate, Payload: p}
}

// NewBotKicked 构造 bot_kicked 事件
func NewBotKicked(accountID, reason string) Event {
	p, _ := json.Marshal(KickedPayload{AccountID: accountID, Reason: reason})
	return Event{Type: EventBotKicked, Payload: p}
}

// NewBotError 构造 bot_error 事件
func NewBotError(accountID string, err error) Event {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	p, _ := json.Marshal(ErrorPayload{AccountID: accountID, Error: msg})
	return Event{Type: EventBotError, Payload: p}
}

// NewAccountsUpdated 构造 accounts_updated 事件
func NewAccountsUpdated() Event {
	return Event{Type: EventAccountsUpdated}
}
