// Package mcbot 定义游戏客户端协议库的统一抽象
//
// 底层协议实现被视为黑盒：给定持久凭证与目标服务器，
// 驱动通过一条有界事件通道上报生命周期事件。对单个连接，
// 事件顺序由驱动保证（login → spawn → {kicked|end}），
// 消费方不得重排或合并。
package mcbot

import (
	"context"
	"encoding/json"
)

// EventType 客户端生命周期事件类型
type EventType string

const (
	EventLogin  EventType = "login"  // 身份提供方确认登录（尚未进入服务器）
	EventSpawn  EventType = "spawn"  // 已在游戏服务器出生
	EventKicked EventType = "kicked" // 被服务器踢出（本次连接的终态之一）
	EventError  EventType = "error"  // 非致命错误，连接可能仍然存活
	EventEnd    EventType = "end"    // 连接结束（未被踢出时的终态）
)

// Event 一条生命周期事件
type Event struct {
	Type     EventType
	Username string          // login 事件携带游戏内名称
	Reason   json.RawMessage // kicked/end 事件的原因，纯文本或嵌套的聊天组件 JSON
	Err      error           // error 事件携带的错误
}

// Options 建立连接所需的全部参数
type Options struct {
	LoginEmail string
	Credential []byte // 持久凭证的临时工作副本
	Host       string
	Port       int
	Version    string
}

// Client 一个已发起的客户端连接句柄
//
// Events 返回的通道由驱动在连接结束后关闭；
// Disconnect 可被并发调用，幂等。
type Client interface {
	// Events 返回生命周期事件通道
	Events() <-chan Event

	// Disconnect 请求断开连接
	Disconnect() error

	// Username 返回登录后的游戏内名称（登录前为空）
	Username() string
}

// Dialer 协议驱动入口
type Dialer interface {
	// Name 返回驱动标识
	Name() string

	// Dial 发起连接并立即返回句柄；连接进度通过事件通道上报
	Dial(ctx context.Context, opts Options) (Client, error)
}
