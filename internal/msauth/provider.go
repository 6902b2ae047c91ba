// Package msauth 设备码认证编排
//
// 驱动一次用户参与的设备码握手：向身份提供方发起请求，把
// 验证 URL 和短码同步返回给调用者，然后在后台等待用户完成
// 登录。完成信号的统一形态是：提供方把凭证 blob 写入凭证
// 缓存的临时键，编排器轮询该键直到出现或超时。
package msauth

import (
	"context"
	"errors"
)

// 请求范围的失败信号，同步返回给调用者。
// 握手期间的异步失败只通过账号状态和通知事件对外可见。
var (
	// ErrDuplicateAccount (loginEmail, ownerID) 已存在账号
	ErrDuplicateAccount = errors.New("account with this email already exists")

	// ErrAlreadyLinked 该登录已持有有效缓存凭证，无需重新握手
	ErrAlreadyLinked = errors.New("login already has valid cached credentials")

	// ErrProviderError 身份提供方拒绝或无法发起握手
	ErrProviderError = errors.New("identity provider error")
)

// DeviceCode 提供方返回的一次性验证提示
type DeviceCode struct {
	VerificationURL string
	UserCode        string
}

// Provider 身份提供方抽象
//
// BeginDeviceAuth 对一个登录邮箱发起一次握手，立即返回用户
// 验证提示。用户在外部完成登录后，提供方负责把凭证材料写入
// 凭证缓存的临时键（credcache.TransientKey(loginEmail)）。
// 登录已有有效缓存凭证时返回 ErrAlreadyLinked。
type Provider interface {
	BeginDeviceAuth(ctx context.Context, loginEmail string) (*DeviceCode, error)
}
