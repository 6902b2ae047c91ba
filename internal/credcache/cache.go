// Package credcache 凭证缓存
//
// 存放设备码握手产生的不透明凭证材料（JSON blob）。
// 键空间分两段：握手期间以登录邮箱为临时键，账号激活后
// 重命名为以账号 ID 为持久键。对同一账号，任意时刻两个键
// 至多只有一个存在——重命名就是"认证中"与"可连接"之间的
// 原子边界。
package credcache

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNoEntry 指定键下没有缓存条目
//
// 握手轮询期间这是正常状态，不是错误路径。
var ErrNoEntry = errors.New("credential cache: no entry")

// Cache 键值凭证存储
type Cache interface {
	// Put 写入凭证 blob
	Put(ctx context.Context, key string, data []byte) error

	// Get 读取凭证 blob，不存在时返回 ErrNoEntry
	Get(ctx context.Context, key string) ([]byte, error)

	// Exists 检查键是否存在
	Exists(ctx context.Context, key string) (bool, error)

	// Rename 将条目从 oldKey 移动到 newKey。
	// 源键不存在时返回 ErrNoEntry；操作对观察者必须表现为原子的。
	Rename(ctx context.Context, oldKey, newKey string) error

	// Delete 删除条目，键不存在时静默成功
	Delete(ctx context.Context, key string) error
}

// TransientKey 握手期间的临时键
func TransientKey(loginEmail string) string {
	return loginEmail + ".json"
}

// DurableKey 账号激活后的持久键
func DurableKey(accountID string) string {
	return accountID + ".json"
}

// ValidCredential 判断 blob 是否为可用的凭证材料
//
// 轮询可能读到提供方尚未写完的半截文件："存在但为空/非法"
// 是可重试状态，绝不能当成功处理。
func ValidCredential(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	return json.Valid(data)
}
