package credcache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FSCache 基于本地文件系统的凭证缓存
//
// 每个条目是目录下的一个文件；Rename 依赖 os.Rename 的
// 同目录原子性。
type FSCache struct {
	dir string
}

var _ Cache = (*FSCache)(nil)

// NewFSCache 创建文件系统缓存，目录不存在时自动创建
func NewFSCache(dir string) (*FSCache, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create cache dir %s: %w", dir, err)
	}
	return &FSCache{dir: dir}, nil
}

func (c *FSCache) path(key string) string {
	// 键来自登录邮箱或账号 ID，去掉路径分隔符防止越出目录
	return filepath.Join(c.dir, filepath.Base(key))
}

func (c *FSCache) Put(_ context.Context, key string, data []byte) error {
	return os.WriteFile(c.path(key), data, 0600)
}

func (c *FSCache) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(c.path(key))
	if os.IsNotExist(err) {
		return nil, ErrNoEntry
	}
	return data, err
}

func (c *FSCache) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(c.path(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func (c *FSCache) Rename(_ context.Context, oldKey, newKey string) error {
	err := os.Rename(c.path(oldKey), c.path(newKey))
	if os.IsNotExist(err) {
		return ErrNoEntry
	}
	return err
}

func (c *FSCache) Delete(_ context.Context, key string) error {
	err := os.Remove(c.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
