package credcache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"botfleet-admin/internal/config"
)

// MinIOCache 基于 MinIO 对象存储的凭证缓存
//
// 对象存储没有原生 rename，Rename 以 Copy + 校验 + Remove 实现：
// 先确认新键下的副本完整落盘，再删除旧键。中途崩溃最多留下
// 两个键并存的窗口，由启动恢复扫描清理，绝不会丢失凭证。
type MinIOCache struct {
	mc     *minio.Client
	bucket string
}

var _ Cache = (*MinIOCache)(nil)

// NewMinIOCache 创建 MinIO 凭证缓存
func NewMinIOCache(cfg config.MinIOConfig) (*MinIOCache, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio access_key and secret_key are required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "botfleet-credentials"
	}

	return &MinIOCache{mc: mc, bucket: bucket}, nil
}

// EnsureBucket 确保 bucket 存在
func (c *MinIOCache) EnsureBucket(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
		log.Printf("[minio] Created bucket: %s", c.bucket)
	}
	return nil
}

func (c *MinIOCache) Put(ctx context.Context, key string, data []byte) error {
	_, err := c.mc.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (c *MinIOCache) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNoEntry
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (c *MinIOCache) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.mc.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *MinIOCache) Rename(ctx context.Context, oldKey, newKey string) error {
	src := minio.CopySrcOptions{Bucket: c.bucket, Object: oldKey}
	dst := minio.CopyDestOptions{Bucket: c.bucket, Object: newKey}
	if _, err := c.mc.CopyObject(ctx, dst, src); err != nil {
		if isNoSuchKey(err) {
			return ErrNoEntry
		}
		return fmt.Errorf("copy %s -> %s: %w", oldKey, newKey, err)
	}

	// 校验副本存在后才删除源对象
	if _, err := c.mc.StatObject(ctx, c.bucket, newKey, minio.StatObjectOptions{}); err != nil {
		return fmt.Errorf("verify %s: %w", newKey, err)
	}
	if err := c.mc.RemoveObject(ctx, c.bucket, oldKey, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove %s: %w", oldKey, err)
	}
	return nil
}

func (c *MinIOCache) Delete(ctx context.Context, key string) error {
	return c.mc.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{})
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey"
}
