// Package api Redis Streams 跨实例事件中继
//
// 单实例部署时通知事件直接进本地网关；配置了 Redis 后事件先
// 写入流，由订阅协程读回再推给本地 WebSocket 客户端。多个
// 实例共享同一条流时，任一实例产生的事件对所有实例的前端
// 可见。
package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"botfleet-admin/internal/model"
	"botfleet-admin/pkg/logging"
)

const (
	relayStream    = "botfleet:events"
	relayMaxLength = 10000
)

// Relay Redis Streams 事件中继
type Relay struct {
	client  *redis.Client
	gateway *Gateway
	log     *logging.Logger
}

// NewRelay 创建中继
func NewRelay(redisURL string, gateway *Gateway, log *logging.Logger) (*Relay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &Relay{client: client, gateway: gateway, log: log}, nil
}

// Broadcast 将事件写入流
//
// 本地网关的推送由订阅协程完成，这里不直接触达客户端。
// 写入失败时降级为仅本地广播，保证单实例视角的事件不丢。
func (r *Relay) Broadcast(ev model.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: relayStream,
		MaxLen: relayMaxLength,
		Approx: true,
		Values: map[string]interface{}{
			"type":    string(ev.Type),
			"payload": string(ev.Payload),
		},
	}).Err()
	if err != nil {
		r.log.WithError(err).Warn("Event relay publish failed, falling back to local broadcast")
		r.gateway.Broadcast(ev)
	}
}

// Run 订阅循环：读回流中的事件推给本地客户端
//
// 阻塞直到 ctx 取消。
func (r *Relay) Run(ctx context.Context) {
	lastID := "$" // 只消费订阅之后的新事件

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		streams, err := r.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{relayStream, lastID},
			Count:   64,
			Block:   5 * time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue // 超时，继续等待
			}
			if ctx.Err() != nil {
				return
			}
			r.log.WithError(err).Warn("Event relay read failed")
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				lastID = msg.ID
				ev := model.Event{}
				if t, ok := msg.Values["type"].(string); ok {
					ev.Type = model.EventType(t)
				}
				if p, ok := msg.Values["payload"].(string); ok && p != "" {
					ev.Payload = json.RawMessage(p)
				}
				if ev.Type == "" {
					continue
				}
				r.gateway.Broadcast(ev)
			}
		}
	}
}

// Close 关闭 Redis 连接
func (r *Relay) Close() error {
	return r.client.Close()
}
