package mcbot

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// ProbeDialer 基于裸 TCP 的连通性驱动
//
// 不实现真正的游戏协议，只验证目标服务器可达并维持连接，
// 用于开发环境和协议库尚未接入的部署。事件语义与真实驱动
// 一致：连接建立后依次上报 login、spawn，对端关闭时上报 end。
type ProbeDialer struct {
	Timeout time.Duration
}

var _ Dialer = (*ProbeDialer)(nil)

// NewProbeDialer 创建 TCP 探测驱动
func NewProbeDialer() *ProbeDialer {
	return &ProbeDialer{Timeout: 10 * time.Second}
}

func (d *ProbeDialer) Name() string {
	return "tcp-probe"
}

// Dial 发起探测连接
func (d *ProbeDialer) Dial(ctx context.Context, opts Options) (Client, error) {
	if opts.Host == "" || opts.Port <= 0 {
		return nil, fmt.Errorf("invalid target %s:%d", opts.Host, opts.Port)
	}

	c := &probeClient{
		events:   make(chan Event, 16),
		username: usernameFromEmail(opts.LoginEmail),
	}
	go c.run(ctx, d.Timeout, opts)
	return c, nil
}

type probeClient struct {
	mu       sync.Mutex
	conn     net.Conn
	closed   bool
	events   chan Event
	username string
}

func (c *probeClient) Events() <-chan Event { return c.events }

func (c *probeClient) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

func (c *probeClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *probeClient) run(ctx context.Context, timeout time.Duration, opts Options) {
	defer close(c.events)

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", opts.Host, opts.Port))
	if err != nil {
		c.events <- Event{Type: EventError, Err: err}
		c.events <- Event{Type: EventEnd, Reason: reasonText(err.Error())}
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		c.events <- Event{Type: EventEnd, Reason: reasonText("disconnected before connect completed")}
		return
	}
	c.conn = conn
	c.mu.Unlock()

	c.events <- Event{Type: EventLogin, Username: c.username}
	c.events <- Event{Type: EventSpawn}

	// 阻塞等待对端关闭或本地 Disconnect
	buf := make([]byte, 256)
	for {
		if _, err := conn.Read(buf); err != nil {
			break
		}
	}
	c.events <- Event{Type: EventEnd}
}

func usernameFromEmail(email string) string {
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return email
}

func reasonText(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}
