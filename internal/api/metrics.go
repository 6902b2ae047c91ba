// Package api Prometheus 指标导出
package api

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 服务指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 车队指标
	BotsRunning     prometheus.GaugeFunc
	BotStartsTotal  prometheus.Counter
	BotKicksTotal   prometheus.Counter
	BotStopsTotal   prometheus.Counter
	PendingAuth       prometheus.GaugeFunc
	HandshakesTotal   *prometheus.CounterVec
	HandshakeDuration prometheus.Histogram

	// WebSocket 指标
	WSConnectionsActive prometheus.Gauge
}

// NewMetrics 创建指标实例
//
// runningFn / pendingFn 分别读取连接注册表和握手 pending 表的
// 当前大小，由 Prometheus 抓取时惰性求值。
func NewMetrics(namespace string, runningFn, pendingFn func() int) *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		BotsRunning: promauto.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "bots_running",
				Help:      "Current number of active bot connections",
			},
			func() float64 { return float64(runningFn()) },
		),
		BotStartsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bot_starts_total",
				Help:      "Total bot connections initiated",
			},
		),
		BotKicksTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bot_kicks_total",
				Help:      "Total bot kick events",
			},
		),
		BotStopsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bot_stops_total",
				Help:      "Total bot connections closed",
			},
		),
		PendingAuth: promauto.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_handshakes",
				Help:      "Current number of in-flight device code handshakes",
			},
			func() float64 { return float64(pendingFn()) },
		),
		HandshakesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handshakes_total",
				Help:      "Total device code handshakes by outcome",
			},
			[]string{"outcome"},
		),
		HandshakeDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handshake_duration_seconds",
				Help:      "Time from initiate-add to account activation",
				Buckets:   []float64{5, 15, 30, 60, 120, 180, 300},
			},
		),
		WSConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ws_connections_active",
				Help:      "Current number of WebSocket clients",
			},
		),
	}
}

// BotStarted 车队回调：连接发起
func (m *Metrics) BotStarted() { m.BotStartsTotal.Inc() }

// BotKicked 车队回调：被踢
func (m *Metrics) BotKicked() { m.BotKicksTotal.Inc() }

// BotStopped 车队回调：连接关闭
func (m *Metrics) BotStopped() { m.BotStopsTotal.Inc() }

// HandshakeCompleted 握手回调：凭证就绪并激活
func (m *Metrics) HandshakeCompleted(elapsed time.Duration) {
	m.HandshakesTotal.WithLabelValues("completed").Inc()
	m.HandshakeDuration.Observe(elapsed.Seconds())
}

// HandshakeExpired 握手回调：超时回滚
func (m *Metrics) HandshakeExpired() { m.HandshakesTotal.WithLabelValues("timeout").Inc() }

// HandshakeCancelled 握手回调：取消（删除账号或关停）
func (m *Metrics) HandshakeCancelled() { m.HandshakesTotal.WithLabelValues("cancelled").Inc() }

// WSConnectionOpened WebSocket 连接建立
func (m *Metrics) WSConnectionOpened() { m.WSConnectionsActive.Inc() }

// WSConnectionClosed WebSocket 连接关闭
func (m *Metrics) WSConnectionClosed() { m.WSConnectionsActive.Dec() }

// MetricsMiddleware 记录 HTTP 请求指标
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		path := normalizePath(r.URL.Path)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack 透传给底层连接，WebSocket 升级依赖它
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}

// normalizePath 将路径中的 ID 段归一化，控制标签基数
func normalizePath(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if strings.HasPrefix(p, "acc-") {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}
