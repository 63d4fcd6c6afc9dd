// Package metrics Prometheus 指标导出
//
// 指标通过 promauto.With(registerer) 创建：
//   - registerer 为 nil 时只创建不注册（单元测试中可重复构造）
//   - 生产环境传入 prometheus.DefaultRegisterer，由 /metrics 暴露
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace 默认指标命名空间
const DefaultNamespace = "tutorhub_sync"

// CacheMetrics 缓存层指标
type CacheMetrics struct {
	// 读取指标
	Lookups *prometheus.CounterVec // result: fresh, stale, miss, expired

	// 拉取指标
	ProducerCalls   prometheus.Counter
	ProducerErrors  prometheus.Counter
	SharedFetches   prometheus.Counter
	FetchLatency    prometheus.Histogram
	Revalidations   prometheus.Counter
	OptimisticWrite *prometheus.CounterVec // outcome: applied, rolled_back, rollback_skipped

	// 失效与回收
	Invalidations *prometheus.CounterVec // scope: key, pattern, resource
	Evictions     prometheus.Counter
	Entries       prometheus.Gauge
}

// NewCacheMetrics 创建缓存指标实例
func NewCacheMetrics(reg prometheus.Registerer, namespace string) *CacheMetrics {
	factory := promauto.With(reg)

	return &CacheMetrics{
		Lookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Total cache lookups by result",
			},
			[]string{"result"},
		),
		ProducerCalls: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "producer_calls_total",
				Help:      "Total producer invocations",
			},
		),
		ProducerErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "producer_errors_total",
				Help:      "Total failed producer invocations",
			},
		),
		SharedFetches: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "shared_fetches_total",
				Help:      "Fetches that joined an in-flight producer call",
			},
		),
		FetchLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "fetch_latency_seconds",
				Help:      "Producer latency in seconds",
				Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
		),
		Revalidations: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "revalidations_total",
				Help:      "Background revalidations started for stale entries",
			},
		),
		OptimisticWrite: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "optimistic_updates_total",
				Help:      "Optimistic updates by outcome",
			},
			[]string{"outcome"},
		),
		Invalidations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "invalidations_total",
				Help:      "Invalidation calls by scope",
			},
			[]string{"scope"},
		),
		Evictions: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "evictions_total",
				Help:      "Expired entries removed",
			},
		),
		Entries: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "entries",
				Help:      "Number of cached entries",
			},
		),
	}
}

// RecordLookup 记录一次读取结果
func (m *CacheMetrics) RecordLookup(result string) {
	if m == nil {
		return
	}
	m.Lookups.WithLabelValues(result).Inc()
}

// RecordFetch 记录一次 producer 调用
func (m *CacheMetrics) RecordFetch(seconds float64, err error) {
	if m == nil {
		return
	}
	m.ProducerCalls.Inc()
	m.FetchLatency.Observe(seconds)
	if err != nil {
		m.ProducerErrors.Inc()
	}
}

// RecordShared 记录一次被合并的拉取
func (m *CacheMetrics) RecordShared() {
	if m == nil {
		return
	}
	m.SharedFetches.Inc()
}

// RecordRevalidation 记录后台重新验证
func (m *CacheMetrics) RecordRevalidation() {
	if m == nil {
		return
	}
	m.Revalidations.Inc()
}

// RecordOptimistic 记录乐观更新结果
func (m *CacheMetrics) RecordOptimistic(outcome string) {
	if m == nil {
		return
	}
	m.OptimisticWrite.WithLabelValues(outcome).Inc()
}

// RecordInvalidation 记录失效操作
func (m *CacheMetrics) RecordInvalidation(scope string) {
	if m == nil {
		return
	}
	m.Invalidations.WithLabelValues(scope).Inc()
}

// RecordEvictions 记录回收数量
func (m *CacheMetrics) RecordEvictions(n int) {
	if m == nil || n == 0 {
		return
	}
	m.Evictions.Add(float64(n))
}

// SetEntries 设置当前条目数
func (m *CacheMetrics) SetEntries(n int) {
	if m == nil {
		return
	}
	m.Entries.Set(float64(n))
}

// ConnectionMetrics 实时连接指标
type ConnectionMetrics struct {
	State             *prometheus.GaugeVec // 当前状态为 1，其余为 0
	ReconnectsTotal   prometheus.Counter
	ReconnectDelay    prometheus.Histogram
	HeartbeatTimeouts prometheus.Counter
	PingsSent         prometheus.Counter
	AuthFailures      prometheus.Counter
	MessagesReceived  *prometheus.CounterVec
	MessagesSent      *prometheus.CounterVec
	SendRejected      prometheus.Counter
}

// NewConnectionMetrics 创建连接指标实例
func NewConnectionMetrics(reg prometheus.Registerer, namespace string) *ConnectionMetrics {
	factory := promauto.With(reg)

	return &ConnectionMetrics{
		State: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "realtime",
				Name:      "connection_state",
				Help:      "Current connection state (1 for the active state)",
			},
			[]string{"state"},
		),
		ReconnectsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "realtime",
				Name:      "reconnects_scheduled_total",
				Help:      "Total reconnect attempts scheduled",
			},
		),
		ReconnectDelay: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "realtime",
				Name:      "reconnect_delay_seconds",
				Help:      "Scheduled reconnect delay in seconds",
				Buckets:   []float64{1, 2, 4, 8, 16, 30, 60},
			},
		),
		HeartbeatTimeouts: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "realtime",
				Name:      "heartbeat_timeouts_total",
				Help:      "Connections force-closed after missing pongs",
			},
		),
		PingsSent: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "realtime",
				Name:      "pings_sent_total",
				Help:      "Total heartbeat pings sent",
			},
		),
		AuthFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "realtime",
				Name:      "auth_failures_total",
				Help:      "Total rejected authentication attempts",
			},
		),
		MessagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "realtime",
				Name:      "messages_received_total",
				Help:      "Inbound messages by type",
			},
			[]string{"type"},
		),
		MessagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "realtime",
				Name:      "messages_sent_total",
				Help:      "Outbound messages by type",
			},
			[]string{"type"},
		),
		SendRejected: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "realtime",
				Name:      "send_rejected_total",
				Help:      "Send calls rejected because the connection was not ready",
			},
		),
	}
}

// SetState 设置当前连接状态
func (m *ConnectionMetrics) SetState(current string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		m.State.WithLabelValues(s).Set(v)
	}
}

// RecordReconnect 记录一次重连调度
func (m *ConnectionMetrics) RecordReconnect(delaySeconds float64) {
	if m == nil {
		return
	}
	m.ReconnectsTotal.Inc()
	m.ReconnectDelay.Observe(delaySeconds)
}

// RecordHeartbeatTimeout 记录心跳超时
func (m *ConnectionMetrics) RecordHeartbeatTimeout() {
	if m == nil {
		return
	}
	m.HeartbeatTimeouts.Inc()
}

// RecordPing 记录心跳发送
func (m *ConnectionMetrics) RecordPing() {
	if m == nil {
		return
	}
	m.PingsSent.Inc()
}

// RecordAuthFailure 记录认证失败
func (m *ConnectionMetrics) RecordAuthFailure() {
	if m == nil {
		return
	}
	m.AuthFailures.Inc()
}

// RecordReceived 记录收到的消息
func (m *ConnectionMetrics) RecordReceived(msgType string) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(msgType).Inc()
}

// RecordSent 记录发出的消息
func (m *ConnectionMetrics) RecordSent(msgType string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(msgType).Inc()
}

// RecordSendRejected 记录被拒绝的发送
func (m *ConnectionMetrics) RecordSendRejected() {
	if m == nil {
		return
	}
	m.SendRejected.Inc()
}

// Handler 返回 Prometheus HTTP Handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor 返回指定 Gatherer 的 HTTP Handler
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
