package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor Prometheus监控指标收集器
type Monitor struct {
	registry *prometheus.Registry

	// 会话指标
	wsConnects     prometheus.Counter
	wsDisconnects  prometheus.Counter
	loginFailures  prometheus.Counter
	sessionState   prometheus.Gauge
	heartbeatsSent prometheus.Counter

	// 对账指标
	snapshotsReceived prometheus.Counter
	snapshotsDropped  prometheus.Counter
	transitions       *prometheus.CounterVec
	lookupFailures    *prometheus.CounterVec
	persistFailures   prometheus.Counter
	snapshotLatency   prometheus.Histogram
	openPositions     prometheus.Gauge

	// 通知指标
	notifications  *prometheus.CounterVec
	notifyFailures *prometheus.CounterVec

	// REST 指标
	restRequests *prometheus.CounterVec
	restErrors   *prometheus.CounterVec
	restLatency  *prometheus.HistogramVec
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "narrator",
		Subsystem: "okx",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()

	// 创建factory
	factory := promauto.With(reg)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}

	m := &Monitor{
		registry: reg,

		wsConnects:     counter("ws_connects_total", "WebSocket连接次数"),
		wsDisconnects:  counter("ws_disconnects_total", "WebSocket断开次数"),
		loginFailures:  counter("login_failures_total", "登录失败次数"),
		sessionState:   gauge("session_state", "会话状态(0=断开,1=连接中,2=等待登录,3=已登录,4=已订阅)"),
		heartbeatsSent: counter("heartbeats_sent_total", "心跳发送次数"),

		snapshotsReceived: counter("snapshots_received_total", "账户快照接收数"),
		snapshotsDropped:  counter("snapshots_dropped_total", "队列满被丢弃的快照数"),
		transitions:       counterVec("transitions_total", "持仓状态迁移次数", "action"),
		lookupFailures:    counterVec("lookup_failures_total", "价格/估值查询失败次数", "kind"),
		persistFailures:   counter("persist_failures_total", "持久化失败次数"),
		snapshotLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "snapshot_latency_seconds",
			Help:      "单次快照处理耗时（秒）",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		openPositions: gauge("open_positions", "当前持仓数"),

		notifications:  counterVec("notifications_total", "通知发送次数", "kind"),
		notifyFailures: counterVec("notify_failures_total", "通知发送失败次数", "kind"),

		restRequests: counterVec("rest_requests_total", "REST请求总数", "action"),
		restErrors:   counterVec("rest_errors_total", "REST错误总数", "action"),
		restLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "rest_latency_seconds",
				Help:      "REST请求延迟（秒）",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"action"},
		),
	}

	return m
}

// 会话相关方法
func (m *Monitor) RecordWSConnection() {
	if m == nil {
		return
	}
	m.wsConnects.Inc()
}

func (m *Monitor) RecordWSDisconnect() {
	if m == nil {
		return
	}
	m.wsDisconnects.Inc()
}

func (m *Monitor) RecordLoginFailure() {
	if m == nil {
		return
	}
	m.loginFailures.Inc()
}

func (m *Monitor) UpdateSessionState(state int) {
	if m == nil {
		return
	}
	m.sessionState.Set(float64(state))
}

func (m *Monitor) RecordHeartbeat() {
	if m == nil {
		return
	}
	m.heartbeatsSent.Inc()
}

// 对账相关方法
func (m *Monitor) RecordSnapshot() {
	if m == nil {
		return
	}
	m.snapshotsReceived.Inc()
}

func (m *Monitor) RecordSnapshotDropped() {
	if m == nil {
		return
	}
	m.snapshotsDropped.Inc()
}

func (m *Monitor) RecordTransition(action string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(action).Inc()
}

func (m *Monitor) RecordLookupFailure(kind string) {
	if m == nil {
		return
	}
	m.lookupFailures.WithLabelValues(kind).Inc()
}

func (m *Monitor) RecordPersistFailure() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

func (m *Monitor) RecordSnapshotLatency(seconds float64) {
	if m == nil {
		return
	}
	m.snapshotLatency.Observe(seconds)
}

func (m *Monitor) UpdateOpenPositions(n int) {
	if m == nil {
		return
	}
	m.openPositions.Set(float64(n))
}

// 通知相关方法
func (m *Monitor) RecordNotification(kind string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind).Inc()
}

func (m *Monitor) RecordNotifyFailure(kind string) {
	if m == nil {
		return
	}
	m.notifyFailures.WithLabelValues(kind).Inc()
}

// REST 相关方法
func (m *Monitor) RecordRESTRequest(action string) {
	if m == nil {
		return
	}
	m.restRequests.WithLabelValues(action).Inc()
}

func (m *Monitor) RecordRESTError(action string) {
	if m == nil {
		return
	}
	m.restErrors.WithLabelValues(action).Inc()
}

func (m *Monitor) RecordRESTLatency(action string, seconds float64) {
	if m == nil {
		return
	}
	m.restLatency.WithLabelValues(action).Observe(seconds)
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
