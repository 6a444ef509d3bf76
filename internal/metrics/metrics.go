// Package metrics 暴露转发服务的 Prometheus 指标
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tg2masto"

// 失败类型标签
const (
	FailureTransient = "transient"
	FailurePermanent = "permanent"
	FailureExhausted = "exhausted"
)

// Metrics 转发指标；nil 接收者上的方法均为空操作
type Metrics struct {
	registry *prometheus.Registry

	ingested     prometheus.Counter
	forwarded    prometheus.Counter
	skipped      prometheus.Counter
	failures     *prometheus.CounterVec
	passDuration prometheus.Histogram
	cursor       prometheus.Gauge

	lastPassUnix atomic.Int64
}

// New 在独立 registry 上注册指标
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ingested: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_total",
			Help:      "Total number of channel posts written to the inbox.",
		}),
		forwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forwarded_total",
			Help:      "Total number of messages published to Mastodon.",
		}),
		skipped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_total",
			Help:      "Total number of messages skipped as unsupported content.",
		}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Total number of failed forwarding attempts by kind.",
		}, []string{"kind"}),
		passDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Duration of forwarding passes.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}),
		cursor: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cursor",
			Help:      "Last source message id the cursor advanced past.",
		}),
	}
}

// Registry 指标 registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Ingested 消息入箱
func (m *Metrics) Ingested() {
	if m == nil {
		return
	}
	m.ingested.Inc()
}

// Forwarded 发布成功
func (m *Metrics) Forwarded() {
	if m == nil {
		return
	}
	m.forwarded.Inc()
}

// Skipped 内容无法转换
func (m *Metrics) Skipped() {
	if m == nil {
		return
	}
	m.skipped.Inc()
}

// Failed 发布失败
func (m *Metrics) Failed(kind string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(kind).Inc()
}

// CursorAdvanced 游标推进
func (m *Metrics) CursorAdvanced(sourceID int64) {
	if m == nil {
		return
	}
	m.cursor.Set(float64(sourceID))
}

// PassCompleted 一轮转发结束
func (m *Metrics) PassCompleted(duration time.Duration, at time.Time) {
	if m == nil {
		return
	}
	m.passDuration.Observe(duration.Seconds())
	m.lastPassUnix.Store(at.Unix())
}

// LastPass 最近一轮结束时间，尚未完成任何一轮时返回零值
func (m *Metrics) LastPass() time.Time {
	if m == nil {
		return time.Time{}
	}
	unix := m.lastPassUnix.Load()
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}
