// Package metrics 收集 catalog 与上游请求的计数/耗时，并通过 /metrics 暴露。
//
// 约束：
// - 每个 Metrics 使用独立 Registry（不注册到全局 DefaultRegisterer）
// - nil *Metrics 上的所有方法都是 no-op，调用方不需要判空
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/John-Robertt/rezkacat/internal/domain"
)

const namespace = "rezkacat"

// OutcomeOK 是成功操作的 outcome 标签；失败时使用 domain.ErrorCode。
const OutcomeOK = "ok"

type Metrics struct {
	reg *prometheus.Registry

	operations *prometheus.CounterVec
	decodeErrs *prometheus.CounterVec
	upstream   *prometheus.HistogramVec
	leaves     prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Catalog operations by op and outcome.",
		}, []string{"op", "outcome"}),
		decodeErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Stream payload decode failures by stage.",
		}, []string{"stage"}),
		upstream: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Upstream request duration by op and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "status"}),
		leaves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolved_streams_total",
			Help:      "Episode or film stream sets written to the store.",
		}),
	}
	reg.MustRegister(
		m.operations,
		m.decodeErrs,
		m.upstream,
		m.leaves,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry 返回底层 registry（测试里用 testutil 读取）。
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Operation 记录一次 catalog 操作的结果。
func (m *Metrics) Operation(op string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = domain.ErrorCode(err)
	}
	m.operations.WithLabelValues(op, outcome).Inc()

	var de *domain.DecodeError
	if errors.As(err, &de) {
		m.decodeErrs.WithLabelValues(de.Stage).Inc()
	}
}

// Resolved 记录一次成功写入的流映射。
func (m *Metrics) Resolved() {
	if m == nil {
		return
	}
	m.leaves.Inc()
}

// ObserveUpstream 的签名与 httpx.Options.Observe 一致。
// 没有拿到响应（传输错误/超时）时 status 标签为 "error"。
func (m *Metrics) ObserveUpstream(op string, status int, d time.Duration, err error) {
	if m == nil {
		return
	}
	label := "error"
	if err == nil && status > 0 {
		label = strconv.Itoa(status)
	}
	if op == "" {
		op = "unknown"
	}
	m.upstream.WithLabelValues(op, label).Observe(d.Seconds())
}

// Handler 返回 /metrics 的 http.Handler。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
