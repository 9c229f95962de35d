// ============================================================================
// Tonebridge Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露 orchestrator 運行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 任務計數器 (Counter)：
//      - tonebridge_jobs_submitted_total: 提交任務總數
//      - tonebridge_job_transitions_total{status}: 進入各狀態的次數
//      - tonebridge_stale_callbacks_total: 被丟棄的過期 executor 事件
//      - tonebridge_recovered_jobs_total{action}: 啟動恢復時處理的任務（failed/requeued）
//      - tonebridge_stats_cache_{hits,misses}_total: 統計快取命中/未命中
//
//   2. 性能指標 (Histogram)：
//      - tonebridge_stage_duration_seconds{stage,outcome}: 各階段耗時
//
//   3. 狀態指標 (Gauge)：
//      - tonebridge_jobs_running: 目前執行中的 pipeline 數
//      - tonebridge_dispatch_queue_depth: 等待分派的任務數
//      - tonebridge_recovery_time_seconds: 最近一次啟動恢復耗時
//
// Prometheus 查詢示例:
//
//   # 每分鐘完成任務數
//   rate(tonebridge_job_transitions_total{status="COMPLETED"}[1m])
//
//   # render 階段 95 分位耗時
//   histogram_quantile(0.95, rate(tonebridge_stage_duration_seconds_bucket{stage="render"}[5m]))
//
//   # 統計快取命中率
//   rate(tonebridge_stats_cache_hits_total[5m]) /
//     (rate(tonebridge_stats_cache_hits_total[5m]) + rate(tonebridge_stats_cache_misses_total[5m]))
//
// nil *Collector 的所有方法皆為 no-op，方便測試與不需要監控的嵌入場景。
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tonebridge"

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	jobsSubmitted  prometheus.Counter
	transitions    *prometheus.CounterVec
	staleCallbacks prometheus.Counter
	recovered      *prometheus.CounterVec

	// 統計快取
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// 效能指標
	stageDuration *prometheus.HistogramVec
	recoveryTime  prometheus.Gauge

	// 狀態指標
	jobsRunning prometheus.Gauge
	queueDepth  prometheus.Gauge
}

// NewCollector 創建指標收集器並註冊到 reg；reg 為 nil 時只建立不註冊
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of jobs submitted",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_transitions_total",
			Help:      "Number of job state transitions by target status",
		}, []string{"status"}),
		staleCallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_callbacks_total",
			Help:      "Executor events dropped because they no longer match the job state",
		}),
		recovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovered_jobs_total",
			Help:      "Jobs handled by startup recovery, by action",
		}, []string{"action"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stats_cache_hits_total",
			Help:      "Stats queries served from cache",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stats_cache_misses_total",
			Help:      "Stats queries that went to the store",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage", "outcome"}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken by the last startup recovery in seconds",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Pipelines currently executing",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_queue_depth",
			Help:      "Jobs waiting to be dispatched to a worker",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			c.jobsSubmitted,
			c.transitions,
			c.staleCallbacks,
			c.recovered,
			c.cacheHits,
			c.cacheMisses,
			c.stageDuration,
			c.recoveryTime,
			c.jobsRunning,
			c.queueDepth,
		)
	}
	return c
}

// RecordSubmit 記錄任務提交
func (c *Collector) RecordSubmit() {
	if c == nil {
		return
	}
	c.jobsSubmitted.Inc()
}

// RecordTransition 記錄任務進入新狀態
func (c *Collector) RecordTransition(status string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(status).Inc()
}

// RecordStale 記錄被丟棄的過期事件
func (c *Collector) RecordStale() {
	if c == nil {
		return
	}
	c.staleCallbacks.Inc()
}

// RecordRecovered 記錄啟動恢復的處置（"failed" 或 "requeued"）
func (c *Collector) RecordRecovered(action string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.recovered.WithLabelValues(action).Add(float64(n))
}

// RecordCacheHit 記錄統計快取命中
func (c *Collector) RecordCacheHit() {
	if c == nil {
		return
	}
	c.cacheHits.Inc()
}

// RecordCacheMiss 記錄統計快取未命中
func (c *Collector) RecordCacheMiss() {
	if c == nil {
		return
	}
	c.cacheMisses.Inc()
}

// ObserveStage 記錄階段耗時，outcome 為 ok / failed / cancelled / timeout
func (c *Collector) ObserveStage(stage, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(d.Seconds())
}

// UpdateQueueStats 更新分派佇列與執行中數量
func (c *Collector) UpdateQueueStats(queued, running int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(queued))
	c.jobsRunning.Set(float64(running))
}

// Handler 回傳暴露 gatherer 指標的 HTTP handler
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
