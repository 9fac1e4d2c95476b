// Package metrics 提供 eidos-mint 服务的 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "eidos_mint"

// 对账指标
var (
	// CheckpointBlockGauge 检查点区块
	CheckpointBlockGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_block",
			Help:      "当前检查点区块高度",
		},
	)

	// ChainHeadGauge 链头高度
	ChainHeadGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_head_block",
			Help:      "链头区块高度",
		},
	)

	// CheckpointLagGauge 检查点落后区块数
	CheckpointLagGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_lag_blocks",
			Help:      "链头高度减检查点高度",
		},
	)

	// ReconcilePassesTotal 对账轮次
	ReconcilePassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_passes_total",
			Help:      "对账轮次",
		},
		[]string{"result"}, // advanced, empty, busy, transient, reorg, stale, failed
	)

	// ReconcilePassDuration 对账轮次耗时
	ReconcilePassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_pass_duration_seconds",
			Help:      "对账轮次耗时(秒)",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	// EventsIngestedTotal 写入事件日志的链上事件
	EventsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "链上事件入库数",
		},
		[]string{"method", "result"}, // result: inserted, duplicate
	)

	// ProjectionsTotal 投影结果
	ProjectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "projections_total",
			Help:      "领域投影结果",
		},
		[]string{"outcome"}, // finalized, finalized_from_draft, already_final, unexpected_mint, ignored, malformed
	)

	// ReorgsDetectedTotal 检测到的重组
	ReorgsDetectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reorgs_detected_total",
			Help:      "检测到的链重组次数",
		},
	)
)

// 铸造指标
var (
	// MintRequestsTotal 铸造请求
	MintRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mint_requests_total",
			Help:      "铸造请求数",
		},
		[]string{"result"}, // submitted, ineligible, pinning_error, submission_error, unresolved, failed
	)

	// MintSubmitDuration 铸造提交耗时
	MintSubmitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mint_submit_duration_seconds",
			Help:      "铸造请求从预留到提交完成的耗时(秒)",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	// PinDuration 资源固定耗时
	PinDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pin_duration_seconds",
			Help:      "S3 拉取并固定到 IPFS 的耗时(秒)",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"status"},
	)

	// UnresolvedMintsGauge 超时未确认的铸造标记
	UnresolvedMintsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unresolved_mints",
			Help:      "超过超时阈值仍未确认的铸造标记数",
		},
	)

	// ActiveMintsGauge 未确认的铸造标记
	ActiveMintsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_mints",
			Help:      "全部未确认的铸造标记数",
		},
	)
)

// Kafka 指标
var (
	// KafkaMessagesProduced Kafka 生产消息数
	KafkaMessagesProduced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_produced_total",
			Help:      "Kafka 生产消息数",
		},
		[]string{"topic", "status"},
	)
)

// HTTP 指标
var (
	// HTTPRequestsTotal HTTP 请求数
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP 请求数",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration HTTP 请求耗时
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP 请求耗时",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// RecordCheckpoint 记录检查点与链头
func RecordCheckpoint(checkpoint, chainHead uint64) {
	CheckpointBlockGauge.Set(float64(checkpoint))
	ChainHeadGauge.Set(float64(chainHead))
	if chainHead > checkpoint {
		CheckpointLagGauge.Set(float64(chainHead - checkpoint))
	} else {
		CheckpointLagGauge.Set(0)
	}
}

// RecordPass 记录对账轮次
func RecordPass(result string, durationSeconds float64) {
	ReconcilePassesTotal.WithLabelValues(result).Inc()
	if durationSeconds > 0 {
		ReconcilePassDuration.Observe(durationSeconds)
	}
}

// RecordEventIngested 记录事件入库
func RecordEventIngested(method string, inserted bool) {
	result := "inserted"
	if !inserted {
		result = "duplicate"
	}
	EventsIngestedTotal.WithLabelValues(method, result).Inc()
}

// RecordProjection 记录投影结果
func RecordProjection(outcome string) {
	ProjectionsTotal.WithLabelValues(outcome).Inc()
}

// RecordMintRequest 记录铸造请求
func RecordMintRequest(result string, durationSeconds float64) {
	MintRequestsTotal.WithLabelValues(result).Inc()
	if durationSeconds > 0 {
		MintSubmitDuration.Observe(durationSeconds)
	}
}

// RecordPin 记录资源固定
func RecordPin(status string, durationSeconds float64) {
	PinDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordKafkaMessage 记录 Kafka 消息
func RecordKafkaMessage(topic, status string) {
	KafkaMessagesProduced.WithLabelValues(topic, status).Inc()
}

// RecordHTTPRequest 记录 HTTP 请求
func RecordHTTPRequest(method, path, status string, durationSeconds float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(durationSeconds)
}
