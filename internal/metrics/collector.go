package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 管线指标
	stageDuration *prometheus.HistogramVec
	turnLatency   prometheus.Histogram

	// 护栏指标
	guardrailTrips  *prometheus.CounterVec
	guardrailChecks *prometheus.CounterVec

	// 模型指标
	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
	llmTokensUsed      *prometheus.CounterVec

	// 会话指标
	sessionsActive    prometheus.Gauge
	interruptions     prometheus.Counter
	audioSecondsTotal prometheus.Counter

	// 文书指标
	notesGenerated *prometheus.CounterVec
	noteDuration   prometheus.Histogram

	// 缓存 / 数据库指标
	cacheHits         *prometheus.CounterVec
	cacheMisses       *prometheus.CounterVec
	dbConnectionsOpen prometheus.Gauge
	dbConnectionsIdle prometheus.Gauge

	logger *zap.Logger
}

// NewCollector 创建指标收集器。registerer 为 nil 时使用默认注册表。
func NewCollector(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 管线指标
	c.stageDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Duration of each voice pipeline stage",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"stage"}, // asr, guardrails_input, reasoning, guardrails_output, tts
	)

	c.turnLatency = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_latency_seconds",
			Help:      "End-to-end latency from final transcript to first synthesized audio",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	// 护栏指标
	c.guardrailChecks = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guardrail_checks_total",
			Help:      "Total number of guardrail validations",
		},
		[]string{"validator", "direction", "outcome"}, // outcome: pass, fail, error
	)

	c.guardrailTrips = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guardrail_trips_total",
			Help:      "Total number of guardrail tripwire activations",
		},
		[]string{"validator", "direction"},
	)

	// 模型指标
	c.llmRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of model gateway requests",
		},
		[]string{"model", "status"},
	)

	c.llmRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "Model gateway request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model"},
	)

	c.llmTokensUsed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"model", "type"}, // type: prompt, completion
	)

	// 会话指标
	c.sessionsActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "voice_sessions_active",
			Help:      "Number of currently active voice sessions",
		},
	)

	c.interruptions = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_interruptions_total",
			Help:      "Total number of user interruptions during synthesis",
		},
	)

	c.audioSecondsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_seconds_total",
			Help:      "Total seconds of audio received across sessions",
		},
	)

	// 文书指标
	c.notesGenerated = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notes_generated_total",
			Help:      "Total number of clinical note generations",
		},
		[]string{"status"}, // ok, malformed, error
	)

	c.noteDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "note_generation_duration_seconds",
			Help:      "Clinical note generation duration in seconds",
			Buckets:   []float64{1, 2, 5, 10, 30, 60, 120},
		},
	)

	// 缓存指标
	c.cacheHits = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// 数据库指标
	c.dbConnectionsOpen = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
	)

	c.dbConnectionsIdle = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 🎙️ 管线指标记录
// =============================================================================

// RecordStage 记录单个管线阶段耗时
func (c *Collector) RecordStage(stage string, duration time.Duration) {
	c.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordTurnLatency 记录最终转写到首个音频的端到端延迟
func (c *Collector) RecordTurnLatency(latency time.Duration) {
	c.turnLatency.Observe(latency.Seconds())
}

// SessionStarted 会话开始
func (c *Collector) SessionStarted() { c.sessionsActive.Inc() }

// SessionEnded 会话结束
func (c *Collector) SessionEnded() { c.sessionsActive.Dec() }

// RecordInterruption 记录一次打断
func (c *Collector) RecordInterruption() { c.interruptions.Inc() }

// RecordAudioSeconds 累计接收的音频秒数
func (c *Collector) RecordAudioSeconds(seconds float64) { c.audioSecondsTotal.Add(seconds) }

// =============================================================================
// 🛡️ 护栏指标记录
// =============================================================================

// RecordGuardrailCheck 记录一次护栏验证
func (c *Collector) RecordGuardrailCheck(validator, direction, outcome string) {
	c.guardrailChecks.WithLabelValues(validator, direction, outcome).Inc()
}

// RecordGuardrailTrip 记录一次 Tripwire 触发
func (c *Collector) RecordGuardrailTrip(validator, direction string) {
	c.guardrailTrips.WithLabelValues(validator, direction).Inc()
}

// =============================================================================
// 🤖 模型指标记录
// =============================================================================

// RecordLLMRequest 记录一次模型网关请求
func (c *Collector) RecordLLMRequest(model, status string, duration time.Duration, promptTokens, completionTokens int) {
	c.llmRequestsTotal.WithLabelValues(model, status).Inc()
	c.llmRequestDuration.WithLabelValues(model).Observe(duration.Seconds())
	if promptTokens > 0 {
		c.llmTokensUsed.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		c.llmTokensUsed.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
}

// =============================================================================
// 📝 文书指标记录
// =============================================================================

// RecordNoteGeneration 记录一次文书生成
func (c *Collector) RecordNoteGeneration(status string, duration time.Duration) {
	c.notesGenerated.WithLabelValues(status).Inc()
	c.noteDuration.Observe(duration.Seconds())
}

// =============================================================================
// 💾 缓存 / 数据库指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// RecordDBConnections 记录数据库连接池水位
func (c *Collector) RecordDBConnections(open, idle int) {
	c.dbConnectionsOpen.Set(float64(open))
	c.dbConnectionsIdle.Set(float64(idle))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码归并为粗粒度标签
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
