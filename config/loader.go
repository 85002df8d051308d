// =============================================================================
// 📦 AmbientFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 AmbientFlow 的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server"`

	// Gateway 托管模型网关配置（推理模型 + 护栏模型）
	Gateway GatewayConfig `yaml:"gateway"`

	// Riva 语音微服务配置（ASR/TTS NIM）
	Riva RivaConfig `yaml:"riva"`

	// Guardrails 护栏策略配置
	Guardrails GuardrailsConfig `yaml:"guardrails"`

	// Redis 缓存配置
	Redis RedisConfig `yaml:"redis"`

	// Database 数据库配置
	Database DatabaseConfig `yaml:"database"`

	// Log 日志配置
	Log LogConfig `yaml:"log"`

	// Telemetry OpenTelemetry 配置
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Auth API 鉴权配置
	Auth AuthConfig `yaml:"auth"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port"`
	MetricsPort     int           `yaml:"metrics_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// RateLimitRPS 每 IP 请求速率限制，0 表示关闭限流
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// GatewayConfig 托管模型网关配置。
// 网关暴露 OpenAI 兼容的 /v1/chat/completions 接口，
// 推理模型与两个护栏模型共用一个网关，仅模型名不同。
type GatewayConfig struct {
	BaseURL            string        `yaml:"base_url"`
	APIKey             string        `yaml:"api_key"`
	ReasoningModel     string        `yaml:"reasoning_model"`
	ContentSafetyModel string        `yaml:"content_safety_model"`
	TopicControlModel  string        `yaml:"topic_control_model"`
	Timeout            time.Duration `yaml:"timeout"`
	MaxRetries         int           `yaml:"max_retries"`
	RequestsPerSecond  float64       `yaml:"requests_per_second"`
	ContextWindow      int           `yaml:"context_window"`
}

// String 返回脱敏后的配置描述，API Key 永不输出。
func (c GatewayConfig) String() string {
	return fmt.Sprintf("GatewayConfig{BaseURL:%s ReasoningModel:%s APIKey:%s}",
		c.BaseURL, c.ReasoningModel, redactKey(c.APIKey))
}

func redactKey(key string) string {
	if key == "" {
		return "<unset>"
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****"
}

// RivaConfig 语音微服务配置
type RivaConfig struct {
	ASRBaseURL string        `yaml:"asr_base_url"`
	TTSBaseURL string        `yaml:"tts_base_url"`
	ASRModel   string        `yaml:"asr_model"`
	TTSVoice   string        `yaml:"tts_voice"`
	Language   string        `yaml:"language"`
	SampleRate int           `yaml:"sample_rate"`
	Timeout    time.Duration `yaml:"timeout"`
}

// GuardrailsConfig 护栏策略配置
type GuardrailsConfig struct {
	// Mode 链执行模式: fail_fast / collect_all / parallel
	Mode string `yaml:"mode"`
	// PIIAction PII 处理动作: mask / reject / warn
	PIIAction string `yaml:"pii_action"`
	// FailOpen 远程护栏模型不可用时是否放行
	FailOpen bool `yaml:"fail_open"`
	// BlockedTopics 患者 Agent 的话题黑名单
	BlockedTopics []string `yaml:"blocked_topics"`
	// MaxInputChars 单轮输入长度上限
	MaxInputChars int `yaml:"max_input_chars"`
}

// RedisConfig 缓存配置
type RedisConfig struct {
	Addr       string        `yaml:"addr"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
	PoolSize   int           `yaml:"pool_size"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// Driver sqlite 或 postgres
	Driver string `yaml:"driver"`
	// DSN 连接串；sqlite 时为文件路径
	DSN string `yaml:"dsn"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// TelemetryConfig OpenTelemetry 配置
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// AuthConfig API 鉴权配置。JWTSecret 为空时鉴权中间件关闭。
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// =============================================================================
// 🔧 加载器
// =============================================================================

const envPrefix = "AMBIENTFLOW"

// Loader 配置加载器
type Loader struct {
	configPath string
}

// NewLoader 创建配置加载器
func NewLoader() *Loader {
	return &Loader{}
}

// WithConfigPath 指定 YAML 配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// Load 按优先级加载配置：默认值 → YAML → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		data, err := os.ReadFile(l.configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", l.configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", l.configPath, err)
		}
	}

	l.applyEnv(cfg)

	return cfg, nil
}

// applyEnv 应用环境变量覆盖
func (l *Loader) applyEnv(cfg *Config) {
	setString(&cfg.Gateway.BaseURL, "GATEWAY_BASE_URL")
	setString(&cfg.Gateway.APIKey, "GATEWAY_API_KEY")
	setString(&cfg.Gateway.ReasoningModel, "GATEWAY_REASONING_MODEL")
	setString(&cfg.Gateway.ContentSafetyModel, "GATEWAY_CONTENT_SAFETY_MODEL")
	setString(&cfg.Gateway.TopicControlModel, "GATEWAY_TOPIC_CONTROL_MODEL")

	setString(&cfg.Riva.ASRBaseURL, "RIVA_ASR_BASE_URL")
	setString(&cfg.Riva.TTSBaseURL, "RIVA_TTS_BASE_URL")
	setString(&cfg.Riva.TTSVoice, "RIVA_TTS_VOICE")

	setInt(&cfg.Server.HTTPPort, "SERVER_HTTP_PORT")
	setInt(&cfg.Server.MetricsPort, "SERVER_METRICS_PORT")

	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")

	setString(&cfg.Database.Driver, "DATABASE_DRIVER")
	setString(&cfg.Database.DSN, "DATABASE_DSN")

	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Log.Format, "LOG_FORMAT")

	setBool(&cfg.Telemetry.Enabled, "TELEMETRY_ENABLED")
	setString(&cfg.Telemetry.OTLPEndpoint, "TELEMETRY_OTLP_ENDPOINT")

	setString(&cfg.Auth.JWTSecret, "AUTH_JWT_SECRET")
}

func envKey(name string) string {
	return envPrefix + "_" + name
}

func setString(dst *string, name string) {
	if v, ok := os.LookupEnv(envKey(name)); ok {
		*dst = v
	}
}

func setInt(dst *int, name string) {
	if v, ok := os.LookupEnv(envKey(name)); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, name string) {
	if v, ok := os.LookupEnv(envKey(name)); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// =============================================================================
// ✅ 校验
// =============================================================================

// Validate 校验配置的完整性与取值范围
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, fmt.Sprintf("server.http_port must be in (0, 65535], got %d", c.Server.HTTPPort))
	}
	if c.Server.MetricsPort <= 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, fmt.Sprintf("server.metrics_port must be in (0, 65535], got %d", c.Server.MetricsPort))
	}
	if c.Server.HTTPPort == c.Server.MetricsPort {
		errs = append(errs, "server.http_port and server.metrics_port must differ")
	}

	if c.Gateway.BaseURL == "" {
		errs = append(errs, "gateway.base_url is required")
	}
	if c.Gateway.APIKey == "" {
		errs = append(errs, "gateway.api_key is required (set "+envKey("GATEWAY_API_KEY")+")")
	}
	if c.Gateway.ReasoningModel == "" {
		errs = append(errs, "gateway.reasoning_model is required")
	}

	if c.Riva.ASRBaseURL == "" {
		errs = append(errs, "riva.asr_base_url is required")
	}
	if c.Riva.TTSBaseURL == "" {
		errs = append(errs, "riva.tts_base_url is required")
	}
	switch c.Riva.SampleRate {
	case 8000, 16000, 22050, 24000, 44100, 48000:
	default:
		errs = append(errs, fmt.Sprintf("riva.sample_rate unsupported: %d", c.Riva.SampleRate))
	}

	switch c.Guardrails.Mode {
	case "fail_fast", "collect_all", "parallel":
	default:
		errs = append(errs, fmt.Sprintf("guardrails.mode must be fail_fast/collect_all/parallel, got %q", c.Guardrails.Mode))
	}
	switch c.Guardrails.PIIAction {
	case "mask", "reject", "warn":
	default:
		errs = append(errs, fmt.Sprintf("guardrails.pii_action must be mask/reject/warn, got %q", c.Guardrails.PIIAction))
	}

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("database.driver must be sqlite/postgres, got %q", c.Database.Driver))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level invalid: %q", c.Log.Level))
	}

	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		errs = append(errs, "telemetry.otlp_endpoint is required when telemetry is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
