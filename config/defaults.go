package config

import "time"

// DefaultConfig 返回完整的默认配置。
// 默认指向本地部署的 NIM 微服务端口，生产环境通过 YAML 或环境变量覆盖。
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:        8080,
			MetricsPort:     9090,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimitRPS:    50,
			RateLimitBurst:  100,
		},
		Gateway: GatewayConfig{
			BaseURL:            "http://localhost:8000",
			ReasoningModel:     "meta/llama-3.1-70b-instruct",
			ContentSafetyModel: "nvidia/llama-3.1-nemoguard-8b-content-safety",
			TopicControlModel:  "nvidia/llama-3.1-nemoguard-8b-topic-control",
			Timeout:            60 * time.Second,
			MaxRetries:         2,
			RequestsPerSecond:  10,
			ContextWindow:      8192,
		},
		Riva: RivaConfig{
			ASRBaseURL: "http://localhost:9000",
			TTSBaseURL: "http://localhost:9010",
			ASRModel:   "parakeet-ctc-1.1b",
			TTSVoice:   "English-US.Female-1",
			Language:   "en-US",
			SampleRate: 16000,
			Timeout:    120 * time.Second,
		},
		Guardrails: GuardrailsConfig{
			Mode:      "collect_all",
			PIIAction: "mask",
			FailOpen:  false,
			BlockedTopics: []string{
				"medication dosage changes",
				"diagnosis",
				"legal advice",
				"financial advice",
			},
			MaxInputChars: 4000,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			DefaultTTL: 30 * time.Minute,
			PoolSize:   10,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "ambientflow.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			ServiceName:  "ambientflow",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
		Auth: AuthConfig{},
	}
}
