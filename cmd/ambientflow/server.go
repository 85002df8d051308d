package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/ambientflow/agent/patient"
	"github.com/BaSui01/ambientflow/agent/scribe"
	"github.com/BaSui01/ambientflow/agent/session"
	"github.com/BaSui01/ambientflow/api/handlers"
	"github.com/BaSui01/ambientflow/config"
	"github.com/BaSui01/ambientflow/guardrails"
	"github.com/BaSui01/ambientflow/internal/cache"
	"github.com/BaSui01/ambientflow/internal/database"
	"github.com/BaSui01/ambientflow/internal/metrics"
	"github.com/BaSui01/ambientflow/internal/server"
	"github.com/BaSui01/ambientflow/internal/telemetry"
	"github.com/BaSui01/ambientflow/llm"
	"github.com/BaSui01/ambientflow/speech"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 AmbientFlow 的主服务器
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Providers

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 共享依赖
	gateway      *llm.GatewayClient
	cacheManager *cache.Manager
	store        *database.Store

	// Handlers
	healthHandler    *handlers.HealthHandler
	encounterHandler *handlers.EncounterHandler
	patientHandler   *handlers.PatientHandler
	voiceHandler     *handlers.VoiceHandler

	// 指标收集器
	metricsCollector *metrics.Collector

	// 后台 goroutine 生命周期（rate limiter 清理、连接池采样）
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, otel *telemetry.Providers) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		otel:   otel,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())

	// 1. 初始化指标收集器
	s.metricsCollector = metrics.NewCollector("ambientflow", prometheus.DefaultRegisterer, s.logger)

	// 2. 初始化共享依赖与 Handlers
	if err := s.initDependencies(); err != nil {
		return fmt.Errorf("failed to init dependencies: %w", err)
	}
	s.initHandlers()

	// 3. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 4. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initDependencies 初始化缓存、落库与模型网关
func (s *Server) initDependencies() error {
	// 模型网关（推理模型与护栏模型共用）
	s.gateway = llm.NewGatewayClient(llm.GatewayConfig{
		BaseURL:           s.cfg.Gateway.BaseURL,
		APIKey:            s.cfg.Gateway.APIKey,
		DefaultModel:      s.cfg.Gateway.ReasoningModel,
		Timeout:           s.cfg.Gateway.Timeout,
		MaxRetries:        s.cfg.Gateway.MaxRetries,
		RequestsPerSecond: s.cfg.Gateway.RequestsPerSecond,
	}, s.logger)

	// Redis 缓存（活动就诊会话的热数据）
	cacheCfg := cache.DefaultConfig()
	cacheCfg.Addr = s.cfg.Redis.Addr
	cacheCfg.Password = s.cfg.Redis.Password
	cacheCfg.DB = s.cfg.Redis.DB
	cacheCfg.DefaultTTL = s.cfg.Redis.DefaultTTL
	cacheCfg.PoolSize = s.cfg.Redis.PoolSize

	cacheManager, err := cache.NewManager(cacheCfg, s.logger)
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}
	s.cacheManager = cacheManager

	// 数据库（定稿后的就诊记录与文书）
	dbCfg := database.DefaultConfig()
	dbCfg.Driver = s.cfg.Database.Driver
	dbCfg.DSN = s.cfg.Database.DSN

	store, err := database.Open(dbCfg, s.logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	s.store = store

	// 指标上报：模型请求、缓存命中率、连接池水位
	s.gateway.SetObserver(s.metricsCollector)
	s.cacheManager.SetObserver(s.metricsCollector)
	go s.sampleDBStats()

	return nil
}

// sampleDBStats 周期采样数据库连接池水位
func (s *Server) sampleDBStats() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.bgCtx.Done():
			return
		case <-ticker.C:
			st := s.store.Stats()
			s.metricsCollector.RecordDBConnections(st.OpenConnections, st.Idle)
		}
	}
}

// initHandlers 装配护栏链、Agent 与 Handlers
func (s *Server) initHandlers() {
	gcfg := s.cfg.Guardrails

	// PII 检测器：文书落库前脱敏，患者输入方向过滤
	piiCfg := guardrails.DefaultPIIDetectorConfig()
	piiCfg.Action = guardrails.ParsePIIAction(gcfg.PIIAction)
	pii := guardrails.NewPIIDetector(piiCfg)

	remoteCfg := guardrails.RemoteConfig{
		Timeout:  s.cfg.Gateway.Timeout,
		FailOpen: gcfg.FailOpen,
	}
	topicRules := strings.Join(gcfg.BlockedTopics, "; ")

	// 输入方向：长度上限 → PII → 内容安全 → 话题控制
	input := guardrails.NewChain(guardrails.ParseChainMode(gcfg.Mode))
	if gcfg.MaxInputChars > 0 {
		input.Add(guardrails.NewLengthValidator(gcfg.MaxInputChars))
	}
	input.Add(pii)
	if s.cfg.Gateway.ContentSafetyModel != "" {
		safetyCfg := remoteCfg
		safetyCfg.Model = s.cfg.Gateway.ContentSafetyModel
		input.Add(guardrails.NewContentSafety(s.gateway, safetyCfg, s.logger))
	}
	if s.cfg.Gateway.TopicControlModel != "" {
		topicCfg := remoteCfg
		topicCfg.Model = s.cfg.Gateway.TopicControlModel
		input.Add(guardrails.NewTopicControl(s.gateway, topicCfg, topicRules, s.logger))
	}
	input.SetObserver(s.metricsCollector, "input")

	// 输出方向：内容安全逐句检查，命中 Tripwire 的句子不得合成
	output := guardrails.NewChain(guardrails.ParseChainMode(gcfg.Mode))
	if s.cfg.Gateway.ContentSafetyModel != "" {
		safetyCfg := remoteCfg
		safetyCfg.Model = s.cfg.Gateway.ContentSafetyModel
		output.Add(guardrails.NewContentSafety(s.gateway, safetyCfg, s.logger))
	}
	output.SetObserver(s.metricsCollector, "output")

	// 陪诊文书 Agent
	scribeCfg := scribe.DefaultConfig()
	scribeCfg.Model = s.cfg.Gateway.ReasoningModel
	scribeCfg.Timeout = s.cfg.Gateway.Timeout
	scr := scribe.New(scribeCfg, s.gateway,
		cache.NewEncounterStore(s.cacheManager), s.store, pii, s.logger)

	// 患者对话 Agent
	patientCfg := patient.DefaultConfig()
	patientCfg.Model = s.cfg.Gateway.ReasoningModel
	patientCfg.ContextWindow = s.cfg.Gateway.ContextWindow
	patientAgent := patient.New(patientCfg, s.gateway, input, output, s.logger)

	// 实时语音会话管理器
	sessionCfg := session.DefaultConfig()
	sessionCfg.Model = s.cfg.Gateway.ReasoningModel
	sessionCfg.ContextWindow = s.cfg.Gateway.ContextWindow
	sessionCfg.SampleRate = s.cfg.Riva.SampleRate
	sessionCfg.SystemPrompt = patientCfg.Persona
	streamingASR := speech.NewRivaStreamingASR(speech.RivaASRConfig{
		BaseURL:  s.cfg.Riva.ASRBaseURL,
		Model:    s.cfg.Riva.ASRModel,
		Language: s.cfg.Riva.Language,
		Timeout:  s.cfg.Riva.Timeout,
	}, s.logger)
	tts := speech.NewRivaTTSProvider(speech.RivaTTSConfig{
		BaseURL:    s.cfg.Riva.TTSBaseURL,
		Voice:      s.cfg.Riva.TTSVoice,
		Language:   s.cfg.Riva.Language,
		SampleRate: s.cfg.Riva.SampleRate,
		Timeout:    s.cfg.Riva.Timeout,
	}, s.logger)
	sessions := session.NewManager(sessionCfg, streamingASR, tts, s.gateway, input, output, s.logger)
	sessions.SetObserver(s.metricsCollector)

	// 批量转写 Provider（就诊音频上传）
	batchASR := speech.NewRivaASRProvider(speech.RivaASRConfig{
		BaseURL:  s.cfg.Riva.ASRBaseURL,
		Model:    s.cfg.Riva.ASRModel,
		Language: s.cfg.Riva.Language,
		Timeout:  s.cfg.Riva.Timeout,
	})

	// Handlers
	s.encounterHandler = handlers.NewEncounterHandler(scr, batchASR, s.cfg.Riva.Language, s.metricsCollector, s.logger)
	s.patientHandler = handlers.NewPatientHandler(patientAgent, s.logger)
	s.voiceHandler = handlers.NewVoiceHandler(sessions, s.metricsCollector, s.logger)

	// 健康检查
	s.healthHandler = handlers.NewHealthHandler(s.logger)
	s.healthHandler.RegisterCheck(handlers.NewPingHealthCheck("database", s.store.Ping))
	s.healthHandler.RegisterCheck(handlers.NewPingHealthCheck("redis", s.cacheManager.Ping))
	s.healthHandler.RegisterCheck(handlers.NewPingHealthCheck("gateway", func(ctx context.Context) error {
		_, err := s.gateway.HealthCheck(ctx)
		return err
	}))

	s.logger.Info("Handlers initialized")
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// ========================================
	// 健康检查端点
	// ========================================
	mux.HandleFunc("GET /healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("GET /readyz", s.healthHandler.HandleReady)
	mux.HandleFunc("GET /version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// ========================================
	// 就诊会话 API
	// ========================================
	mux.HandleFunc("POST /v1/encounters", s.encounterHandler.HandleStart)
	mux.HandleFunc("GET /v1/encounters/{id}", s.encounterHandler.HandleGet)
	mux.HandleFunc("POST /v1/encounters/{id}/audio", s.encounterHandler.HandleAudio)
	mux.HandleFunc("GET /v1/encounters/{id}/transcript", s.encounterHandler.HandleTranscript)
	mux.HandleFunc("POST /v1/encounters/{id}/finalize", s.encounterHandler.HandleFinalize)
	mux.HandleFunc("GET /v1/encounters/{id}/note", s.encounterHandler.HandleNote)

	// ========================================
	// 患者对话 API
	// ========================================
	mux.HandleFunc("POST /v1/patient/chat", s.patientHandler.HandleChat)
	mux.HandleFunc("DELETE /v1/patient/conversations/{id}", s.patientHandler.HandleEndConversation)

	// ========================================
	// 实时语音 websocket
	// ========================================
	mux.HandleFunc("GET /v1/voice", s.voiceHandler.HandleSession)

	// ========================================
	// 构建中间件链
	// ========================================
	skipAuthPaths := []string{"/healthz", "/readyz", "/version", "/metrics"}
	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		OTelTracing(),
		MetricsMiddleware(s.metricsCollector),
	}
	if s.cfg.Server.RateLimitRPS > 0 {
		middlewares = append(middlewares,
			RateLimiter(s.bgCtx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst, s.logger))
	}
	if s.cfg.Auth.JWTSecret != "" {
		middlewares = append(middlewares, JWTAuth(s.cfg.Auth.JWTSecret, skipAuthPaths, s.logger))
	} else {
		s.logger.Warn("JWT secret not configured, API authentication disabled")
	}
	handler := Chain(mux, middlewares...)

	// ========================================
	// 使用 internal/server.Manager
	// ========================================
	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     s.cfg.Server.IdleTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	// 0. 停止后台 goroutine（rate limiter 清理、连接池采样）
	if s.bgCancel != nil {
		s.bgCancel()
	}

	// 1. 关闭 HTTP 服务器
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 2. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 3. 刷新遥测数据
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	// 4. 关闭缓存与数据库
	if s.cacheManager != nil {
		if err := s.cacheManager.Close(); err != nil {
			s.logger.Error("Cache shutdown error", zap.Error(err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("Database shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
