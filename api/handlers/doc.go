// 版权所有 2024 AmbientFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package handlers 提供 AmbientFlow HTTP API 的请求处理器实现。

# 概述

handlers 包实现了 AmbientFlow 所有 HTTP 端点的请求处理逻辑，
包括就诊会话生命周期、患者对话、实时语音 websocket 会话、
健康检查以及统一的响应/错误处理。
所有 Handler 均遵循标准 net/http 接口。

# 核心类型

  - EncounterHandler — 就诊会话：开启、批量音频转写、定稿、文书查询
  - PatientHandler   — 患者对话单轮处理，含急症短路与护栏改口
  - VoiceHandler     — websocket 实时语音会话（音频入，转写/音频事件出）
  - HealthHandler    — 服务健康检查（/health, /healthz, /readyz）
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo        — 结构化错误信息，含 code、message、retryable 标记
  - ResponseWriter   — 包装 http.ResponseWriter 以捕获状态码
  - HealthCheck      — 可插拔健康检查接口（Database、Redis、Gateway 等）

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteJSON 辅助函数
  - 请求验证：DecodeJSONBody（严格模式）、ValidateContentType
  - ErrorCode → HTTP 状态码自动映射（4xx/5xx）
  - websocket 事件桥接：二进制帧承载音频，文本帧承载 JSON 事件
  - 可扩展健康检查：RegisterCheck 注册自定义 HealthCheck 实现
*/
package handlers
