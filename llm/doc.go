// 版权所有 2024 AmbientFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 llm 提供对托管模型网关的统一访问。

# 概述

网关暴露 OpenAI 兼容的 Chat Completions 接口。推理模型与两个护栏
模型（内容安全、话题控制）部署在同一网关后面，客户端只在模型名与
超时上有差异，因此共用一个 GatewayClient。

# 核心类型

  - Provider：统一的 LLM 适配接口（Completion / Stream / HealthCheck）
  - GatewayClient：OpenAI 兼容 HTTP 客户端，支持 SSE 流式、客户端
    限流（golang.org/x/time/rate）与指数退避重试
  - Error / ErrorCode：统一错误码，对齐 HTTP 状态与可重试性
  - HistoryTrimmer：基于 tiktoken 的上下文窗口裁剪
*/
package llm
