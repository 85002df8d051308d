// 版权所有 2024 AmbientFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package main 是 AmbientFlow 服务的入口点。
//
// AmbientFlow 是面向门诊场景的语音 Agent 服务：
//   - 陪诊文书 Agent：录音期间累积医患对话转录，定稿时生成 SOAP 文书
//   - 患者对话 Agent：带双向护栏与急症短路的患者问答
//   - 实时语音会话：websocket 音频入，转写与合成音频事件出
//
// 入口提供 serve / version / health 三个子命令，
// serve 负责装配全部依赖（模型网关、Riva 语音、护栏链、缓存、落库、指标、遥测）
// 并以优雅关闭的方式运行 HTTP 与 Metrics 两个服务器。
package main
