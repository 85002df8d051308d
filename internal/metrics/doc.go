// 版权所有 2024 AmbientFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package metrics provides the prometheus metrics collector for the
// voice pipeline: HTTP traffic, per-stage latency, guardrail trips,
// token usage, session activity, and note generation.
// This package is internal and should not be imported by external projects.
package metrics
