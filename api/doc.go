// 版权所有 2024 AmbientFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package api defines the request/response types for the AmbientFlow HTTP API.
//
// # API Overview
//
// AmbientFlow exposes a RESTful API plus one websocket endpoint:
//   - Encounter lifecycle: start, append audio, finalize into a SOAP note
//   - Patient-facing chat with bidirectional guardrails
//   - Realtime voice sessions over websocket (/v1/voice)
//   - Health monitoring and Prometheus metrics
//
// # Authentication
//
// When auth.jwt_secret is configured, API endpoints require a JWT bearer token:
//
//	Authorization: Bearer <token>
//
// Health and metrics endpoints are always exempt.
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
package api
