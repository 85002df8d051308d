// 版权所有 2024 AmbientFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package cache provides the redis-backed cache layer.
// Live encounters and their transcript segments are held here while
// recording is in progress; finalized data moves to the database.
// This package is internal and should not be imported by external projects.
package cache
