// 版权所有 2024 AmbientFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package database provides the gorm-backed persistent store for
// finalized encounters and their clinical notes. Supports sqlite for
// local development and postgres for deployment.
// This package is internal and should not be imported by external projects.
package database
