// 版权所有 2024 AmbientFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package types provides core types used across the ambientflow service.
// This package has ZERO dependencies on other ambientflow packages to avoid
// circular imports. All other packages should import types from here.
package types
