// 版权所有 2024 AmbientFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 config 提供 ambientflow 的统一配置加载。

配置优先级: 默认值 → YAML 文件 → 环境变量（前缀 AMBIENTFLOW_）。

使用方法:

	cfg, err := config.NewLoader().
	    WithConfigPath("config.yaml").
	    Load()

模型网关的 API Key 只从配置或环境变量读取（AMBIENTFLOW_GATEWAY_API_KEY），
不允许通过请求头传入；日志中一律脱敏。
*/
package config
