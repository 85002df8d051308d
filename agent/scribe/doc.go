// 版权所有 2024 AmbientFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 scribe 实现门诊陪录文书 Agent。

# 概述

录音期间按说话人累积转录片段（热数据在 redis），定稿时将完整
转录组装进提示词，调用推理模型生成结构化 SOAP 文书：

	转录片段 → 提示词组装 → 推理模型 → 严格 JSON 解析（一次修复重试）
	        → PII 策略 → 事务落库

定稿后的就诊记录不可变，重复定稿返回已存文书。
*/
package scribe
