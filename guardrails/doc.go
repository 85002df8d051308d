// 版权所有 2024 AmbientFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 guardrails 为语音 Agent 提供输入/输出验证和内容过滤。

# 概述

验证器链按优先级执行本地与远程验证器。本地验证器（PII、长度、关键词）
零依赖且确定；远程验证器调用网关后的护栏模型（内容安全、话题控制）。
Tripwire 语义：任一验证器触发 tripwire，整条管线立即中断，该轮内容
不得进入 TTS 合成。

# 核心类型

  - Validator / ValidationResult：验证器接口与聚合结果
  - Chain：fail_fast / collect_all / parallel 三种执行模式
  - PIIDetector：SSN、MRN、电话、邮箱、出生日期的检测与脱敏
  - ContentSafety / TopicControl：远程护栏模型验证器
*/
package guardrails
