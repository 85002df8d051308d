// 版权所有 2024 AmbientFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 session 实现实时语音会话管线。

# 概述

一次会话将流式 ASR、护栏链、推理模型与流式 TTS 串成低延迟管线：

	音频块 → ASR 流 → 最终转写 → 输入护栏 → 推理流
	       → 句边界切分 → 输出护栏 → TTS 流 → 音频事件

状态机：idle → listening → processing → speaking →（interrupted）→ listening。

输出护栏在句边界上逐句执行，任一句触发 Tripwire 则该轮剩余内容
一律不得进入 TTS 合成。打断会取消进行中的推理与合成。
*/
package session
