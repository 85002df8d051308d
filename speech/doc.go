// 版权所有 2024 AmbientFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 speech 提供统一的 ASR 和 TTS 供应商接口及 Riva NIM 客户端实现。

# 概述

ASR/TTS 以 NIM 微服务方式部署，通过 HTTP 访问；流式识别走 websocket。
接口与实现分离，管线层只依赖 ASRProvider / TTSProvider / StreamingASR，
便于在测试中替换为 mock。

# 核心接口

  - ASRProvider：离线转写，支持词级时间戳与说话人分离
  - StreamingASR / ASRStream：websocket 流式识别会话
  - TTSProvider：单次合成与流式合成
*/
package speech
