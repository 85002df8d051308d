// 版权所有 2024 AmbientFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 patient 实现面向患者的对话 Agent。

# 概述

患者侧对话的风险面比院内文书高一个量级，输入与输出两个方向都过
护栏：内容安全命中 Tripwire 直接拒答，话题越界回以固定改口话术。
急症短语（胸痛、呼吸困难、自伤意念等）在进入任何模型之前短路为
转诊安全话术。历史按模型上下文窗口做 token 裁剪。
*/
package patient
