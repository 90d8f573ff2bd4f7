/*
# 概述

Package llm 提供管线所需的最小 LLM 客户端：对任意 OpenAI 兼容
chat completions 端点发起单轮补全，带重试与超时控制。

查询分析、候选评估、查询改写、上下文优化、语义分块边界检测和
分块策略选择都通过这里的 Client 调用 judge 模型。客户端失败时
各调用方自行降级，管线不会因 judge 缺席而失败。
*/
package llm
