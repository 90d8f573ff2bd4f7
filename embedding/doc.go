/*
# 概述

Package embedding 提供文本向量化。

OpenAIProvider 调用任意 OpenAI 兼容 /embeddings 端点，按批次上限
切分输入并用令牌桶限速。HashProvider 是确定性的本地实现，用于
测试和离线环境，相同文本总是产生相同向量。
*/
package embedding
