/*
# 概述

Package vectorstore 定义向量索引接口及两个实现：

  - InMemoryStore — 进程内存储，用于测试和小规模场景
  - QdrantStore — Qdrant REST 适配器，支持集合自动创建

# 约定

Search 返回余弦相似度降序的结果；同分候选按入库顺序稳定排序。
空索引返回空切片而非错误，由上层把“无结果”翻译为哨兵上下文。
Filter 在存储层生效，库侧过滤后再截断 topK。
*/
package vectorstore
