/*
# 概述

Package types 定义 ragflow 各组件共享的领域类型。

涵盖四类类型：

  - 持久化实体：Document、Chunk（由 ingest 创建，store 持久化）
  - 查询期瞬态对象：RetrievalCandidate、QueryAnalysis、RetrievalEvaluation
  - 最终产物：AssembledContext 与 Source（引用标记与来源列表一一对应）
  - 统一错误模型：Error / ErrorCode

类型只携带数据，不携带行为；跨包的分数换算约定
（RelevanceFromDistance）也定义在这里，保证全管线一致。
*/
package types
