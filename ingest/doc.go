/*
# 概述

Package ingest 实现文档摄取：策略选择 → 切分 → 持久化 → 嵌入入库。

每篇文档独立走完整条链路，状态沿 pending → processing →
completed|failed 单向推进；失败把原因落在文档状态里，不影响
同批次的其他文档。批量摄取由有界工作池并行执行，并发上限与
单篇超时均可配置。

删除是摄取的逆操作：先清向量索引再清持久层，保证不会留下
可检索但无主的 chunk。
*/
package ingest
