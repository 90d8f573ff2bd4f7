/*
# 概述

Package judge 实现检索质量判官：查询分析、候选评估、查询改写和
上下文优化。四个操作都调用 LLM judge 并严格解析结构化输出，
任何失败（超时、上游错误、输出不可解析）都降级为文档化的默认
行为，绝不中断检索：

  - AnalyzeQuery 失败 → k=10、threshold=0.4、重排开启
  - EvaluateChunks 失败 → 评估直通，候选按向量顺序原样返回
  - RefineQuery 失败 → 保留原查询，跳过 refinement
  - OptimizeContext 失败 → 候选顺序不变

judge 是质量增强器而非硬依赖，这是全包的设计底线。
*/
package judge
