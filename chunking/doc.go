/*
# 概述

Package chunking 实现文档分块与分块策略选择。

# 策略

  - recursive — 按分隔符层级（段落 > 行 > 句子 > 空格）递归分割
  - token — 同 recursive，但用 tokenizer 计量块大小
  - markdown — 在标题边界（H1/H2）分割，超长小节内部递归分割
  - semantic — LLM 检测话题转换边界，按窗口处理并缓存边界决策，
    失败时回退 recursive

# 不变量

所有策略产出的块携带非重叠区间 [Start, End)，这些区间连续覆盖原文：
按序拼接非重叠区间即可还原输入，任何文本都不会被静默丢弃。
重叠内容只作为前缀从上一块尾部复制。

# 策略选择

Selector 对文档采样（偏向头部、标题与尾部）后询问 LLM judge 推荐
策略与参数；judge 不可用或输出无法解析时，回退到基于扩展名和内容
信号的规则，并把失败原因记入文档元数据。
*/
package chunking
