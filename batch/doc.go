// Copyright (c) NLPGate Authors.
// Licensed under the MIT License.

/*
Package batch 实现优先级批量调度。

# 概述

Scheduler 维护一个有界 worker 池和一个显式比较器的优先级队列
（优先级降序、提交序号升序），所有批量调用共享。高优先级条目在
worker 空闲时先出队，同优先级按提交顺序 FIFO。

结果按条目的原始位置收集，完成顺序不影响调用方可见的输出顺序。
条目之间完全隔离：单条失败标记在该条结果上，不中止同批其它条目。
调度器本身不做批级缓存，条目逐条经过 dispatch 路径，批内与跨批的
重复指纹自动合并。
*/
package batch
