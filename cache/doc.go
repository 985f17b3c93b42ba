// Copyright (c) NLPGate Authors.
// Licensed under the MIT License.

/*
Package cache 提供带 claim/publish 语义的 TTL 键值存储。

# 概述

cache 是网关的请求合并（coalescing）机制：Claim 对每个指纹提供
compare-and-set 式的单写者保证，首个调用方成为 Owner 负责计算，
并发到达的相同指纹调用方成为 Waiter 等待广播。成功结果经 Publish
写入缓存并唤醒全部 waiter；失败经 Fail 只广播不缓存。

# 实现

  - memoryStore — 进程内 map + claim 表，读取时惰性过期，
    后台清扫循环仅为优化（NewMemoryStore）
  - redisStore  — go-redis/v9：条目为带 EX 的 JSON 值，claim 为
    SET NX 键，终态经 Pub/Sub 跨进程广播（NewRedisStore）

# 不变式

任一时刻每个指纹至多一个 Owner；所有 waiter 观察到与单次后端
调用一致的同一终态；失败的计算不进入缓存。
*/
package cache
