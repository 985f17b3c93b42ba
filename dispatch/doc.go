// Copyright (c) NLPGate Authors.
// Licensed under the MIT License.

/*
Package dispatch 实现单请求编排。

# 概述

dispatch 是请求的核心路径：校验 → 健康门控 → 指纹 → 缓存 → claim → 后端。

  - Fingerprint 把请求投影成确定性缓存键，剥离不影响输出的字段；
  - Dispatcher 依托 cache.Store 的 claim/publish 语义做请求合并：
    同一指纹任一时刻至多一次并发后端调用，所有并发调用方观察到
    与单次后端调用一致的结果。

失败的计算不缓存，但会以同一个错误广播给全部 waiter；
后续新请求会重新尝试。
*/
package dispatch
