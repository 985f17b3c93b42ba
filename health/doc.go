// Copyright (c) NLPGate Authors.
// Licensed under the MIT License.

/*
Package health 维护后端健康的滚动视图。

# 概述

Aggregator 按固定间隔并发探测所有后端，同时以 backend.Observer 的身份
接收线上调用的被动观测，两类信号共用同一个连续失败计数。连续失败达到
阈值的后端报告为降级；降级仅用于快速失败的准入建议，后端不会被自动摘除。
*/
package health
