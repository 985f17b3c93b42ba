// Copyright (c) NLPGate Authors.
// Licensed under the MIT License.

/*
Package api 定义 HTTP 接口的请求/响应类型。

# 概述

每个任务端点有独立的请求 DTO，携带该任务的参数边界与默认值；
ToTaskRequest 统一转换为 types.TaskRequest 并完成边界校验。
参数边界与默认值（max_tokens 1-2048 默认 512、temperature 0.1-2.0
默认 0.7 等）见 types.go 的常量定义。
*/
package api
