// Copyright (c) NLPGate Authors.
// Licensed under the MIT License.

/*
Package handlers 实现 HTTP 接口层。

# 概述

每个任务端点解码各自的 DTO、转换为统一任务请求后交给 dispatch 路径；
批量端点走 batch 调度器。统一响应信封见 common.go，错误码到 HTTP
状态码的映射也在那里。
*/
package handlers
