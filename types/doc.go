// Copyright (c) NLPGate Authors.
// Licensed under the MIT License.

/*
Package types 提供 NLPGate 网关的全局共享类型定义。

# 概述

types 是网关最底层的公共包，不依赖任何内部包，为 dispatch、batch、
backend、cache、api 等上层模块提供统一的类型契约。所有跨包共享的
结构体、枚举和错误码均定义于此，以避免循环依赖。

# 核心类型

  - TaskType          — 任务类型枚举（generate / qa / summarize / translate
    / classify / ner），GenerationFamily 决定路由目标
  - TaskRequest       — 不可变任务请求（文本、上下文、生成参数、优先级）
  - GenerationParams  — 生成参数（max_tokens、temperature、top_p、top_k、
    repetition_penalty）
  - TaskResponse      — 任务响应（生成文本或实体列表 + token 计数）
  - Entity            — NER 实体（text / label / start / end / confidence）
  - BackendHealth     — 后端健康视图，仅由 Health Aggregator 写入
  - Error / ErrorCode — 结构化错误体系，含 HTTP 状态码、Retryable、Backend 标记

# 主要能力

  - 请求校验：TaskRequest.Validate（任务类型、文本、优先级范围）
  - 错误工具链：NewError / WithCause / IsRetryable / GetErrorCode
  - 健康判定：BackendHealth.Degraded（连续失败阈值）
*/
package types
