// Copyright (c) NLPGate Authors.
// Licensed under the MIT License.

/*
Package backend 提供模型服务后端的无状态调用适配器。

# 概述

每个客户端对一个后端执行一次调用：自带按任务类型区分的超时
（生成族明显长于 NER/分类）、仅对幂等任务启用的有界重试
（指数退避 + 抖动），并把每次尝试的延迟与结果上报给 Observer
（由 health.Aggregator 实现）。

# 客户端

  - GenerationClient — OpenAI 兼容 /v1/chat/completions（vLLM / Mistral），
    按任务类型构造指令消息；usage 缺失时用 tiktoken 估算 token 数
  - NERClient        — TorchServe 风格 POST /predictions/{model}，
    解析实体列表，GET /ping 作健康探针

# 错误映射

传输失败 → BACKEND_UNREACHABLE（可重试）；超时 → BACKEND_TIMEOUT
（可重试）；4xx/5xx → BACKEND_REJECTED；解析失败 → INVALID_RESPONSE。
重试耗尽后原样上抛，由 Dispatcher 透传给调用方。
*/
package backend
