// Copyright (c) NLPGate Authors.
// Licensed under the MIT License.

/*
Package main 提供 NLPGate 服务端程序入口。

# 概述

cmd/nlpgate 是 NLPGate 网关的可执行入口，提供 HTTP API 服务、
健康检查和版本查询子命令。程序支持 YAML 配置文件加载、
结构化日志（zap）、Prometheus 指标采集以及配置文件变更提示。

# 核心类型

  - Server         — 主服务器，装配缓存、后端、调度与批量组件，
    管理 HTTP、Metrics 双端口及优雅关闭
  - Middleware     — HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve（启动服务）、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    MetricsMiddleware、RateLimiter（基于 IP，可选）
  - Metrics 服务器：独立端口暴露 /metrics（Prometheus 文本格式）
  - 优雅关闭：信号监听 → 关闭 HTTP → 排空批量调度 → 停止健康探测 →
    释放缓存
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
