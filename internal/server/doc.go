// Copyright (c) NLPGate Authors.
// Licensed under the MIT License.

/*
Package server 提供网关 HTTP 服务器的生命周期管理。

# 概述

Manager 同时管理两个监听端口：业务端口承载任务与状态接口，
独立的 metrics 端口承载 Prometheus 文本格式指标。两个端口
共用一套非阻塞启动、优雅关闭与错误传播流程，内置 SIGINT/SIGTERM
信号处理。

# 核心类型

  - Manager：持有业务与 metrics 两个 http.Server、对应的
    net.Listener 与异步错误通道，提供 Start/Shutdown/
    WaitForShutdown 等生命周期方法。

# 主要能力

  - 非阻塞启动：Start 在后台 goroutine 中运行两个服务，
    任一端口监听失败则整体启动失败。
  - 优雅关闭：Shutdown 在配置的超时内完成请求排空与连接释放，
    两个端口一起关闭。
  - 信号监听：WaitForShutdown 监听 SIGINT/SIGTERM，收到信号后
    自动触发优雅关闭流程。
  - 错误传播：Errors() 返回异步错误通道，供调用方监控服务异常。
  - 地址查询：Addr/MetricsAddr 返回实际监听地址，端口配置为 0
    时可取回内核分配的端口。
*/
package server
