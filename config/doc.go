// Copyright (c) NLPGate Authors.
// Licensed under the MIT License.

/*
Package config 提供 NLPGate 的配置加载。

# 概述

配置优先级：默认值 → YAML 文件 → 环境变量（NLPGATE_ 前缀）。
FileWatcher 轮询配置文件修改时间，变更时触发回调；网关配置在
启动时读取一次，变更回调用于提示重启生效。
*/
package config
