// Package metrics 提供网关的内部指标收集。
//
// Collector 同时维护两套视图：promauto 注册的 Prometheus 指标
// （经独立 metrics 端口的 promhttp 暴露），以及供 GET /metrics
// JSON 响应使用的进程内聚合快照（缓存命中率、各后端平均延迟与
// 错误计数）。内部包，外部项目不应导入。
package metrics
