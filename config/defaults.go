// =============================================================================
// 📦 NLPGate 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:   DefaultServerConfig(),
		Backends: DefaultBackendsConfig(),
		Cache:    DefaultCacheConfig(),
		Batch:    DefaultBatchConfig(),
		Health:   DefaultHealthConfig(),
		Log:      DefaultLogConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultBackendsConfig 返回默认后端配置
func DefaultBackendsConfig() BackendsConfig {
	return BackendsConfig{
		Generation: GenerationBackendConfig{
			BaseURL:         "http://localhost:8000",
			Model:           "mistral",
			Timeout:         60 * time.Second,
			ClassifyTimeout: 15 * time.Second,
		},
		NER: NERBackendConfig{
			BaseURL: "http://localhost:8081",
			Model:   "ner",
			Timeout: 10 * time.Second,
		},
	}
}

// DefaultCacheConfig 返回默认缓存配置
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Driver:        "memory",
		TTL:           time.Hour,
		ClaimTTL:      2 * time.Minute,
		SweepInterval: 5 * time.Minute,
		Redis:         DefaultRedisConfig(),
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultBatchConfig 返回默认批量调度配置
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxWorkers: 10,
		MaxItems:   100,
	}
}

// DefaultHealthConfig 返回默认健康探测配置
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		ProbeInterval:     5 * time.Second,
		ProbeTimeout:      3 * time.Second,
		DegradedThreshold: 3,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}
