package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/nlpgate/config"
)

// =============================================================================
// 🌐 HTTP 服务器管理器
// =============================================================================

// Manager 网关 HTTP 服务器管理器。
// 同时管理业务端口和独立的 metrics 端口，两者共用一套生命周期：
// Start 一起拉起，Shutdown 一起排空。
type Manager struct {
	api     *http.Server
	metrics *http.Server

	apiListener     net.Listener
	metricsListener net.Listener

	errCh           chan error
	shutdownTimeout time.Duration
	logger          *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewManager 创建服务器管理器。
// metricsHandler 为 nil 时不启动 metrics 端口。
func NewManager(cfg config.ServerConfig, apiHandler, metricsHandler http.Handler, logger *zap.Logger) *Manager {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	m := &Manager{
		api: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
			Handler:      apiHandler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  120 * time.Second,
		},
		errCh:           make(chan error, 2),
		shutdownTimeout: cfg.ShutdownTimeout,
		logger:          logger.With(zap.String("component", "http_server")),
	}

	if metricsHandler != nil && cfg.MetricsPort > 0 {
		m.metrics = &http.Server{
			Addr:        fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler:     metricsHandler,
			ReadTimeout: cfg.ReadTimeout,
		}
	}

	return m
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// Start 启动全部监听端口（非阻塞）
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("server is closed")
	}
	if m.apiListener != nil {
		return fmt.Errorf("server already started")
	}

	apiListener, err := net.Listen("tcp", m.api.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.api.Addr, err)
	}
	m.apiListener = apiListener
	m.logger.Info("starting HTTP server", zap.String("addr", apiListener.Addr().String()))
	go m.serve(m.api, apiListener, "api")

	if m.metrics != nil {
		metricsListener, err := net.Listen("tcp", m.metrics.Addr)
		if err != nil {
			apiListener.Close()
			m.apiListener = nil
			return fmt.Errorf("failed to listen on %s: %w", m.metrics.Addr, err)
		}
		m.metricsListener = metricsListener
		m.logger.Info("starting metrics server", zap.String("addr", metricsListener.Addr().String()))
		go m.serve(m.metrics, metricsListener, "metrics")
	}

	return nil
}

func (m *Manager) serve(srv *http.Server, listener net.Listener, name string) {
	if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
		m.logger.Error("HTTP server failed", zap.String("server", name), zap.Error(err))
		select {
		case m.errCh <- err:
		default:
		}
	}
}

// Shutdown 优雅关闭全部端口
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.logger.Info("shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, m.shutdownTimeout)
	defer cancel()

	var firstErr error
	if err := m.api.Shutdown(shutdownCtx); err != nil {
		m.logger.Error("HTTP server shutdown failed", zap.Error(err))
		firstErr = err
	}
	if m.metrics != nil {
		if err := m.metrics.Shutdown(shutdownCtx); err != nil {
			m.logger.Error("metrics server shutdown failed", zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	m.apiListener = nil
	m.metricsListener = nil

	if firstErr == nil {
		m.logger.Info("HTTP server stopped")
	}
	return firstErr
}

// WaitForShutdown 阻塞直至收到退出信号或服务异常退出，然后优雅关闭
func (m *Manager) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		m.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-m.errCh:
		if err != nil {
			m.logger.Error("server exited unexpectedly", zap.Error(err))
		}
	}

	if err := m.Shutdown(context.Background()); err != nil {
		m.logger.Error("shutdown error", zap.Error(err))
	}
}

// Errors 返回异步服务错误通道
func (m *Manager) Errors() <-chan error {
	return m.errCh
}

// =============================================================================
// 🔧 辅助方法
// =============================================================================

// Addr 返回业务端口的实际监听地址，未启动时为空串。
// 端口配置为 0 时可用它取回内核分配的端口。
func (m *Manager) Addr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.apiListener == nil {
		return ""
	}
	return m.apiListener.Addr().String()
}

// MetricsAddr 返回 metrics 端口的实际监听地址，未启用时为空串
func (m *Manager) MetricsAddr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.metricsListener == nil {
		return ""
	}
	return m.metricsListener.Addr().String()
}

// IsRunning 检查服务器是否运行中
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed
}
