// 配置文件变更监听器。
//
// 基于修改时间轮询；变更触发回调（典型用途：提示需要重启生效）。
package config

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FileEvent 一次配置文件变更事件
type FileEvent struct {
	// Path 变更的文件路径
	Path string `json:"path"`
	// Timestamp 事件发生时间
	Timestamp time.Time `json:"timestamp"`
}

// FileWatcher 轮询式配置文件监听器
type FileWatcher struct {
	mu sync.Mutex

	path     string
	interval time.Duration

	callbacks []func(FileEvent)

	lastMod time.Time
	running bool
	done    chan struct{}
	wg      sync.WaitGroup

	logger *zap.Logger
}

// NewFileWatcher 创建配置文件监听器
func NewFileWatcher(path string, interval time.Duration, logger *zap.Logger) *FileWatcher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileWatcher{
		path:     path,
		interval: interval,
		logger:   logger.With(zap.String("component", "config_watcher")),
	}
}

// OnChange 注册变更回调
func (w *FileWatcher) OnChange(fn func(FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Start 启动监听
func (w *FileWatcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.done = make(chan struct{})

	if info, err := os.Stat(w.path); err == nil {
		w.lastMod = info.ModTime()
	}

	w.wg.Add(1)
	go w.poll()
	w.logger.Info("配置监听已启动", zap.String("path", w.path))
}

// Stop 停止监听并等待退出
func (w *FileWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.done)
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *FileWatcher) poll() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.check()
		case <-w.done:
			return
		}
	}
}

// check 比较修改时间，变更时通知全部回调
func (w *FileWatcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		// 文件暂时不可读不算变更
		return
	}

	w.mu.Lock()
	changed := info.ModTime().After(w.lastMod)
	if changed {
		w.lastMod = info.ModTime()
	}
	callbacks := w.callbacks
	w.mu.Unlock()

	if !changed {
		return
	}

	event := FileEvent{Path: w.path, Timestamp: info.ModTime()}
	w.logger.Info("配置文件已变更", zap.String("path", w.path))
	for _, fn := range callbacks {
		fn(event)
	}
}
