// 配置文件监听器测试。
package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFileWatcher_DetectsChange(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 8080\n"), 0o644))

	w := NewFileWatcher(path, 10*time.Millisecond, zap.NewNop())

	var fired atomic.Int32
	w.OnChange(func(event FileEvent) {
		assert.Equal(t, path, event.Path)
		fired.Add(1)
	})

	w.Start()
	defer w.Stop()

	// 轮询按修改时间判断，确保时间戳前进
	time.Sleep(20 * time.Millisecond)
	now := time.Now()
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 9999\n"), 0o644))
	require.NoError(t, os.Chtimes(path, now, now))

	assert.Eventually(t, func() bool {
		return fired.Load() >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestFileWatcher_NoEventWithoutChange(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("x: 1\n"), 0o644))

	w := NewFileWatcher(path, 10*time.Millisecond, zap.NewNop())

	var fired atomic.Int32
	w.OnChange(func(FileEvent) { fired.Add(1) })

	w.Start()
	time.Sleep(50 * time.Millisecond)
	w.Stop()

	assert.Zero(t, fired.Load())
}

func TestFileWatcher_StartStopIdempotent(t *testing.T) {
	w := NewFileWatcher("/nonexistent", 10*time.Millisecond, zap.NewNop())
	w.Start()
	w.Start()
	w.Stop()
	w.Stop()
}
