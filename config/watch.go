package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher 基于 fsnotify 的配置热更新。
// 监听配置文件所在目录，兼容编辑器"写临时文件再 rename"的保存方式；
// 变化后重新加载并校验，只有合法配置才回调。
type Watcher struct {
	Path     string
	Cooldown time.Duration // 两次重载的最小间隔
	Logger   *zap.Logger

	// Loader 默认 LoadWithEnvOverrides，测试可替换
	Loader func(path string) (AppConfig, error)

	mu         sync.Mutex
	lastReload time.Time
}

// Start 阻塞直到 ctx 结束；onUpdate 收到最新配置。
func (w *Watcher) Start(ctx context.Context, onUpdate func(AppConfig)) error {
	if w.Path == "" {
		<-ctx.Done()
		return ctx.Err()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.Path)); err != nil {
		return fmt.Errorf("failed to watch config dir: %w", err)
	}
	target := filepath.Clean(w.Path)
	log := w.logger()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			// 只处理写入和创建事件
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.handleChange(onUpdate)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleChange(onUpdate func(AppConfig)) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.Cooldown > 0 && time.Since(w.lastReload) < w.Cooldown {
		return
	}
	load := w.Loader
	if load == nil {
		load = LoadWithEnvOverrides
	}
	cfg, err := load(w.Path)
	if err != nil {
		w.logger().Warn("config reload rejected", zap.String("path", w.Path), zap.Error(err))
		return
	}
	w.lastReload = time.Now()
	w.logger().Info("config reloaded", zap.String("path", w.Path))
	if onUpdate != nil {
		onUpdate(cfg)
	}
}

func (w *Watcher) logger() *zap.Logger {
	if w.Logger == nil {
		return zap.NewNop()
	}
	return w.Logger
}
