package settings

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const defaultDebounce = 200 * time.Millisecond

// Watch 监视 settings.json, 文件被外部修改后 (去抖之后) 调用 Reload。
// 监视的是所在目录, 编辑器 "写临时文件再改名" 的保存方式也能被捕获。
// 阻塞直到 ctx 结束; 内存模式下立即返回。
func (sm *SettingsManager) Watch(ctx context.Context, debounce time.Duration) error {
	if sm.filePath == "" {
		return nil
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(sm.filePath)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}
	log.Info().Str("path", target).Msg("Watching settings file for changes.")

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				if err := sm.Reload(); err != nil {
					log.Error().Err(err).Str("path", target).Msg("Failed to reload settings, keeping previous values.")
				}
			})
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			log.Warn().Err(err).Msg("Settings watcher error.")
		}
	}
}
