package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"packrec/internal/log"
)

// reloadDebounce は連続した書き込みをまとめる待ち時間
const reloadDebounce = 300 * time.Millisecond

// Watch は設定ファイルの変更を監視し、読み込み直した設定をfnへ渡す
// 検証に失敗した設定は捨てる。ctxが終わるまで戻らない
func Watch(ctx context.Context, path string, fn func(*Config)) error {
	logger := log.WithComponent("config")
	if path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("ファイル監視を開始できません: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// エディタは置き換えで保存するのでディレクトリを監視する
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("設定ファイルのパスを解決できません: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("設定ファイルを監視できません: %w", err)
	}
	logger.Info().Str(log.FieldPath, abs).Msg("設定ファイルの監視を開始しました")

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			cfg, err := Load(abs)
			if err != nil {
				logger.Error().Err(err).Msg("設定の再読み込みに失敗")
				continue
			}
			logger.Info().Int("sources", len(cfg.Camera.Sources)).Msg("設定を再読み込みしました")
			fn(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("設定ファイル監視のエラー")
		}
	}
}
