package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"packrec/internal/camera"
	"packrec/internal/recording"
	"packrec/internal/session"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Camera    CameraConfig    `yaml:"camera"`
	Recording RecordingConfig `yaml:"recording"`
	Session   SessionConfig   `yaml:"session"`
	Database  DatabaseConfig  `yaml:"database"`
	Notify    NotifyConfig    `yaml:"notify"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout"` // 書き込みタイムアウト
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	// 監視するソース。空ならデバイスを自動検出する
	Sources  []SourceConfig `yaml:"sources"`
	Discover bool           `yaml:"discover"`

	FFmpegPath string `yaml:"ffmpeg_path"`
	Width      int    `yaml:"width"`  // 画像幅
	Height     int    `yaml:"height"` // 画像高さ

	LivenessWindow    time.Duration `yaml:"liveness_window"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	FirstFrameTimeout time.Duration `yaml:"first_frame_timeout"`
	InitAttempts      int           `yaml:"init_attempts"`
	DeviceLockTimeout time.Duration `yaml:"device_lock_timeout"`
	HealthInterval    time.Duration `yaml:"health_interval"`

	// 用途ごとの上書き (preview / scan / record)
	Modes map[string]ModeConfig `yaml:"modes"`
}

// SourceConfig は個別ソースの設定
type SourceConfig struct {
	Source string `yaml:"source"` // デバイス番号またはURL
	Name   string `yaml:"name"`   // 表示名
}

// ModeConfig は用途ごとの設定
type ModeConfig struct {
	FPS          int `yaml:"fps"`
	Quality      int `yaml:"quality"`
	PreviewWidth int `yaml:"preview_width"`
}

// RecordingConfig は録画の設定
type RecordingConfig struct {
	RootDir          string        `yaml:"root_dir"`
	FPS              int           `yaml:"fps"`
	MaxDuration      time.Duration `yaml:"max_duration"`
	StopTimeout      time.Duration `yaml:"stop_timeout"`
	TranscodeTimeout time.Duration `yaml:"transcode_timeout"`
	StaleAfter       time.Duration `yaml:"stale_after"`
	ThumbnailWidth   int           `yaml:"thumbnail_width"`
}

// SessionConfig はセッションの設定
type SessionConfig struct {
	Cooldown time.Duration `yaml:"cooldown"`
}

// DatabaseConfig はレコード保存先の設定
type DatabaseConfig struct {
	Path string `yaml:"path"` // 空ならメモリ上に保持する
}

// NotifyConfig は通知の設定
type NotifyConfig struct {
	AMQPURL  string `yaml:"amqp_url"` // 空ならログのみ
	Exchange string `yaml:"exchange"`
}

// LogConfig はログの設定
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default はファイルも環境変数もないときの設定を返す
func Default() *Config {
	cam := camera.DefaultConfig()
	rec := recording.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // ストリーミング用にタイムアウト無効化
		},
		Camera: CameraConfig{
			Discover:          true,
			FFmpegPath:        cam.FFmpegPath,
			Width:             cam.Width,
			Height:            cam.Height,
			LivenessWindow:    cam.LivenessWindow,
			IdleTimeout:       cam.IdleTimeout,
			FirstFrameTimeout: cam.FirstFrameTimeout,
			InitAttempts:      cam.InitAttempts,
			DeviceLockTimeout: cam.DeviceLockTimeout,
			HealthInterval:    cam.HealthInterval,
		},
		Recording: RecordingConfig{
			RootDir:          rec.RootDir,
			FPS:              rec.FPS,
			MaxDuration:      rec.MaxDuration,
			StopTimeout:      rec.StopTimeout,
			TranscodeTimeout: rec.TranscodeTimeout,
			StaleAfter:       rec.StaleAfter,
			ThumbnailWidth:   rec.ThumbnailWidth,
		},
		Session:  SessionConfig{Cooldown: session.DefaultConfig().Cooldown},
		Database: DatabaseConfig{Path: "packrec.db"},
		Notify:   NotifyConfig{Exchange: "packrec.events"},
		Log:      LogConfig{Level: "info"},
	}
}

// Load は設定を読み込む
// 既定値、設定ファイル（pathが空でなければ）、環境変数の順に上書きする
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイルを読み込めません: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("設定ファイルの解析に失敗 (%s): %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Camera.FFmpegPath = getEnvOrDefault("PACKREC_FFMPEG", c.Camera.FFmpegPath)
	c.Recording.RootDir = getEnvOrDefault("PACKREC_RECORDINGS_DIR", c.Recording.RootDir)
	c.Database.Path = getEnvOrDefault("PACKREC_DB_PATH", c.Database.Path)
	c.Notify.AMQPURL = getEnvOrDefault("PACKREC_AMQP_URL", c.Notify.AMQPURL)
	c.Log.Level = getEnvOrDefault("LOG_LEVEL", c.Log.Level)
	c.Session.Cooldown = getEnvAsDurationOrDefault("PACKREC_COOLDOWN", c.Session.Cooldown)

	if v := os.Getenv("PACKREC_SOURCES"); v != "" {
		c.Camera.Sources = nil
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				c.Camera.Sources = append(c.Camera.Sources, SourceConfig{Source: s})
			}
		}
	}
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		return fmt.Errorf("タイムアウトが負の値です")
	}

	seen := make(map[string]bool)
	for _, s := range c.Camera.Sources {
		key, err := camera.ParseSourceKey(s.Source)
		if err != nil {
			return fmt.Errorf("camera.sources: %w", err)
		}
		if seen[string(key)] {
			return fmt.Errorf("camera.sources: 重複しています: %s", key)
		}
		seen[string(key)] = true
	}
	for name, m := range c.Camera.Modes {
		if _, err := camera.ParseUsageMode(name); err != nil {
			return fmt.Errorf("camera.modes: %w", err)
		}
		if m.FPS < 0 || m.Quality < 0 || m.Quality > 100 || m.PreviewWidth < 0 {
			return fmt.Errorf("camera.modes.%s: 値が範囲外です", name)
		}
	}
	if c.Camera.InitAttempts < 1 {
		return fmt.Errorf("camera.init_attempts は1以上にしてください: %d", c.Camera.InitAttempts)
	}

	if strings.TrimSpace(c.Recording.RootDir) == "" {
		return fmt.Errorf("recording.root_dir が空です")
	}
	if c.Recording.FPS < 1 {
		return fmt.Errorf("recording.fps は1以上にしてください: %d", c.Recording.FPS)
	}
	if c.Recording.MaxDuration <= 0 || c.Recording.StaleAfter <= 0 {
		return fmt.Errorf("recording の上限時間は正の値にしてください")
	}
	if c.Session.Cooldown < 0 {
		return fmt.Errorf("session.cooldown が負の値です")
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// SourceKeys は設定されたソースキーを返す
func (c *Config) SourceKeys() []camera.SourceKey {
	keys := make([]camera.SourceKey, 0, len(c.Camera.Sources))
	for _, s := range c.Camera.Sources {
		keys = append(keys, camera.SourceKey(strings.TrimSpace(s.Source)))
	}
	return keys
}

// CameraConfig はカメラ管理の設定に変換する
func (c *Config) CameraConfig() camera.Config {
	cfg := camera.DefaultConfig()
	cam := c.Camera
	cfg.FFmpegPath = cam.FFmpegPath
	cfg.Width, cfg.Height = cam.Width, cam.Height
	cfg.LivenessWindow = cam.LivenessWindow
	cfg.IdleTimeout = cam.IdleTimeout
	cfg.FirstFrameTimeout = cam.FirstFrameTimeout
	cfg.InitAttempts = cam.InitAttempts
	cfg.DeviceLockTimeout = cam.DeviceLockTimeout
	cfg.HealthInterval = cam.HealthInterval

	for name, m := range cam.Modes {
		mode, err := camera.ParseUsageMode(name)
		if err != nil {
			continue
		}
		p := cfg.Profiles[mode]
		if m.FPS > 0 {
			p.FPS = m.FPS
		}
		if m.Quality > 0 {
			p.JPEGQuality = m.Quality
		}
		if m.PreviewWidth > 0 {
			p.PreviewWidth = m.PreviewWidth
		}
		cfg.Profiles[mode] = p
	}
	return cfg
}

// RecordingConfig は録画の設定に変換する
func (c *Config) RecordingConfig() recording.Config {
	cfg := recording.DefaultConfig()
	r := c.Recording
	cfg.RootDir = r.RootDir
	cfg.FFmpegPath = c.Camera.FFmpegPath
	cfg.FPS = r.FPS
	cfg.MaxDuration = r.MaxDuration
	cfg.StaleAfter = r.StaleAfter
	if r.StopTimeout > 0 {
		cfg.StopTimeout = r.StopTimeout
	}
	if r.TranscodeTimeout > 0 {
		cfg.TranscodeTimeout = r.TranscodeTimeout
	}
	if r.ThumbnailWidth > 0 {
		cfg.ThumbnailWidth = r.ThumbnailWidth
	}
	return cfg
}

// SessionConfig はセッションの設定に変換する
func (c *Config) SessionConfig() session.Config {
	return session.Config{Cooldown: c.Session.Cooldown}
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvAsDurationOrDefault は環境変数を時間として取得する
func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
