// Package app はコンポーネントを組み立ててサーバーを動かす
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"packrec/internal/barcode"
	"packrec/internal/camera"
	"packrec/internal/config"
	"packrec/internal/log"
	"packrec/internal/notify"
	"packrec/internal/recording"
	"packrec/internal/server"
	"packrec/internal/session"
)

// closeTimeout は終了時に録画を確定させる上限
const closeTimeout = 30 * time.Second

// App は組み立て済みのコンポーネント一式
type App struct {
	cfg        *config.Config
	configPath string
	logger     zerolog.Logger

	store    recording.Store
	cams     *camera.Manager
	health   *camera.HealthChecker
	recorder *recording.Manager
	notifier notify.Notifier
	session  *session.Orchestrator
	server   *server.Server
}

type options struct {
	opener     camera.Opener
	transcoder recording.Transcoder
	store      recording.Store
	notifier   notify.Notifier
}

// Option はAppの組み立てを変更する
type Option func(*options)

// WithOpener はカメラのOpenerを差し替える
func WithOpener(o camera.Opener) Option {
	return func(opts *options) { opts.opener = o }
}

// WithTranscoder は変換器を差し替える
func WithTranscoder(t recording.Transcoder) Option {
	return func(opts *options) { opts.transcoder = t }
}

// WithStore はレコードの保存先を差し替える
func WithStore(s recording.Store) Option {
	return func(opts *options) { opts.store = s }
}

// WithNotifier は通知先を差し替える
func WithNotifier(n notify.Notifier) Option {
	return func(opts *options) { opts.notifier = n }
}

// New は設定からAppを組み立てる
// configPathが空でなければ実行中に設定ファイルを監視する
func New(ctx context.Context, cfg *config.Config, configPath string, opts ...Option) (*App, error) {
	log.Configure(log.Config{Level: cfg.Log.Level, Service: "packrec"})

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		cfg:        cfg,
		configPath: configPath,
		logger:     log.WithComponent("app"),
	}

	camCfg := cfg.CameraConfig()
	if o.opener == nil {
		o.opener = camera.NewFFmpegOpener(camCfg)
	}
	a.cams = camera.NewManager(camCfg, o.opener)

	a.health = camera.NewHealthChecker(a.cams, &camera.DefaultProber{
		Locks:       a.cams.Locks(),
		LockTimeout: camCfg.ProbeLockTimeout,
		DialTimeout: camCfg.ProbeTimeout,
	}, cfg.SourceKeys())
	if cfg.Camera.Discover {
		a.health.WithDiscovery(camera.NewLinuxDiscovery(a.cams.Locks()))
	}

	a.store = o.store
	if a.store == nil {
		store, err := recording.NewSqliteStore(ctx, cfg.Database.Path)
		if err != nil {
			_ = a.cams.Close()
			return nil, fmt.Errorf("データベースを開けません: %w", err)
		}
		a.store = store
	}

	recCfg := cfg.RecordingConfig()
	if o.transcoder == nil {
		tc := recording.NewFFmpegTranscoder(recCfg.FFmpegPath)
		if err := tc.ValidateFFmpeg(ctx); err != nil {
			// 変換できなくてもMJPEGのまま保存できる
			a.logger.Warn().Err(err).Msg("FFmpegが使えません。録画はMJPEGのまま保存されます")
		}
		o.transcoder = tc
	}
	a.recorder = recording.NewManager(recCfg, a.cams, a.store, recording.WithTranscoder(o.transcoder))

	a.notifier = o.notifier
	if a.notifier == nil {
		a.notifier = newNotifier(cfg.Notify, a.logger)
	}

	a.session = session.NewOrchestrator(cfg.SessionConfig(), a.cams, a.recorder, barcode.NewDecoder(),
		session.WithNotifier(a.notifier))

	a.server = server.New(cfg, server.Deps{
		Cameras:  a.cams,
		Health:   a.health,
		Recorder: a.recorder,
		Session:  a.session,
	})
	return a, nil
}

// newNotifier はログ通知に、設定があればRabbitMQを重ねる
// 接続できなければログのみで続行する
func newNotifier(cfg config.NotifyConfig, logger zerolog.Logger) notify.Notifier {
	logN := notify.NewLogNotifier()
	if cfg.AMQPURL == "" {
		return logN
	}
	amqpN, err := notify.NewAMQPNotifier(notify.AMQPConfig{URL: cfg.AMQPURL, Exchange: cfg.Exchange})
	if err != nil {
		logger.Warn().Err(err).Msg("RabbitMQに接続できません。通知はログのみです")
		return logN
	}
	return notify.Multi{logN, amqpN}
}

// Server はHTTPサーバーを返す
func (a *App) Server() *server.Server { return a.server }

// Session はセッション管理を返す
func (a *App) Session() *session.Orchestrator { return a.session }

// Run はctxが終わるまでサーバーと定期処理を動かし、最後に後始末をする
func (a *App) Run(ctx context.Context) error {
	a.logger.Info().Str("addr", a.cfg.ServerAddress()).Int("sources", len(a.cfg.Camera.Sources)).Msg("packrec を起動します")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.server.Start(gctx) })
	g.Go(func() error { return a.cams.Run(gctx) })
	g.Go(func() error { return a.health.Run(gctx) })
	g.Go(func() error { return config.Watch(gctx, a.configPath, a.reload) })

	err := g.Wait()
	if cerr := a.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

// reload は再読み込みした設定のうち実行中に反映できるものを適用する
func (a *App) reload(cfg *config.Config) {
	a.health.SetSources(cfg.SourceKeys())
	a.logger.Info().Int("sources", len(cfg.Camera.Sources)).Msg("ソース一覧を更新しました")
}

// Close は録画を確定させてから資源を解放する
func (a *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	a.recorder.Close(ctx)

	var errs []error
	if err := a.cams.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("データベースを閉じられません: %w", err))
	}
	if err := a.notifier.Close(); err != nil {
		errs = append(errs, err)
	}
	a.logger.Info().Msg("packrec を停止しました")
	return errors.Join(errs...)
}
