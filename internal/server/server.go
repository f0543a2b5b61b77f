package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"packrec/internal/camera"
	"packrec/internal/config"
	"packrec/internal/log"
	"packrec/internal/recording"
	"packrec/internal/session"
)

// Deps はハンドラが使うコンポーネント
type Deps struct {
	Cameras  *camera.Manager
	Health   *camera.HealthChecker
	Recorder *recording.Manager
	Session  *session.Orchestrator
}

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	deps       Deps
	engine     *gin.Engine
	httpServer *http.Server
	logger     zerolog.Logger
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	s := &Server{
		config: cfg,
		deps:   deps,
		engine: engine,
		logger: log.WithComponent("server"),
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}
	// プレビュー配信はシャットダウン開始時に打ち切る
	base, cancel := context.WithCancel(context.Background())
	s.httpServer.BaseContext = func(net.Listener) context.Context { return base }
	s.httpServer.RegisterOnShutdown(cancel)

	engine.Use(gin.Recovery(), s.requestLogger())
	s.setupRoutes()
	return s
}

// Handler はルーティング済みのハンドラを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	r := s.engine

	// ヘルスチェックとメトリクス
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.GET("/sources", s.handleSources)

	streams := api.Group("/streams")
	streams.POST("/acquire", s.handleAcquire)
	streams.POST("/release", s.handleRelease)
	streams.PUT("/mode", s.handleMode)
	streams.PUT("/zoom", s.handleZoom)
	streams.GET("/preview", s.handlePreview)
	streams.GET("/snapshot", s.handleSnapshot)

	recs := api.Group("/recordings")
	recs.GET("", s.handleRecordings)
	recs.POST("", s.handleStartRecording)
	recs.GET("/stats", s.handleStats)
	recs.GET("/:id", s.handleRecording)
	recs.POST("/:id/stop", s.handleStopRecording)
	recs.POST("/:id/cancel", s.handleCancelRecording)

	sess := api.Group("/session")
	sess.GET("", s.handleSession)
	sess.POST("", s.handleCreateSession)
	sess.DELETE("", s.handleEndSession)
	sess.POST("/cameras", s.handleAssign)
	sess.DELETE("/cameras", s.handleUnassign)
	sess.POST("/scan", s.handleScan)
	sess.POST("/stop", s.handleSessionStop)
	sess.POST("/cancel", s.handleSessionCancel)
}

// requestLogger はリクエストごとに1行ログを出す
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		e := s.logger.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			e = s.logger.Warn()
		}
		e.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("リクエスト")
	}
}

// Start はサーバーを起動し、ctxが終わるとシャットダウンする
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve は指定したリスナーで配信する
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("HTTPサーバーを起動しています")
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("サーバーをシャットダウンしています...")

	// 5秒のタイムアウトを設定
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	s.logger.Info().Msg("サーバーが正常にシャットダウンされました")
	return nil
}
