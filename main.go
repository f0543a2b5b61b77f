package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"packrec/internal/app"
	"packrec/internal/config"
	"packrec/internal/log"
)

func main() {
	// 設定を読み込む
	path := os.Getenv("PACKREC_CONFIG")
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "設定の読み込みに失敗しました: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Configure(log.Config{Level: cfg.Log.Level, Service: "packrec"})
	logger := log.WithComponent("main")
	a, err := app.New(ctx, cfg, path)
	if err != nil {
		logger.Fatal().Err(err).Msg("初期化に失敗しました")
	}

	// サーバーを起動
	if err := a.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("サーバーの起動に失敗しました")
	}
}
