// Package main はpackrecサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"packrec/internal/app"
	"packrec/internal/config"
	"packrec/internal/log"
)

func main() {
	// コマンドラインオプション
	var (
		configPath = flag.String("config", os.Getenv("PACKREC_CONFIG"), "設定ファイル (YAML)")
		host       = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port       = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		logLevel   = flag.String("log-level", "", "ログレベル (debug, info, warn, error)")
		help       = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("packrec - 梱包作業の録画サーバー")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "設定の読み込みに失敗しました: %v\n", err)
		os.Exit(1)
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "設定が不正です: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Configure(log.Config{Level: cfg.Log.Level, Service: "packrec"})
	logger := log.WithComponent("main")
	a, err := app.New(ctx, cfg, *configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("初期化に失敗しました")
	}

	logger.Info().Str("addr", cfg.ServerAddress()).Msg("packrec サーバーを起動します")
	if err := a.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("サーバーの起動に失敗しました")
	}
}
