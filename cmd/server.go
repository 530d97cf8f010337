// Package main はHyakumeサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"hyakume/internal/capture"
	"hyakume/internal/config"
	"hyakume/internal/device"
	"hyakume/internal/metrics"
	"hyakume/internal/server"
	"hyakume/internal/usb"
)

func main() {
	// コマンドラインオプション
	var (
		host       = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port       = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		configPath = flag.String("config", "", "設定ファイルのパス")
		help       = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("Hyakume")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// 設定を読み込む
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("設定の読み込みに失敗しました")
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	// デバイス層を組み立てる
	registry := device.NewRegistry(logger, cfg.Device.CommandTimeout)
	coordinator := capture.NewCoordinator(logger, m)

	manager := usb.NewManager(logger)
	defer manager.Close()

	watcher := usb.NewWatcher(logger, manager, registry, cfg.Device.ScanInterval, cfg.Device.AutoConnect)
	watcher.Scan() // 起動時に接続済みデバイスを拾う
	watcher.Start()
	defer watcher.Stop()

	srv := server.New(cfg, logger, registry, coordinator, watcher, m, nil)

	// サーバーを起動
	logger.Info().Str("addr", cfg.ServerAddress()).Msg("Hyakume サーバーを起動します")
	if err := srv.Start(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("サーバーの起動に失敗しました")
	}

	// 終了時に全デバイスを解放する
	registry.DisconnectAll()
}
