package main

import (
	"context"
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
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// 設定を読み込む
	cfg, err := config.Load(os.Getenv("HYAKUME_CONFIG"))
	if err != nil {
		logger.Fatal().Err(err).Msg("設定の読み込みに失敗しました")
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

	// サーバーを作成して起動
	srv := server.New(cfg, logger, registry, coordinator, watcher, m, nil)
	if err := srv.Start(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("サーバーの起動に失敗しました")
	}

	// 終了時に全デバイスを解放する
	registry.DisconnectAll()
}
