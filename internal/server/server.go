package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"hyakume/internal/capture"
	"hyakume/internal/config"
	"hyakume/internal/device"
	"hyakume/internal/metrics"
)

// Scanner はデバイススキャンを即時実行するための境界インターフェース
// 本番ではusb.Watcher、テストではフェイクを使う
type Scanner interface {
	Scan()
}

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config      *config.Config
	log         zerolog.Logger
	registry    *device.Registry
	coordinator *capture.Coordinator
	scanner     Scanner
	metrics     *metrics.Metrics
	gatherer    prometheus.Gatherer
	hub         *streamHub

	engine     *gin.Engine
	httpServer *http.Server
}

// New は新しいServerインスタンスを作成する
// scannerとmetricsはnilでもよい（該当機能が無効になる）
func New(cfg *config.Config, log zerolog.Logger, registry *device.Registry, coordinator *capture.Coordinator, scanner Scanner, m *metrics.Metrics, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		config:      cfg,
		log:         log.With().Str("component", "server").Logger(),
		registry:    registry,
		coordinator: coordinator,
		scanner:     scanner,
		metrics:     m,
		gatherer:    gatherer,
		hub:         newStreamHub(m),
		engine:      engine,
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}

	s.setupRoutes()
	return s
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	// ルートハンドラ（簡単な確認用）
	s.engine.GET("/", s.handleRoot)

	// ヘルスチェックエンドポイント
	s.engine.GET("/health", s.handleHealth)

	// メトリクスエンドポイント
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	api := s.engine.Group("/api")
	{
		api.GET("/status", s.handleStatus)

		api.GET("/devices", s.handleListDevices)
		api.POST("/devices/scan", s.handleScan)
		api.DELETE("/devices", s.handleDisconnectAll)
		api.GET("/devices/:id", s.handleGetDevice)
		api.DELETE("/devices/:id", s.handleDisconnect)
		api.POST("/devices/:id/command", s.handleCommand)
		api.GET("/devices/:id/stream", s.handleStream)
		api.GET("/devices/:id/ws", s.handleWebSocket)

		api.POST("/capture", s.handleCapture)
		api.GET("/capture/last", s.handleLastCapture)
	}
}

// Handler はルーティング済みのHTTPハンドラを返す（テスト用）
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start はサーバーを起動する
func (s *Server) Start(ctx context.Context) error {
	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.log.Info().Str("addr", s.config.ServerAddress()).Msg("HTTPサーバーを起動しています")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		s.log.Info().Msg("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		s.log.Info().Str("signal", sig.String()).Msg("シグナルを受信しました")
	case err := <-shutdownCh:
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	s.log.Info().Msg("サーバーをシャットダウンしています...")

	// 5秒のタイムアウトを設定
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	s.log.Info().Msg("サーバーが正常にシャットダウンされました")
	return nil
}
