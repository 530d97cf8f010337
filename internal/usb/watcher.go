package usb

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hyakume/internal/device"
)

// defaultScanInterval は着脱検出スキャンのデフォルト間隔
const defaultScanInterval = 2 * time.Second

// Watcher は定期スキャンでデバイスの着脱を検出する
// gousbはホットプラグ通知を提供しないため、ポーリングで代替する
type Watcher struct {
	log         zerolog.Logger
	manager     *Manager
	registry    *device.Registry
	interval    time.Duration
	autoConnect bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWatcher は新しいWatcherを作成する
// intervalが0以下の場合はデフォルト間隔を使う
func NewWatcher(log zerolog.Logger, manager *Manager, registry *device.Registry, interval time.Duration, autoConnect bool) *Watcher {
	if interval <= 0 {
		interval = defaultScanInterval
	}

	return &Watcher{
		log:         log.With().Str("component", "watcher").Logger(),
		manager:     manager,
		registry:    registry,
		interval:    interval,
		autoConnect: autoConnect,
		stopCh:      make(chan struct{}),
	}
}

// Start はバックグラウンドスキャンを開始する
func (w *Watcher) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-w.stopCh:
				return
			case <-ticker.C:
				w.scan()
			}
		}
	}()

	w.log.Info().Dur("interval", w.interval).Bool("auto_connect", w.autoConnect).Msg("デバイス監視を開始しました")
}

// Stop はバックグラウンドスキャンを停止して終了を待つ
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	w.log.Info().Msg("デバイス監視を停止しました")
}

// Scan は1回分のスキャンを即座に実行する
func (w *Watcher) Scan() {
	w.scan()
}

// scan は現在のバス状態と台帳を突き合わせ、
// 取り外されたセッションの切断と新規デバイスの接続を行う
func (w *Watcher) scan() {
	listed, err := w.manager.ListDevices()
	if err != nil {
		w.log.Warn().Err(err).Msg("デバイスの列挙に失敗")
		return
	}

	present := make(map[string]bool, len(listed))
	for _, d := range listed {
		present[d.Key()] = true
	}

	// 接続中セッションのうちバス上に存在しないものを切断する
	connected := make(map[string]bool)
	for _, session := range w.registry.Sessions() {
		raw, ok := session.Raw().(*Device)
		if !ok {
			continue
		}
		if present[raw.Key()] {
			connected[raw.Key()] = true
			continue
		}
		w.registry.HandleDetach(raw)
	}

	// 未接続のデバイスを接続し、重複分のハンドルは閉じる
	for _, d := range listed {
		if connected[d.Key()] {
			d.Close()
			continue
		}
		if !w.autoConnect {
			d.Close()
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err := w.registry.Connect(ctx, d)
		cancel()
		if err != nil {
			if errors.Is(err, device.ErrTooManySessions) {
				w.log.Warn().Str("key", d.Key()).Msg("上限到達のため新規デバイスを接続できません")
			} else {
				w.log.Warn().Err(err).Str("key", d.Key()).Msg("新規デバイスの接続に失敗")
			}
			d.Close()
		}
	}
}
