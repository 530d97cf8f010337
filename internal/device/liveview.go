package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"hyakume/internal/protocol"
)

// liveReadTimeout はライブビューループの1回の読み取りの上限時間
// 読み取りをこの間隔で区切ることで、コマンド送信側が読み取り権を取れる
const liveReadTimeout = 500 * time.Millisecond

// FrameSink はライブビューのフレームを受け取るコールバック
// フレームは呼び出し後に再利用されないため、そのまま保持してよい
type FrameSink func(frame []byte)

// LiveStream は動作中のライブビューループのハンドル
type LiveStream struct {
	cancel   context.CancelFunc
	stopOnce sync.Once
	doneCh   chan struct{}
}

// Done はループが終了したときにクローズされるチャンネルを返す
func (ls *LiveStream) Done() <-chan struct{} {
	return ls.doneCh
}

// active はループがまだ動作中かを返す
func (ls *LiveStream) active() bool {
	select {
	case <-ls.doneCh:
		return false
	default:
		return true
	}
}

// stop はループに停止を要求する（終了待ちはしない）
func (ls *LiveStream) stop() {
	ls.stopOnce.Do(ls.cancel)
}

// StartLiveView はライブビューのストリーミングループを開始する
// 既にストリーミング中の場合は新しいループを起動せず、既存のハンドルを返す
func (s *Session) StartLiveView(sink FrameSink) (*LiveStream, error) {
	if sink == nil {
		return nil, fmt.Errorf("フレームシンクが指定されていません")
	}

	s.liveMu.Lock()
	defer s.liveMu.Unlock()

	// 動作中のループがあればそれを返す（二重ループ防止）
	if s.live != nil && s.live.active() {
		return s.live, nil
	}

	s.mu.RLock()
	connected := s.state == StateConnected
	framer := s.framer
	s.mu.RUnlock()

	if !connected {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, s.identity)
	}

	// 制御フレームとフレームデータの振り分けを有効にする
	// 前回のストリーミングの残骸もここで捨てられる
	s.readMu.Lock()
	framer.BeginLiveStream()
	s.readMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	stream := &LiveStream{
		cancel: cancel,
		doneCh: make(chan struct{}),
	}
	s.live = stream

	go s.liveLoop(ctx, framer, sink, stream)

	s.log.Info().Msg("ライブビューを開始しました")
	return stream, nil
}

// StopLiveView はストリーミングループを停止する
// ループが停止シグナルを観測して終了するまでブロックするため、
// 直後にStartLiveViewを呼んでも読み取りが競合することはない
func (s *Session) StopLiveView() {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()

	if s.live == nil {
		return
	}

	s.live.stop()
	<-s.live.doneCh
	s.live = nil

	s.log.Info().Msg("ライブビューを停止しました")
}

// liveLoop はフレームを連続的にデコードしてシンクへ渡す
// 読み取りはコマンドのレスポンス待ちと同じ読み取り権を奪い合うため、
// 1回分ずつ区切って行う
func (s *Session) liveLoop(ctx context.Context, framer *protocol.Framer, sink FrameSink, stream *LiveStream) {
	defer func() {
		s.readMu.Lock()
		framer.EndLiveStream()
		s.readMu.Unlock()
		close(stream.doneCh)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.readMu.Lock()
		readCtx, cancel := context.WithTimeout(ctx, liveReadTimeout)
		frame, err := framer.ReadLiveFrame(readCtx)
		cancel()
		s.readMu.Unlock()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return // 停止要求
			}
			if errors.Is(err, protocol.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue // フレームが来ていないだけ
			}

			// 転送の致命的失敗：ループを終了してセッションを切断する
			s.log.Error().Err(err).Msg("ライブビューの読み取りで転送エラー、切断します")
			s.forceDisconnect()
			return
		}

		sink(frame)
	}
}
