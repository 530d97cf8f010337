package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hyakume/internal/protocol"
)

// defaultCommandTimeout はコマンド1回あたりの応答待ち時間のデフォルト
const defaultCommandTimeout = 3 * time.Second

// Session は1台のデバイスとの接続を専有するセッション
// 1セッションにつき同時に実行できるリクエストは1つまで
type Session struct {
	identity       string
	raw            RawDevice
	log            zerolog.Logger
	commandTimeout time.Duration

	mu      sync.RWMutex
	state   ConnectionState
	framer  *protocol.Framer
	seq     uint64
	battery int
	mode    string

	// リクエストの直列化用（1セッション1インフライト）
	ioMu sync.Mutex

	// トランスポートの読み取り権
	// コマンドのレスポンス待ちとライブビューのループが
	// 同じバルクINエンドポイントを取り合わないようにする
	readMu sync.Mutex

	// ハンドル解放は1回だけ行う
	closeOnce sync.Once

	liveMu sync.Mutex
	live   *LiveStream
}

// NewSession は新しいSessionを作成する
// commandTimeoutが0以下の場合はデフォルト値を使う
func NewSession(identity string, raw RawDevice, log zerolog.Logger, commandTimeout time.Duration) *Session {
	if commandTimeout <= 0 {
		commandTimeout = defaultCommandTimeout
	}

	return &Session{
		identity:       identity,
		raw:            raw,
		log:            log.With().Str("device", identity).Logger(),
		commandTimeout: commandTimeout,
		state:          StateDisconnected,
	}
}

// Identity はデバイス識別子を返す
func (s *Session) Identity() string {
	return s.identity
}

// Raw は基礎となるUSBハンドルを返す（レジストリのデタッチ照合用）
func (s *Session) Raw() RawDevice {
	return s.raw
}

// State は現在の接続状態を返す
func (s *Session) State() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Snapshot は観測可能な状態のコピーを返す
func (s *Session) Snapshot() Snapshot {
	streaming := s.Streaming()

	s.mu.RLock()
	defer s.mu.RUnlock()

	return Snapshot{
		Identity:     s.identity,
		State:        s.state,
		ProductID:    s.raw.ProductID(),
		Serial:       s.raw.SerialNumber(),
		BatteryLevel: s.battery,
		Mode:         s.mode,
		Streaming:    streaming,
	}
}

// Open はデバイスをオープンして接続を確立する
// インターフェースのクレーム → 初期ハンドシェイク → 残留バイトのドレインの順に行う
// Disconnected以外の状態からの呼び出しはエラーになる
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyOpened, s.state)
	}
	s.state = StateInitializing
	s.mu.Unlock()

	transport, err := s.raw.Open(ctx)
	if err != nil {
		s.setState(StateError)
		return fmt.Errorf("デバイスのオープンに失敗: %w", err)
	}

	framer := protocol.NewFramer(transport)

	// 初期ハンドシェイクとドレインは短いタイムアウトで行う
	openCtx, cancel := context.WithTimeout(ctx, s.commandTimeout)
	defer cancel()

	if err := framer.OpenExchange(openCtx); err != nil {
		s.setState(StateError)
		return fmt.Errorf("初期ハンドシェイクに失敗: %w", err)
	}

	s.mu.Lock()
	s.framer = framer
	s.state = StateConnected
	s.mu.Unlock()

	s.log.Info().Msg("デバイスに接続しました")
	return nil
}

// SendCommand はコマンドを送信してレスポンスを待つ
// 許可リスト検証に失敗した場合は1バイトも送信されない
// タイムアウトは復旧可能エラーとして返り、接続状態は変わらない
// 転送の致命的失敗は即座にセッションをDisconnectedへ遷移させる
func (s *Session) SendCommand(ctx context.Context, method string, params map[string]any) (*protocol.ControlResponse, error) {
	if err := protocol.ValidateMethod(method); err != nil {
		return nil, err
	}

	s.mu.RLock()
	if s.state != StateConnected {
		s.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, s.identity)
	}
	framer := s.framer
	s.mu.RUnlock()

	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	// 採番は送信直前に行い、ワイヤ上の送信順とシーケンス番号の順序を一致させる
	s.mu.Lock()
	s.seq++
	msg := protocol.ControlMessage{Method: method, Params: params, Seq: s.seq}
	s.mu.Unlock()

	cmdCtx, cancel := context.WithTimeout(ctx, s.commandTimeout)
	defer cancel()

	// 送信からレスポンス受信完了まで読み取り権を専有する
	// ライブビューのループが合間に読んだレスポンスはFramerが取り置いてくれる
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if err := framer.WriteCommand(cmdCtx, msg); err != nil {
		return nil, s.classifyIOError("コマンド送信", method, err)
	}

	resp, err := framer.ReadResponse(cmdCtx)
	if err != nil {
		return nil, s.classifyIOError("レスポンス受信", method, err)
	}

	s.observeResponse(method, resp)
	return resp, nil
}

// CaptureOnce は撮影コマンドを1回発行する
// タイムスタンプはレスポンス到着後ではなくコマンド送出直前に記録するため、
// 複数デバイス間での撮影タイミング比較に使える
func (s *Session) CaptureOnce(ctx context.Context) (CaptureResult, error) {
	ts := time.Now()
	resp, err := s.SendCommand(ctx, protocol.MethodShoot, nil)
	elapsed := time.Since(ts)

	result := CaptureResult{Timestamp: ts, Elapsed: elapsed, Response: resp}
	if err != nil {
		return result, err
	}
	if resp.Err != nil {
		return result, resp.Err
	}

	return result, nil
}

// classifyIOError はI/Oエラーを復旧可能・致命的に分類する
// タイムアウトとデコード失敗は復旧可能、それ以外の転送失敗は即切断
func (s *Session) classifyIOError(op, method string, err error) error {
	recoverable := errors.Is(err, protocol.ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, protocol.ErrMalformed) ||
		errors.Is(err, protocol.ErrNotificationFlood)

	if recoverable {
		s.log.Warn().Err(err).Str("method", method).Msgf("%sに失敗（復旧可能）", op)
		return err
	}

	s.log.Error().Err(err).Str("method", method).Msgf("%sで転送エラー、切断します", op)
	s.forceDisconnect()
	return fmt.Errorf("転送エラーによりセッションを切断しました: %w", err)
}

// observeResponse はレスポンスからバッテリー残量・モードを取り込む
func (s *Session) observeResponse(method string, resp *protocol.ControlResponse) {
	if method != protocol.MethodGetStatus || resp.Result == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := resp.Result["battery"].(float64); ok {
		s.battery = int(v)
	}
	if v, ok := resp.Result["mode"].(string); ok {
		s.mode = v
	}
}

// setState は状態を更新する
func (s *Session) setState(state ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// forceDisconnect は転送の致命的失敗・デタッチ時に即座に切断する
// 死んだデバイスへ古いコマンドが送られるのを防ぐ
func (s *Session) forceDisconnect() {
	s.mu.Lock()
	already := s.state == StateDisconnected
	s.state = StateDisconnected
	s.mu.Unlock()

	if !already {
		s.closeRaw()
	}
}

// closeRaw はUSBハンドルを1回だけ解放する
func (s *Session) closeRaw() {
	s.closeOnce.Do(func() {
		if err := s.raw.Close(); err != nil {
			s.log.Warn().Err(err).Msg("ハンドルの解放に失敗")
		}
	})
}

// Close はライブビューを止め、ハンドルを解放して強制的にDisconnectedにする
// どの状態からでも呼べて、複数回呼んでも安全
func (s *Session) Close() error {
	s.StopLiveView()

	s.mu.Lock()
	s.state = StateDisconnected
	s.mu.Unlock()

	s.closeRaw()
	return nil
}

// Streaming はライブビューが動作中かを返す
func (s *Session) Streaming() bool {
	s.liveMu.Lock()
	defer s.liveMu.Unlock()
	return s.live != nil && s.live.active()
}
