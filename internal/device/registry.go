package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SessionFactory はSessionの生成関数
// テストで差し替えられるようにしている
type SessionFactory func(identity string, raw RawDevice) *Session

// Registry は接続中セッションの台帳
// 同時オープン数の上限（MaxSessions）を守り、識別子の重複を防ぐ
type Registry struct {
	log     zerolog.Logger
	factory SessionFactory

	mu       sync.RWMutex
	sessions map[string]*Session

	// pending はオープン処理中の識別子
	// 上限と重複の判定には数えるが、スナップショットには現れない
	pending map[string]struct{}
}

// NewRegistry は新しいRegistryを作成する
func NewRegistry(log zerolog.Logger, commandTimeout time.Duration) *Registry {
	r := &Registry{
		log:      log.With().Str("component", "registry").Logger(),
		sessions: make(map[string]*Session),
		pending:  make(map[string]struct{}),
	}
	r.factory = func(identity string, raw RawDevice) *Session {
		return NewSession(identity, raw, log, commandTimeout)
	}
	return r
}

// SetFactory はセッション生成関数を差し替える（テスト用）
func (r *Registry) SetFactory(factory SessionFactory) {
	r.factory = factory
}

// Connect はデバイスを検証し、セッションをオープンして登録する
// 上限チェックはトランスポートに触れる前に行うため、
// 上限到達時にデバイスの状態が変わることはない
// オープン中・オープン失敗のセッションは台帳に現れず、
// 登録されたセッションは常にConnectedで観測される
func (r *Registry) Connect(ctx context.Context, raw RawDevice) (*Session, error) {
	if raw.VendorID() != KnownVendorID {
		return nil, fmt.Errorf("%w: %#04x", ErrWrongVendor, raw.VendorID())
	}

	identity := raw.SerialNumber()
	if identity == "" {
		// シリアルが取れないデバイスはUUIDで識別する
		identity = uuid.New().String()
	}

	r.mu.Lock()
	if len(r.sessions)+len(r.pending) >= MaxSessions {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: 上限%d", ErrTooManySessions, MaxSessions)
	}
	if _, exists := r.sessions[identity]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateIdentity, identity)
	}
	if _, opening := r.pending[identity]; opening {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateIdentity, identity)
	}
	// オープン中に他のConnectが同じ枠を奪わないよう識別子だけを予約する
	// セッションはオープンが成功するまで台帳に公開しない
	r.pending[identity] = struct{}{}
	r.mu.Unlock()

	session := r.factory(identity, raw)
	err := session.Open(ctx)

	r.mu.Lock()
	delete(r.pending, identity)
	if err == nil {
		r.sessions[identity] = session
	}
	r.mu.Unlock()

	if err != nil {
		session.Close()
		return nil, fmt.Errorf("セッションのオープンに失敗: %w", err)
	}

	r.log.Info().Str("device", identity).Int("sessions", r.Count()).Msg("セッションを登録しました")
	return session, nil
}

// Get は識別子からセッションを取得する
func (r *Registry) Get(identity string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[identity]
	return s, ok
}

// Sessions は登録中の全セッションのコピーを返す
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Snapshots は全セッションの観測可能な状態を返す
func (r *Registry) Snapshots() []Snapshot {
	sessions := r.Sessions()

	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// Count は登録中のセッション数を返す
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Disconnect は識別子のセッションを閉じて台帳から削除する
// 存在しない識別子の場合はfalseを返す
func (r *Registry) Disconnect(identity string) bool {
	r.mu.Lock()
	session, ok := r.sessions[identity]
	if ok {
		delete(r.sessions, identity)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	if err := session.Close(); err != nil {
		r.log.Warn().Err(err).Str("device", identity).Msg("セッションのクローズに失敗")
	}
	r.log.Info().Str("device", identity).Msg("セッションを削除しました")
	return true
}

// DisconnectAll は全セッションを閉じて台帳を空にする
// 個別のクローズ失敗があっても全セッションの削除を続行する
func (r *Registry) DisconnectAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for identity, session := range sessions {
		if err := session.Close(); err != nil {
			r.log.Warn().Err(err).Str("device", identity).Msg("セッションのクローズに失敗")
		}
	}
	r.log.Info().Int("count", len(sessions)).Msg("全セッションを切断しました")
}

// HandleDetach は物理的に取り外されたデバイスのセッションを即座に無効化する
// 該当セッションが見つかった場合はtrueを返す
func (r *Registry) HandleDetach(raw RawDevice) bool {
	r.mu.Lock()
	var identity string
	var session *Session
	for id, s := range r.sessions {
		if s.Raw() == raw {
			identity = id
			session = s
			break
		}
	}
	if session != nil {
		delete(r.sessions, identity)
	}
	r.mu.Unlock()

	if session == nil {
		return false
	}

	session.Close()
	r.log.Warn().Str("device", identity).Msg("デバイスが取り外されました")
	return true
}
