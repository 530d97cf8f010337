package device

import (
	"context"
	"errors"
	"time"

	"hyakume/internal/protocol"
)

// ConnectionState はセッションの接続状態を表す
type ConnectionState string

const (
	// StateDisconnected は未接続（または切断済み）を表す
	StateDisconnected ConnectionState = "disconnected"
	// StateInitializing はオープン処理中を表す
	StateInitializing ConnectionState = "initializing"
	// StateConnected は接続完了を表す
	StateConnected ConnectionState = "connected"
	// StateError はオープン失敗などの異常状態を表す
	StateError ConnectionState = "error"
)

// KnownVendorID は対応デバイスのUSBベンダーID
const KnownVendorID uint16 = 0x4A71

// MaxSessions は同時にオープンできるセッション数の上限
const MaxSessions = 4

var (
	// ErrNotConnected は未接続のセッションへの操作を表す
	ErrNotConnected = errors.New("デバイスが接続されていません")

	// ErrAlreadyOpened はオープン済みセッションへの再オープンを表す
	ErrAlreadyOpened = errors.New("セッションは既にオープンされています")

	// ErrTooManySessions は同時オープン数の上限超過を表す
	ErrTooManySessions = errors.New("同時接続数が上限に達しています")

	// ErrWrongVendor は対応外ベンダーのデバイスを表す
	ErrWrongVendor = errors.New("対応していないベンダーIDです")

	// ErrDuplicateIdentity は同一識別子のセッションが既に存在することを表す
	ErrDuplicateIdentity = errors.New("同じ識別子のセッションが既に存在します")
)

// RawDevice はUSBデバイスハンドルの境界インターフェース
// 実装はinternal/usb、テストではフェイクを使う
type RawDevice interface {
	// VendorID はUSBベンダーIDを返す
	VendorID() uint16

	// ProductID はUSBプロダクトIDを返す
	ProductID() uint16

	// SerialNumber はハードウェアシリアル番号を返す（取得できない場合は空文字）
	SerialNumber() string

	// Open は制御・データインターフェースをクレームしてTransportを返す
	Open(ctx context.Context) (protocol.Transport, error)

	// Close はインターフェースを解放してハンドルを閉じる
	Close() error
}

// CaptureResult は1回の撮影コマンドの結果
// Timestampはコマンド送出直前の時刻（モノトニッククロック）で、
// 複数デバイスの撮影タイミング比較に使う
type CaptureResult struct {
	Timestamp time.Time
	Elapsed   time.Duration
	Response  *protocol.ControlResponse
}

// Snapshot はセッションの観測可能な状態のコピー
type Snapshot struct {
	Identity     string          `json:"identity"`
	State        ConnectionState `json:"state"`
	ProductID    uint16          `json:"product_id"`
	Serial       string          `json:"serial,omitempty"`
	BatteryLevel int             `json:"battery_level"`
	Mode         string          `json:"mode,omitempty"`
	Streaming    bool            `json:"streaming"`
}
