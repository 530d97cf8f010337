package protocol

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// ワイヤフォーマット定数
// 実機のファームウェアと一致している必要があるため、実行時に変更できない
const (
	// MaxPacketSize はデバイスのUSBバルク転送の最大パケットサイズ
	MaxPacketSize = 512

	// headerSize は制御フレームのヘッダー長（ペイロードはこのオフセットから始まる）
	headerSize = 32

	// sizeFieldOffset はヘッダー内のペイロード長フィールドの位置（リトルエンディアン2バイト）
	sizeFieldOffset = 8
)

var (
	// protocolMagic は制御フレーム先頭のマジックバイト列
	protocolMagic = []byte{0xA5, 0x5A, 0x49, 0x4D, 0x47, 0x51, 0x01, 0x00}

	// handshakeSignature はデバイスが送出するmetadata-initシグネチャ
	handshakeSignature = []byte{
		0xFC, 0xFC, 'M', 'E', 'T', 'A', '-', 'I',
		'N', 'I', 'T', 0x00, 0x00, 0x00, 0x00, 0x00,
	}

	// handshakeResponse はホストが返すmetadata-init-responseシグネチャ
	handshakeResponse = []byte{
		0xFC, 0xFD, 'M', 'E', 'T', 'A', '-', 'A',
		'C', 'K', 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}

	// liveFrameMarker はライブビューチャンク先頭のメタデータマーカー
	liveFrameMarker = []byte{0xFC, 0xFE, 'L', 'V'}

	// jpegSOI / jpegEOI はJPEG画像の開始・終了マーカー
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// liveFrameHeaderSize はライブビューメタデータブロックの固定長
const liveFrameHeaderSize = 32

var (
	// ErrMalformed はデバイスから受信したバイト列が不正だった場合のエラー
	// 復旧可能：呼び出し側は再試行してよい
	ErrMalformed = errors.New("不正なフレームを受信しました")

	// ErrTimeout はデバイスが制限時間内に応答しなかった場合のエラー
	// 復旧可能：接続状態は変更されない
	ErrTimeout = errors.New("デバイスの応答がタイムアウトしました")

	// ErrNotificationFlood は通知の読み直し回数が上限を超えた場合のエラー
	ErrNotificationFlood = errors.New("非同期通知の読み直し回数が上限を超えました")
)

// Transport はUSBバルク転送の読み書き境界を表す
// 実装はinternal/usbのgousbバックエンド、テストではフェイクを使う
type Transport interface {
	// BulkWrite はバイト列をデバイスへ書き込む
	BulkWrite(ctx context.Context, data []byte) (int, error)

	// BulkRead は最大maxSizeバイトのチャンクをデバイスから読み込む
	BulkRead(ctx context.Context, maxSize int) ([]byte, error)
}

// wireRequest はペイロードJSONの送信側の形
type wireRequest struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
	Seq    uint64         `json:"seq"`
}

// EncodeCommand は制御メッセージをワイヤフレームにエンコードする
// 長さフィールドは必ず実際にシリアライズされたペイロード長から計算する
func EncodeCommand(msg ControlMessage) ([]byte, error) {
	payload, err := json.Marshal(wireRequest{
		Method: msg.Method,
		Params: msg.Params,
		Seq:    msg.Seq,
	})
	if err != nil {
		return nil, fmt.Errorf("ペイロードのシリアライズに失敗: %w", err)
	}

	// NUL終端を付与
	payload = append(payload, 0x00)

	if len(payload) > 0xFFFF {
		return nil, fmt.Errorf("ペイロードが大きすぎます: %dバイト", len(payload))
	}

	frame := make([]byte, headerSize+len(payload))
	copy(frame, protocolMagic)
	binary.LittleEndian.PutUint16(frame[sizeFieldOffset:sizeFieldOffset+2], uint16(len(payload)))
	copy(frame[headerSize:], payload)

	return frame, nil
}

// ParseResponseHeader はレスポンス先頭チャンクからペイロード宣言長と
// 最初のペイロード断片を取り出す
func ParseResponseHeader(chunk []byte) (declared int, first []byte, err error) {
	if len(chunk) < headerSize {
		return 0, nil, fmt.Errorf("%w: ヘッダーが短すぎます (%dバイト)", ErrMalformed, len(chunk))
	}

	if !IsControlFrame(chunk) {
		return 0, nil, fmt.Errorf("%w: プロトコルマジックが一致しません", ErrMalformed)
	}

	declared = int(binary.LittleEndian.Uint16(chunk[sizeFieldOffset : sizeFieldOffset+2]))
	if declared == 0 {
		return 0, nil, fmt.Errorf("%w: ペイロード長フィールドが0です", ErrMalformed)
	}

	return declared, chunk[headerSize:], nil
}

// IsControlFrame はチャンクが制御フレームのマジックで始まるかを判定する
// ライブビュー中に1本のストリームへ混在する制御フレームと
// フレームデータの振り分けに使う
func IsControlFrame(chunk []byte) bool {
	if len(chunk) < len(protocolMagic) {
		return false
	}
	for i, b := range protocolMagic {
		if chunk[i] != b {
			return false
		}
	}
	return true
}

// IsHandshakeSignature はチャンクがmetadata-initシグネチャかどうかを判定する
func IsHandshakeSignature(chunk []byte) bool {
	if len(chunk) != len(handshakeSignature) {
		return false
	}
	for i, b := range handshakeSignature {
		if chunk[i] != b {
			return false
		}
	}
	return true
}

// HandshakeSignature はテスト・ドレイン用にシグネチャのコピーを返す
func HandshakeSignature() []byte {
	out := make([]byte, len(handshakeSignature))
	copy(out, handshakeSignature)
	return out
}

// HandshakeResponse はハンドシェイク応答シグネチャのコピーを返す
func HandshakeResponse() []byte {
	out := make([]byte, len(handshakeResponse))
	copy(out, handshakeResponse)
	return out
}

// LiveFrameMarker はライブビューメタデータマーカーのコピーを返す
func LiveFrameMarker() []byte {
	out := make([]byte, len(liveFrameMarker))
	copy(out, liveFrameMarker)
	return out
}
