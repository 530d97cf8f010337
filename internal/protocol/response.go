package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DeviceError はデバイスが返す明示的なエラー（コード+メッセージ）
// プロトコルエラーであり、接続状態には影響しない
type DeviceError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error はerrorインターフェースの実装
func (e *DeviceError) Error() string {
	return fmt.Sprintf("デバイスエラー %d: %s", e.Code, e.Message)
}

// ControlResponse はデバイスからの1レスポンスを表す
// Resultが成功結果、Errがデバイスエラー、Notificationが非同期通知名
type ControlResponse struct {
	Result       map[string]any `json:"result,omitempty"`
	Err          *DeviceError   `json:"error,omitempty"`
	Notification string         `json:"notification,omitempty"`
	Params       map[string]any `json:"params,omitempty"`
}

// IsNotification はこのレスポンスが非同期通知かどうかを返す
func (r *ControlResponse) IsNotification() bool {
	return r.Notification != ""
}

// DecodePayload は受信ペイロードをControlResponseにデコードする
// 末尾のNUL・空白を取り除いてからJSONとしてパースする
func DecodePayload(payload []byte) (*ControlResponse, error) {
	trimmed := bytes.TrimRight(payload, "\x00 \t\r\n")
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: ペイロードが空です", ErrMalformed)
	}

	var resp ControlResponse
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return nil, fmt.Errorf("%w: JSONのパースに失敗: %v", ErrMalformed, err)
	}

	return &resp, nil
}
