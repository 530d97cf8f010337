package protocol

import (
	"errors"
	"fmt"
)

// デバイスが受け付けるコマンド名
// 許可リストに無いメソッドは1バイトも送信されずに拒否される
const (
	MethodGetStatus      = "get_status"
	MethodShoot          = "shoot"
	MethodGetAllSettings = "get_all_settings"
	MethodSetSetting     = "set_setting"
	MethodSwitchMode     = "switch_mode"
	MethodFocusAt        = "focus_at"
	MethodSleep          = "sleep"
	MethodPowerOff       = "power_off"
	MethodLastFilePath   = "get_last_filepath"
)

// デバイスが送出する非同期通知名
const (
	NotifyBatteryStatus  = "battery_status"
	NotifyModeChanged    = "mode_changed"
	NotifyStorageChanged = "storage_changed"
	NotifyFlush          = "flush"
)

// ErrInvalidCommand は許可リストに無いメソッドを送信しようとした場合のエラー
var ErrInvalidCommand = errors.New("許可されていないコマンドです")

// allowedMethods は送信可能なメソッドの許可リスト
var allowedMethods = map[string]struct{}{
	MethodGetStatus:      {},
	MethodShoot:          {},
	MethodGetAllSettings: {},
	MethodSetSetting:     {},
	MethodSwitchMode:     {},
	MethodFocusAt:        {},
	MethodSleep:          {},
	MethodPowerOff:       {},
	MethodLastFilePath:   {},
}

// knownNotifications は認識する通知名の一覧
var knownNotifications = map[string]struct{}{
	NotifyBatteryStatus:  {},
	NotifyModeChanged:    {},
	NotifyStorageChanged: {},
	NotifyFlush:          {},
}

// ControlMessage は1つの制御コマンドを表す
// Seqはセッションが送信時に採番する単調増加のシーケンス番号
type ControlMessage struct {
	Method string
	Params map[string]any
	Seq    uint64
}

// ValidateMethod はメソッド名が許可リストに含まれるか検証する
func ValidateMethod(method string) error {
	if _, ok := allowedMethods[method]; !ok {
		return fmt.Errorf("%w: %s", ErrInvalidCommand, method)
	}
	return nil
}

// IsKnownNotification は通知名が認識済みのものか判定する
func IsKnownNotification(name string) bool {
	_, ok := knownNotifications[name]
	return ok
}
