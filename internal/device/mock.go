package device

import (
	"context"
	"sync"
	"time"

	"hyakume/internal/protocol"
)

// FakeRawDevice はテスト用のRawDevice実装
type FakeRawDevice struct {
	Vendor  uint16
	Product uint16
	Serial  string

	// Transport はOpenが返すトランスポート（nilならFakeTransportを新規作成）
	Transport protocol.Transport

	// OpenErr が設定されているとOpenは常に失敗する
	OpenErr error

	// OpenDelay はOpenが結果を返すまでの遅延（オープン途中の観測テスト用）
	OpenDelay time.Duration

	mu        sync.Mutex
	openCount int
	closed    bool
}

// NewFakeRawDevice は対応ベンダーIDを持つフェイクデバイスを作成する
func NewFakeRawDevice(serial string) *FakeRawDevice {
	return &FakeRawDevice{
		Vendor:  KnownVendorID,
		Product: 0x0001,
		Serial:  serial,
	}
}

// VendorID はベンダーIDを返す
func (f *FakeRawDevice) VendorID() uint16 { return f.Vendor }

// ProductID はプロダクトIDを返す
func (f *FakeRawDevice) ProductID() uint16 { return f.Product }

// SerialNumber はシリアル番号を返す
func (f *FakeRawDevice) SerialNumber() string { return f.Serial }

// Open はフェイクのトランスポートを返す
func (f *FakeRawDevice) Open(ctx context.Context) (protocol.Transport, error) {
	if f.OpenDelay > 0 {
		select {
		case <-time.After(f.OpenDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.openCount++
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	if f.Transport == nil {
		f.Transport = protocol.NewFakeTransport()
	}
	return f.Transport, nil
}

// Close はハンドルを閉じたことを記録する
func (f *FakeRawDevice) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// OpenCount はOpenが呼ばれた回数を返す
func (f *FakeRawDevice) OpenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.openCount
}

// Closed はCloseが呼ばれたかを返す
func (f *FakeRawDevice) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
