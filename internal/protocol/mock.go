package protocol

import (
	"context"
	"encoding/binary"
	"sync"
)

// FakeTransport はテスト用のTransport実装
// 事前に積んだチャンクを順番に返し、書き込みを記録する
type FakeTransport struct {
	mu     sync.Mutex
	reads  [][]byte
	writes [][]byte

	// ReadErr はキューが空になった後にBulkReadが返すエラー（デフォルトはErrTimeout）
	ReadErr error
	// WriteErr が設定されている場合、BulkWriteは常に失敗する
	WriteErr error
}

// NewFakeTransport は新しいFakeTransportを作成する
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{}
}

// QueueRead は読み取りキューにチャンクを追加する
func (f *FakeTransport) QueueRead(chunk []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := make([]byte, len(chunk))
	copy(c, chunk)
	f.reads = append(f.reads, c)
}

// QueueJSONResponse はJSONペイロードを制御フレームに包んでキューに追加する
// ペイロードにはNUL終端が付与される
func (f *FakeTransport) QueueJSONResponse(payload string) {
	body := append([]byte(payload), 0x00)
	chunk := make([]byte, headerSize+len(body))
	copy(chunk, protocolMagic)
	binary.LittleEndian.PutUint16(chunk[sizeFieldOffset:sizeFieldOffset+2], uint16(len(body)))
	copy(chunk[headerSize:], body)
	f.QueueRead(chunk)
}

// QueueHandshake はmetadata-initシグネチャをキューに追加する
func (f *FakeTransport) QueueHandshake() {
	f.QueueRead(HandshakeSignature())
}

// BulkRead はキューの先頭チャンクを返す
func (f *FakeTransport) BulkRead(_ context.Context, _ int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.reads) == 0 {
		if f.ReadErr != nil {
			return nil, f.ReadErr
		}
		return nil, ErrTimeout
	}

	chunk := f.reads[0]
	f.reads = f.reads[1:]
	return chunk, nil
}

// BulkWrite は書き込みを記録する
func (f *FakeTransport) BulkWrite(_ context.Context, data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.WriteErr != nil {
		return 0, f.WriteErr
	}

	c := make([]byte, len(data))
	copy(c, data)
	f.writes = append(f.writes, c)
	return len(data), nil
}

// Writes は記録された書き込みのコピーを返す
func (f *FakeTransport) Writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([][]byte, len(f.writes))
	for i, w := range f.writes {
		c := make([]byte, len(w))
		copy(c, w)
		out[i] = c
	}
	return out
}

// WriteCount は書き込み回数を返す
func (f *FakeTransport) WriteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}
