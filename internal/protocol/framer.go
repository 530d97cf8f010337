package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
)

// maxNotificationRetries は1回の読み取り中に透過的に読み直す通知の上限
// 再帰ではなく有限ループで処理し、通知の洪水によるスタック成長を防ぐ
const maxNotificationRetries = 8

// maxDrainReads はオープン時の残留バイト読み捨ての上限回数
const maxDrainReads = 16

// maxPendingResponses はライブビュー中に取り置ける制御レスポンスの上限
// 超過した場合は古いものから捨てる
const maxPendingResponses = 8

// maxStreamDiverts は1回のReadResponse中に横流しできるライブチャンクの上限
const maxStreamDiverts = 64

// Framer は1つのTransportの上でフレームの組み立て・分解を行う
// 内部バッファを持つため、並行呼び出しには対応しない
// （呼び出し側が読み取りを直列化する）
//
// ライブビュー中は制御フレームとフレームデータが1本のストリームに混在する。
// どちらの読み取り経路もプロトコルマジックでチャンクを振り分け、
// 自分宛てでないデータを相手の経路へ引き渡す
type Framer struct {
	t Transport

	// ライブフレーム抽出用の持ち越しバッファ
	liveBuf bytes.Buffer

	// liveActive はライブビューの振り分けが有効かどうか
	liveActive bool

	// pending はライブビューの読み取り中に現れた制御レスポンスの取り置き
	pending []*ControlResponse
}

// NewFramer は新しいFramerを作成する
func NewFramer(t Transport) *Framer {
	return &Framer{t: t}
}

// WriteCommand は制御メッセージをエンコードして書き込む
func (f *Framer) WriteCommand(ctx context.Context, msg ControlMessage) error {
	frame, err := EncodeCommand(msg)
	if err != nil {
		return err
	}

	if _, err := f.t.BulkWrite(ctx, frame); err != nil {
		return fmt.Errorf("コマンドの書き込みに失敗: %w", err)
	}

	return nil
}

// readChunk はハンドシェイクシグネチャを透過的に吸収しながら1チャンク読み込む
// シグネチャを受け取った場合は即座に応答シグネチャを返してから次を読む
func (f *Framer) readChunk(ctx context.Context) ([]byte, error) {
	for {
		chunk, err := f.t.BulkRead(ctx, MaxPacketSize)
		if err != nil {
			return nil, err
		}

		if !IsHandshakeSignature(chunk) {
			return chunk, nil
		}

		// metadata-initには他の処理に優先して即応答する
		if _, err := f.t.BulkWrite(ctx, HandshakeResponse()); err != nil {
			return nil, fmt.Errorf("ハンドシェイク応答の書き込みに失敗: %w", err)
		}
	}
}

// ReadResponse は制御レスポンスを1件読み取る
// ライブビューの読み取りが取り置いたレスポンスがあればそれを先に返す
// ライブビュー中に混在するフレームデータはライブバッファへ横流しする
// 非同期通知は返さずに読み直し、上限を超えた場合はエラーを返す
func (f *Framer) ReadResponse(ctx context.Context) (*ControlResponse, error) {
	notifications := 0
	diverts := 0

	for {
		var resp *ControlResponse

		if len(f.pending) > 0 {
			resp = f.pending[0]
			f.pending = f.pending[1:]
		} else {
			chunk, err := f.readChunk(ctx)
			if err != nil {
				return nil, err
			}

			if f.liveActive && !IsControlFrame(chunk) {
				// フレームデータが割り込んだ：ライブ側へ渡して読み直す
				f.absorbLiveChunk(chunk)
				diverts++
				if diverts > maxStreamDiverts {
					return nil, fmt.Errorf("%w: フレームデータに埋もれてレスポンスが届きません", ErrTimeout)
				}
				continue
			}

			resp, err = f.readControlFrame(ctx, chunk)
			if err != nil {
				return nil, err
			}
		}

		if !resp.IsNotification() {
			return resp, nil
		}
		// 通知は現在のリクエストへの答えではないため読み直す
		notifications++
		if notifications > maxNotificationRetries {
			return nil, ErrNotificationFlood
		}
	}
}

// readControlFrame は先頭チャンクから制御レスポンス1件を完全に読み取る
func (f *Framer) readControlFrame(ctx context.Context, chunk []byte) (*ControlResponse, error) {
	declared, payload, err := ParseResponseHeader(chunk)
	if err != nil {
		return nil, err
	}

	// 宣言長に達するまで後続チャンクを読み足す
	buf := make([]byte, 0, declared)
	buf = append(buf, payload...)
	for len(buf) < declared {
		next, err := f.readChunk(ctx)
		if err != nil {
			return nil, fmt.Errorf("ペイロード継続の読み取りに失敗: %w", err)
		}
		buf = append(buf, next...)
	}
	buf = buf[:declared]

	return DecodePayload(buf)
}

// ReadLiveFrame はライブビューのストリームから完全なJPEGフレームを1枚取り出す
// 開始マーカーより前のバイトはプロトコルノイズとして破棄する
// 混在した制御フレームは消費せず、次のReadResponseのために取り置く
func (f *Framer) ReadLiveFrame(ctx context.Context) ([]byte, error) {
	for {
		// バッファ内に完全なフレームがあるか確認する
		if frame, ok := f.extractFrame(); ok {
			return frame, nil
		}

		chunk, err := f.readChunk(ctx)
		if err != nil {
			return nil, err
		}

		if IsControlFrame(chunk) {
			// 制御レスポンスが割り込んだ：フレームデータとして食わずに取り置く
			resp, derr := f.readControlFrame(ctx, chunk)
			if derr != nil {
				if errors.Is(derr, ErrMalformed) {
					continue // 壊れた制御フレームは読み捨てる
				}
				return nil, derr
			}
			f.pending = append(f.pending, resp)
			if len(f.pending) > maxPendingResponses {
				f.pending = f.pending[1:]
			}
			continue
		}

		f.absorbLiveChunk(chunk)
	}
}

// absorbLiveChunk はライブチャンクを持ち越しバッファへ取り込む
// メタデータマーカーで始まるチャンクは固定長ヘッダーを読み飛ばす
func (f *Framer) absorbLiveChunk(chunk []byte) {
	if bytes.HasPrefix(chunk, liveFrameMarker) {
		if len(chunk) <= liveFrameHeaderSize {
			return
		}
		chunk = chunk[liveFrameHeaderSize:]
	}
	f.liveBuf.Write(chunk)
}

// extractFrame はバッファからSOI〜EOIのフレームを切り出す
// EOIより前にSOIが無い場合はノイズとしてEOIまでを捨てる
func (f *Framer) extractFrame() ([]byte, bool) {
	for {
		data := f.liveBuf.Bytes()

		endIdx := bytes.Index(data, jpegEOI)
		if endIdx == -1 {
			return nil, false
		}

		startIdx := bytes.Index(data, jpegSOI)
		if startIdx == -1 || startIdx > endIdx {
			// 終了マーカーまでがノイズ：捨てて探し直す
			remaining := data[endIdx+len(jpegEOI):]
			f.resetLiveBuf(remaining)
			continue
		}

		// SOIからEOIまで（両マーカーを含む）がフレーム
		end := endIdx + len(jpegEOI)
		frame := make([]byte, end-startIdx)
		copy(frame, data[startIdx:end])

		remaining := data[end:]
		f.resetLiveBuf(remaining)
		return frame, true
	}
}

// resetLiveBuf はバッファを残りデータで置き換える
func (f *Framer) resetLiveBuf(remaining []byte) {
	keep := make([]byte, len(remaining))
	copy(keep, remaining)
	f.liveBuf.Reset()
	f.liveBuf.Write(keep)
}

// BeginLiveStream はライブビューの振り分けを有効にする
// 前回のストリーミングの残骸が混ざらないよう持ち越しバッファも破棄する
func (f *Framer) BeginLiveStream() {
	f.liveActive = true
	f.liveBuf.Reset()
}

// EndLiveStream はライブビューの振り分けを無効にして持ち越しバッファを破棄する
func (f *Framer) EndLiveStream() {
	f.liveActive = false
	f.liveBuf.Reset()
}

// OpenExchange はオープン直後の初期ハンドシェイクと残留バイトのドレインを行う
// デバイスが何も送ってこない場合（タイムアウト）は正常として扱う
func (f *Framer) OpenExchange(ctx context.Context) error {
	for i := 0; i < maxDrainReads; i++ {
		chunk, err := f.t.BulkRead(ctx, MaxPacketSize)
		if err != nil {
			if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				return nil // 読み尽くした
			}
			return fmt.Errorf("初期ドレインの読み取りに失敗: %w", err)
		}

		if IsHandshakeSignature(chunk) {
			if _, err := f.t.BulkWrite(ctx, HandshakeResponse()); err != nil {
				return fmt.Errorf("初期ハンドシェイク応答の書き込みに失敗: %w", err)
			}
			continue
		}
		// 残留バイトは読み捨てる
	}

	return nil
}
