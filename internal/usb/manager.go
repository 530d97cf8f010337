package usb

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/gousb"
	"github.com/rs/zerolog"

	"hyakume/internal/device"
	"hyakume/internal/protocol"
)

// Manager はUSBコンテキストを保持してデバイスを列挙する
type Manager struct {
	log zerolog.Logger
	ctx *gousb.Context
}

// NewManager は新しいManagerを作成する
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		log: log.With().Str("component", "usb").Logger(),
		ctx: gousb.NewContext(),
	}
}

// ListDevices は対応ベンダーIDを持つデバイスを列挙してオープンする
// 返されたDeviceは使わない場合も呼び出し側がCloseすること
func (m *Manager) ListDevices() ([]*Device, error) {
	devs, err := m.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(device.KnownVendorID)
	})
	if err != nil {
		// 一部のデバイスのオープンに失敗しても列挙できた分は返る
		m.log.Warn().Err(err).Msg("一部のデバイスのオープンに失敗")
	}

	out := make([]*Device, 0, len(devs))
	for _, d := range devs {
		serial, serr := d.SerialNumber()
		if serr != nil {
			serial = ""
		}
		out = append(out, &Device{dev: d, desc: d.Desc, serial: serial})
	}
	return out, nil
}

// Close はUSBコンテキストを解放する
func (m *Manager) Close() error {
	return m.ctx.Close()
}

// Device は物理USBデバイスのハンドル
// device.RawDeviceを実装する
type Device struct {
	dev    *gousb.Device
	desc   *gousb.DeviceDesc
	serial string

	mu     sync.Mutex
	cfg    *gousb.Config
	intf   *gousb.Interface
	closed bool
}

// VendorID はUSBベンダーIDを返す
func (d *Device) VendorID() uint16 {
	return uint16(d.desc.Vendor)
}

// ProductID はUSBプロダクトIDを返す
func (d *Device) ProductID() uint16 {
	return uint16(d.desc.Product)
}

// SerialNumber はハードウェアシリアル番号を返す（取得できない場合は空文字）
func (d *Device) SerialNumber() string {
	return d.serial
}

// Key はバス番号とアドレスの組によるデバイスの識別キー
// シリアル番号が取れない個体でもバス上で一意になる
func (d *Device) Key() string {
	return fmt.Sprintf("%d:%d", d.desc.Bus, d.desc.Address)
}

// Open はインターフェースをクレームしてバルク転送のTransportを返す
func (d *Device) Open(ctx context.Context) (protocol.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.intf != nil {
		return nil, fmt.Errorf("インターフェースは既にクレームされています: %s", d.Key())
	}

	// カーネルドライバが掴んでいる場合は自動で外す
	if err := d.dev.SetAutoDetach(true); err != nil {
		return nil, fmt.Errorf("auto detachの設定に失敗: %w", err)
	}

	cfg, err := d.dev.Config(1)
	if err != nil {
		return nil, fmt.Errorf("コンフィグレーションの選択に失敗: %w", err)
	}

	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		return nil, fmt.Errorf("インターフェースのクレームに失敗: %w", err)
	}

	inNum, outNum, err := bulkEndpoints(intf.Setting)
	if err != nil {
		intf.Close()
		cfg.Close()
		return nil, err
	}

	in, err := intf.InEndpoint(inNum)
	if err != nil {
		intf.Close()
		cfg.Close()
		return nil, fmt.Errorf("INエンドポイントのオープンに失敗: %w", err)
	}
	out, err := intf.OutEndpoint(outNum)
	if err != nil {
		intf.Close()
		cfg.Close()
		return nil, fmt.Errorf("OUTエンドポイントのオープンに失敗: %w", err)
	}

	d.cfg = cfg
	d.intf = intf
	return &transport{in: in, out: out}, nil
}

// Close はインターフェースを解放してハンドルを閉じる
// 複数回呼んでも安全
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	if d.intf != nil {
		d.intf.Close()
		d.intf = nil
	}
	if d.cfg != nil {
		d.cfg.Close()
		d.cfg = nil
	}
	return d.dev.Close()
}

// bulkEndpoints はインターフェース設定からバルクのIN/OUTエンドポイント番号を探す
func bulkEndpoints(setting gousb.InterfaceSetting) (in, out int, err error) {
	in, out = -1, -1
	for _, ep := range setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch ep.Direction {
		case gousb.EndpointDirectionIn:
			if in < 0 {
				in = ep.Number
			}
		case gousb.EndpointDirectionOut:
			if out < 0 {
				out = ep.Number
			}
		}
	}

	if in < 0 || out < 0 {
		return 0, 0, fmt.Errorf("バルクエンドポイントが見つかりません (in=%d, out=%d)", in, out)
	}
	return in, out, nil
}

// transport はgousbのエンドポイントをprotocol.Transportに適合させる
type transport struct {
	in  *gousb.InEndpoint
	out *gousb.OutEndpoint
}

// BulkWrite はバルクOUT転送を行う
func (t *transport) BulkWrite(ctx context.Context, data []byte) (int, error) {
	n, err := t.out.WriteContext(ctx, data)
	return n, normalizeErr(err)
}

// BulkRead はバルクIN転送を行い、受信できたバイト列を返す
func (t *transport) BulkRead(ctx context.Context, maxSize int) ([]byte, error) {
	buf := make([]byte, maxSize)
	n, err := t.in.ReadContext(ctx, buf)
	if err != nil {
		return nil, normalizeErr(err)
	}
	return buf[:n], nil
}

// normalizeErr はgousbのタイムアウトをprotocol.ErrTimeoutに正規化する
func normalizeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gousb.TransferTimedOut) || errors.Is(err, gousb.ErrorTimeout) {
		return fmt.Errorf("%w: %v", protocol.ErrTimeout, err)
	}
	return err
}
