package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"hyakume/internal/device"
	"hyakume/internal/protocol"
)

// fakeTarget はテスト用のTarget実装
type fakeTarget struct {
	identity string
	state    device.ConnectionState

	// timestamp は撮影結果に載せる送出時刻
	timestamp time.Time
	filepath  string
	err       error
	delay     time.Duration

	mu    sync.Mutex
	calls []time.Time
}

func (f *fakeTarget) Identity() string { return f.identity }

func (f *fakeTarget) State() device.ConnectionState { return f.state }

func (f *fakeTarget) CaptureOnce(ctx context.Context) (device.CaptureResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, time.Now())
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	res := device.CaptureResult{Timestamp: f.timestamp}
	if f.err != nil {
		return res, f.err
	}
	if f.filepath != "" {
		res.Response = &protocol.ControlResponse{Result: map[string]any{"filepath": f.filepath}}
	}
	return res, nil
}

func (f *fakeTarget) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newConnectedTarget(identity string, ts time.Time) *fakeTarget {
	return &fakeTarget{identity: identity, state: device.StateConnected, timestamp: ts}
}

func TestCoordinator_Capture_SyncVariance(t *testing.T) {
	base := time.Now()

	// 3台成功（送出時刻 T, T+12ms, T+35ms）、1台タイムアウト
	targets := []Target{
		newConnectedTarget("cam-a", base),
		newConnectedTarget("cam-b", base.Add(12*time.Millisecond)),
		newConnectedTarget("cam-c", base.Add(35*time.Millisecond)),
		&fakeTarget{
			identity:  "cam-d",
			state:     device.StateConnected,
			timestamp: base.Add(5 * time.Millisecond),
			err:       errors.New("タイムアウト"),
		},
	}

	c := NewCoordinator(zerolog.Nop(), nil)
	result, err := c.Capture(context.Background(), targets, ModeParallel)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	// 同期偏差は成功3台の最大と最小の差（35ms）：失敗デバイスの時刻は含まれない
	if result.SyncVariance != 35*time.Millisecond {
		t.Errorf("sync variance = %v, want 35ms", result.SyncVariance)
	}
	if result.AllSucceeded {
		t.Error("AllSucceeded should be false with one failure")
	}
	if result.TotalDevices != 4 {
		t.Errorf("total devices = %d, want 4", result.TotalDevices)
	}
	if len(result.Outcomes) != 4 {
		t.Fatalf("len(outcomes) = %d, want 4", len(result.Outcomes))
	}

	succeeded, failed := 0, 0
	for _, o := range result.Outcomes {
		if o.Success {
			succeeded++
		} else {
			failed++
			// 失敗デバイスの識別子はエラー付きでのみ現れる
			if o.Identity != "cam-d" || o.Error == "" {
				t.Errorf("unexpected failed outcome: %+v", o)
			}
		}
	}
	if succeeded != 3 || failed != 1 {
		t.Errorf("succeeded=%d failed=%d, want 3/1", succeeded, failed)
	}
}

func TestCoordinator_Capture_AllSucceeded(t *testing.T) {
	base := time.Now()
	targets := []Target{
		newConnectedTarget("cam-a", base),
		newConnectedTarget("cam-b", base.Add(3*time.Millisecond)),
	}

	c := NewCoordinator(zerolog.Nop(), nil)
	result, err := c.Capture(context.Background(), targets, ModeParallel)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	if !result.AllSucceeded {
		t.Error("AllSucceeded should be true")
	}
	if result.SyncVariance != 3*time.Millisecond {
		t.Errorf("sync variance = %v, want 3ms", result.SyncVariance)
	}
}

func TestCoordinator_Capture_SingleSuccessZeroVariance(t *testing.T) {
	c := NewCoordinator(zerolog.Nop(), nil)
	result, err := c.Capture(context.Background(), []Target{
		newConnectedTarget("cam-a", time.Now()),
	}, ModeParallel)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	// 成功が2台未満なら偏差は0
	if result.SyncVariance != 0 {
		t.Errorf("sync variance = %v, want 0", result.SyncVariance)
	}
	if !result.AllSucceeded {
		t.Error("AllSucceeded should be true")
	}
}

func TestCoordinator_Capture_FailureDoesNotShortCircuit(t *testing.T) {
	base := time.Now()
	failing := &fakeTarget{
		identity:  "cam-bad",
		state:     device.StateConnected,
		timestamp: base,
		err:       errors.New("endpoint stalled"),
	}
	ok1 := newConnectedTarget("cam-a", base)
	ok2 := newConnectedTarget("cam-b", base)

	c := NewCoordinator(zerolog.Nop(), nil)
	result, err := c.Capture(context.Background(), []Target{failing, ok1, ok2}, ModeParallel)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	// 失敗があっても全デバイスが撮影を試行する
	for _, target := range []*fakeTarget{failing, ok1, ok2} {
		if target.callCount() != 1 {
			t.Errorf("%s captured %d times, want 1", target.identity, target.callCount())
		}
	}
	if result.Outcomes[1].Success != true || result.Outcomes[2].Success != true {
		t.Error("healthy devices should have succeeded")
	}
}

func TestCoordinator_Capture_SequentialOrder(t *testing.T) {
	base := time.Now()
	a := newConnectedTarget("cam-a", base)
	a.delay = 20 * time.Millisecond
	b := newConnectedTarget("cam-b", base)
	c2 := newConnectedTarget("cam-c", base)

	c := NewCoordinator(zerolog.Nop(), nil)
	result, err := c.Capture(context.Background(), []Target{a, b, c2}, ModeSequential)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	// 結果の順序は投入順を保つ
	wantOrder := []string{"cam-a", "cam-b", "cam-c"}
	for i, o := range result.Outcomes {
		if o.Identity != wantOrder[i] {
			t.Errorf("outcome %d = %s, want %s", i, o.Identity, wantOrder[i])
		}
	}

	// 逐次モードでは前のデバイスの完了後に次が始まる
	if !a.calls[0].Before(b.calls[0]) || !b.calls[0].Before(c2.calls[0]) {
		t.Error("sequential captures ran out of order")
	}
	if b.calls[0].Sub(a.calls[0]) < a.delay {
		t.Error("cam-b started before cam-a finished")
	}
}

func TestCoordinator_Capture_SkipsDisconnected(t *testing.T) {
	base := time.Now()
	connected := newConnectedTarget("cam-a", base)
	down := &fakeTarget{identity: "cam-down", state: device.StateDisconnected}

	c := NewCoordinator(zerolog.Nop(), nil)
	result, err := c.Capture(context.Background(), []Target{connected, down}, ModeParallel)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	// 未接続デバイスは撮影対象から外れる
	if down.callCount() != 0 {
		t.Errorf("disconnected device was captured %d times", down.callCount())
	}
	if len(result.Outcomes) != 1 {
		t.Fatalf("len(outcomes) = %d, want 1", len(result.Outcomes))
	}

	// スキップされた分があるのでAllSucceededはfalse
	if result.AllSucceeded {
		t.Error("AllSucceeded should be false when a device was skipped")
	}
	if result.TotalDevices != 2 {
		t.Errorf("total devices = %d, want 2", result.TotalDevices)
	}
}

func TestCoordinator_Capture_NoReadyDevices(t *testing.T) {
	c := NewCoordinator(zerolog.Nop(), nil)

	// 撮影可能なデバイスが無くてもエラーにはならず、検査可能な結果が返る
	result, err := c.Capture(context.Background(), []Target{
		&fakeTarget{identity: "cam-down", state: device.StateDisconnected},
	}, ModeParallel)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if result.TotalDevices != 1 {
		t.Errorf("total devices = %d, want 1", result.TotalDevices)
	}
	if len(result.Outcomes) != 0 {
		t.Errorf("len(outcomes) = %d, want 0", len(result.Outcomes))
	}
	if result.AllSucceeded {
		t.Error("AllSucceeded should be false with no ready devices")
	}
	if result.Message == "" {
		t.Error("message should describe the no-device condition")
	}

	// 入力が空でも同じ形
	result, err = c.Capture(context.Background(), nil, ModeParallel)
	if err != nil {
		t.Fatalf("Capture failed for empty input: %v", err)
	}
	if result.TotalDevices != 0 || len(result.Outcomes) != 0 || result.AllSucceeded {
		t.Errorf("unexpected empty-input result: %+v", result)
	}
}

func TestCoordinator_Capture_InvalidMode(t *testing.T) {
	c := NewCoordinator(zerolog.Nop(), nil)

	_, err := c.Capture(context.Background(), []Target{
		newConnectedTarget("cam-a", time.Now()),
	}, Mode("burst"))
	if err == nil {
		t.Error("invalid mode should be rejected")
	}
}

func TestCoordinator_Last(t *testing.T) {
	c := NewCoordinator(zerolog.Nop(), nil)

	// 撮影前はnil
	if c.Last() != nil {
		t.Error("Last should be nil before any capture")
	}

	result, err := c.Capture(context.Background(), []Target{
		newConnectedTarget("cam-a", time.Now()),
	}, ModeSequential)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	if c.Last() != result {
		t.Error("Last should return the most recent result")
	}
}
