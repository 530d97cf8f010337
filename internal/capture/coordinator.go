package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"hyakume/internal/device"
	"hyakume/internal/metrics"
)

// Mode は一斉撮影の実行方式
type Mode string

const (
	// ModeParallel は全デバイスへ同時にコマンドを送出する
	ModeParallel Mode = "parallel"
	// ModeSequential はデバイスを1台ずつ順番に撮影する
	ModeSequential Mode = "sequential"
)

// Target は撮影対象のセッション
// 本番では*device.Session、テストではフェイクを使う
type Target interface {
	Identity() string
	State() device.ConnectionState
	CaptureOnce(ctx context.Context) (device.CaptureResult, error)
}

// Outcome は1デバイス分の撮影結果
type Outcome struct {
	Identity  string        `json:"identity"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
	Elapsed   time.Duration `json:"elapsed_ns"`
	Filepath  string        `json:"filepath,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// SessionResult は一斉撮影1回の結果
type SessionResult struct {
	Mode         Mode          `json:"mode"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration_ns"`
	TotalDevices int           `json:"total_devices"`
	Outcomes     []Outcome     `json:"outcomes"`
	SyncVariance time.Duration `json:"sync_variance_ns"`
	AllSucceeded bool          `json:"all_succeeded"`
	Message      string        `json:"message"`
}

// Coordinator は一斉撮影の調停役
type Coordinator struct {
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu   sync.RWMutex
	last *SessionResult
}

// NewCoordinator は新しいCoordinatorを作成する
// metricsはnilでもよい
func NewCoordinator(log zerolog.Logger, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		log:     log.With().Str("component", "capture").Logger(),
		metrics: m,
	}
}

// Capture は撮影可能なデバイス全てに撮影コマンドを発行する
// 並列モードでは1台の失敗が他のデバイスを中断しない
// 結果の順序はtargetsの投入順を保つ
func (c *Coordinator) Capture(ctx context.Context, targets []Target, mode Mode) (*SessionResult, error) {
	if mode != ModeParallel && mode != ModeSequential {
		return nil, fmt.Errorf("不正な撮影モードです: %s", mode)
	}

	ready := make([]Target, 0, len(targets))
	for _, t := range targets {
		if t.State() == device.StateConnected {
			ready = append(ready, t)
		}
	}

	// 撮影可能なデバイスが無くてもエラーにはせず、
	// 部分失敗と同じ形で検査できる結果を返す
	if len(ready) == 0 {
		result := &SessionResult{
			Mode:         mode,
			StartedAt:    time.Now(),
			TotalDevices: len(targets),
			Outcomes:     []Outcome{},
			AllSucceeded: false,
			Message:      "撮影可能なデバイスがありません",
		}
		c.mu.Lock()
		c.last = result
		c.mu.Unlock()
		return result, nil
	}

	started := time.Now()
	outcomes := make([]Outcome, len(ready))

	switch mode {
	case ModeParallel:
		var wg sync.WaitGroup
		for i, t := range ready {
			wg.Add(1)
			go func(i int, t Target) {
				defer wg.Done()
				outcomes[i] = c.captureOne(ctx, t)
			}(i, t)
		}
		wg.Wait()
	case ModeSequential:
		for i, t := range ready {
			outcomes[i] = c.captureOne(ctx, t)
		}
	}

	result := &SessionResult{
		Mode:         mode,
		StartedAt:    started,
		Duration:     time.Since(started),
		TotalDevices: len(targets),
		Outcomes:     outcomes,
		SyncVariance: syncVariance(outcomes),
	}

	failures := 0
	for _, o := range outcomes {
		if !o.Success {
			failures++
		}
	}
	// 撮影できなかったデバイス（未接続でスキップされた分）も失敗扱いにする
	result.AllSucceeded = failures == 0 && len(outcomes) == result.TotalDevices
	result.Message = fmt.Sprintf("%d/%d台の撮影に成功", len(outcomes)-failures, result.TotalDevices)

	c.metrics.ObserveCaptureSession(result.Duration, result.SyncVariance)

	c.mu.Lock()
	c.last = result
	c.mu.Unlock()

	c.log.Info().
		Str("mode", string(mode)).
		Int("total", result.TotalDevices).
		Int("failures", failures).
		Dur("sync_variance", result.SyncVariance).
		Msg("一斉撮影が完了しました")

	return result, nil
}

// Last は直近の撮影セッション結果を返す
// まだ一度も撮影していない場合はnil
func (c *Coordinator) Last() *SessionResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// captureOne は1デバイス分の撮影を実行して結果に変換する
func (c *Coordinator) captureOne(ctx context.Context, t Target) Outcome {
	res, err := t.CaptureOnce(ctx)

	outcome := Outcome{
		Identity:  t.Identity(),
		Timestamp: res.Timestamp,
		Elapsed:   res.Elapsed,
	}
	if err != nil {
		outcome.Error = err.Error()
		c.metrics.ObserveCapture(false)
		c.log.Warn().Err(err).Str("device", t.Identity()).Msg("撮影に失敗")
		return outcome
	}

	outcome.Success = true
	if res.Response != nil && res.Response.Result != nil {
		if fp, ok := res.Response.Result["filepath"].(string); ok {
			outcome.Filepath = fp
		}
	}
	c.metrics.ObserveCapture(true)
	return outcome
}

// syncVariance は成功したデバイスの送出時刻の最大と最小の差を返す
// 成功が2台未満の場合は0
func syncVariance(outcomes []Outcome) time.Duration {
	var earliest, latest time.Time
	successes := 0

	for _, o := range outcomes {
		if !o.Success {
			continue
		}
		if successes == 0 || o.Timestamp.Before(earliest) {
			earliest = o.Timestamp
		}
		if successes == 0 || o.Timestamp.After(latest) {
			latest = o.Timestamp
		}
		successes++
	}

	if successes < 2 {
		return 0
	}
	return latest.Sub(earliest)
}
