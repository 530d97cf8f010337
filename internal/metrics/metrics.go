// Package metrics はPrometheus形式のメトリクスを提供する
//
// Metricsのメソッドはnilレシーバでも安全に呼べるため、
// メトリクスを使わない構成やテストではnilを渡せばよい
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics は撮影・ストリーミング関連のメトリクス一式
type Metrics struct {
	capturesTotal   *prometheus.CounterVec
	captureDuration prometheus.Histogram
	syncVariance    prometheus.Histogram
	framesStreamed  *prometheus.CounterVec
	openSessions    prometheus.Gauge
	commandErrors   *prometheus.CounterVec
}

// New はメトリクスを作成してregistererに登録する
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		capturesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hyakume",
			Name:      "captures_total",
			Help:      "撮影コマンドの発行回数（結果別）",
		}, []string{"result"}),
		captureDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hyakume",
			Name:      "capture_duration_seconds",
			Help:      "一斉撮影1回の所要時間",
			Buckets:   prometheus.DefBuckets,
		}),
		syncVariance: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hyakume",
			Name:      "capture_sync_variance_seconds",
			Help:      "一斉撮影でのデバイス間タイミングのばらつき",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		framesStreamed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hyakume",
			Name:      "live_frames_total",
			Help:      "配信したライブビューフレーム数",
		}, []string{"device"}),
		openSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hyakume",
			Name:      "open_sessions",
			Help:      "接続中のデバイスセッション数",
		}),
		commandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hyakume",
			Name:      "command_errors_total",
			Help:      "コマンド実行エラー数（種別別）",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.capturesTotal,
		m.captureDuration,
		m.syncVariance,
		m.framesStreamed,
		m.openSessions,
		m.commandErrors,
	)
	return m
}

// ObserveCapture は1デバイス分の撮影結果を記録する
func (m *Metrics) ObserveCapture(success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.capturesTotal.WithLabelValues(result).Inc()
}

// ObserveCaptureSession は一斉撮影全体の所要時間とばらつきを記録する
func (m *Metrics) ObserveCaptureSession(duration, variance time.Duration) {
	if m == nil {
		return
	}
	m.captureDuration.Observe(duration.Seconds())
	m.syncVariance.Observe(variance.Seconds())
}

// ObserveFrame は配信したフレームを1枚記録する
func (m *Metrics) ObserveFrame(device string) {
	if m == nil {
		return
	}
	m.framesStreamed.WithLabelValues(device).Inc()
}

// SetOpenSessions は接続中セッション数を更新する
func (m *Metrics) SetOpenSessions(n int) {
	if m == nil {
		return
	}
	m.openSessions.Set(float64(n))
}

// ObserveCommandError はコマンドエラーを記録する
func (m *Metrics) ObserveCommandError(kind string) {
	if m == nil {
		return
	}
	m.commandErrors.WithLabelValues(kind).Inc()
}
