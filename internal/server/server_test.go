package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"hyakume/internal/capture"
	"hyakume/internal/config"
	"hyakume/internal/device"
	"hyakume/internal/metrics"
	"hyakume/internal/protocol"
)

// fakeScanner はテスト用のScanner実装
type fakeScanner struct {
	calls int
}

func (f *fakeScanner) Scan() { f.calls++ }

// newTestServer はフェイクデバイス入りのサーバー一式を作成する
func newTestServer(t *testing.T, scanner Scanner) (*Server, *device.Registry) {
	t.Helper()

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"

	registry := device.NewRegistry(zerolog.Nop(), 200*time.Millisecond)
	coordinator := capture.NewCoordinator(zerolog.Nop(), nil)

	var m *metrics.Metrics
	srv := New(cfg, zerolog.Nop(), registry, coordinator, scanner, m, nil)
	return srv, registry
}

// connectFakeDevice はフェイクデバイスを接続してトランスポートを返す
func connectFakeDevice(t *testing.T, registry *device.Registry, serial string) *protocol.FakeTransport {
	t.Helper()

	raw := device.NewFakeRawDevice(serial)
	ft := protocol.NewFakeTransport()
	raw.Transport = ft

	if _, err := registry.Connect(context.Background(), raw); err != nil {
		t.Fatalf("デバイスの接続に失敗しました: %v", err)
	}
	return ft
}

// TestServerStartAndShutdown はサーバーの起動とシャットダウンをテストする
func TestServerStartAndShutdown(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	srv.config.Server.Port = 18085
	srv.httpServer.Addr = srv.config.ServerAddress()

	// テスト用のコンテキスト（タイムアウト付き）
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// サーバーを別ゴルーチンで起動
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	// サーバーが起動するまで少し待つ
	time.Sleep(100 * time.Millisecond)

	// コンテキストをキャンセルしてサーバーを停止
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("サーバーの起動/停止でエラーが発生しました: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("サーバーの停止がタイムアウトしました")
	}
}

// TestServerEndpoints は基本エンドポイントをテストする
func TestServerEndpoints(t *testing.T) {
	srv, registry := newTestServer(t, nil)
	connectFakeDevice(t, registry, "SN-SRV-001")

	testCases := []struct {
		name           string
		method         string
		endpoint       string
		expectedStatus int
	}{
		{"ルートエンドポイント", http.MethodGet, "/", http.StatusOK},
		{"ヘルスチェックエンドポイント", http.MethodGet, "/health", http.StatusOK},
		{"ステータスエンドポイント", http.MethodGet, "/api/status", http.StatusOK},
		{"デバイス一覧エンドポイント", http.MethodGet, "/api/devices", http.StatusOK},
		{"メトリクスエンドポイント", http.MethodGet, "/metrics", http.StatusOK},
		{"存在しないデバイス", http.MethodGet, "/api/devices/SN-UNKNOWN", http.StatusNotFound},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.endpoint, nil)
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)

			if rec.Code != tc.expectedStatus {
				t.Errorf("予期しないステータスコード: got %d, want %d", rec.Code, tc.expectedStatus)
			}
		})
	}
}

// TestServerDeviceList はデバイス一覧の内容をテストする
func TestServerDeviceList(t *testing.T) {
	srv, registry := newTestServer(t, nil)
	connectFakeDevice(t, registry, "SN-LIST-001")
	connectFakeDevice(t, registry, "SN-LIST-002")

	req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("予期しないステータスコード: %d", rec.Code)
	}

	var body struct {
		Devices []device.Snapshot `json:"devices"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("レスポンスの解析に失敗しました: %v", err)
	}
	if len(body.Devices) != 2 {
		t.Errorf("デバイス数が一致しません: got %d, want 2", len(body.Devices))
	}
	for _, d := range body.Devices {
		if d.State != device.StateConnected {
			t.Errorf("デバイス%sの状態が一致しません: %s", d.Identity, d.State)
		}
	}
}

// TestServerCommand はコマンド送信APIをテストする
func TestServerCommand(t *testing.T) {
	srv, registry := newTestServer(t, nil)
	ft := connectFakeDevice(t, registry, "SN-CMD-001")
	ft.QueueJSONResponse(`{"result":{"battery":55}}`)

	body := strings.NewReader(`{"method":"get_status"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/devices/SN-CMD-001/command", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("予期しないステータスコード: %d (%s)", rec.Code, rec.Body.String())
	}

	var resp struct {
		Result map[string]any `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("レスポンスの解析に失敗しました: %v", err)
	}
	if battery, ok := resp.Result["battery"].(float64); !ok || battery != 55 {
		t.Errorf("結果が一致しません: %v", resp.Result)
	}
}

// TestServerCommandErrors はコマンド送信APIの異常系をテストする
func TestServerCommandErrors(t *testing.T) {
	srv, registry := newTestServer(t, nil)
	ft := connectFakeDevice(t, registry, "SN-ERR-001")

	// 許可リスト外のメソッド
	req := httptest.NewRequest(http.MethodPost, "/api/devices/SN-ERR-001/command",
		strings.NewReader(`{"method":"format_storage"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("許可リスト外: got %d, want %d", rec.Code, http.StatusBadRequest)
	}

	// デバイス側のタイムアウト
	req = httptest.NewRequest(http.MethodPost, "/api/devices/SN-ERR-001/command",
		strings.NewReader(`{"method":"get_status"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("タイムアウト: got %d, want %d", rec.Code, http.StatusGatewayTimeout)
	}

	// デバイスがエラーを返す場合
	ft.QueueJSONResponse(`{"error":{"code":507,"message":"storage full"}}`)
	req = httptest.NewRequest(http.MethodPost, "/api/devices/SN-ERR-001/command",
		strings.NewReader(`{"method":"shoot"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("デバイスエラー: got %d, want %d", rec.Code, http.StatusBadGateway)
	}

	// 存在しないデバイス
	req = httptest.NewRequest(http.MethodPost, "/api/devices/SN-NONE/command",
		strings.NewReader(`{"method":"get_status"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("存在しないデバイス: got %d, want %d", rec.Code, http.StatusNotFound)
	}
}

// TestServerCapture は一斉撮影APIをテストする
func TestServerCapture(t *testing.T) {
	srv, registry := newTestServer(t, nil)
	ft1 := connectFakeDevice(t, registry, "SN-CAP-001")
	ft2 := connectFakeDevice(t, registry, "SN-CAP-002")
	ft1.QueueJSONResponse(`{"result":{"filepath":"/DCIM/0001.JPG"}}`)
	ft2.QueueJSONResponse(`{"result":{"filepath":"/DCIM/0002.JPG"}}`)

	// 直近結果はまだ無い
	req := httptest.NewRequest(http.MethodGet, "/api/capture/last", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("撮影前のlast: got %d, want %d", rec.Code, http.StatusNotFound)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/capture", strings.NewReader(`{"mode":"sequential"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("予期しないステータスコード: %d (%s)", rec.Code, rec.Body.String())
	}

	var result capture.SessionResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("レスポンスの解析に失敗しました: %v", err)
	}
	if !result.AllSucceeded {
		t.Errorf("全デバイス成功のはずです: %+v", result)
	}
	if result.TotalDevices != 2 {
		t.Errorf("デバイス数が一致しません: got %d, want 2", result.TotalDevices)
	}

	// 撮影後は直近結果が参照できる
	req = httptest.NewRequest(http.MethodGet, "/api/capture/last", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("撮影後のlast: got %d, want %d", rec.Code, http.StatusOK)
	}
}

// TestServerCaptureNoDevices はデバイス無しでの一斉撮影をテストする
func TestServerCaptureNoDevices(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/capture", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	// デバイス無しでもエラーにはならず、検査可能な結果が返る
	if rec.Code != http.StatusOK {
		t.Fatalf("予期しないステータスコード: got %d, want %d", rec.Code, http.StatusOK)
	}

	var result capture.SessionResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("レスポンスの解析に失敗しました: %v", err)
	}
	if result.AllSucceeded || len(result.Outcomes) != 0 {
		t.Errorf("デバイス無しの結果が一致しません: %+v", result)
	}
}

// TestServerScan はスキャンAPIをテストする
func TestServerScan(t *testing.T) {
	scanner := &fakeScanner{}
	srv, _ := newTestServer(t, scanner)

	req := httptest.NewRequest(http.MethodPost, "/api/devices/scan", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("予期しないステータスコード: %d", rec.Code)
	}
	if scanner.calls != 1 {
		t.Errorf("スキャン回数が一致しません: got %d, want 1", scanner.calls)
	}
}

// TestServerScanUnavailable はスキャナ無し構成でのスキャンAPIをテストする
func TestServerScanUnavailable(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/devices/scan", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("予期しないステータスコード: got %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

// TestServerDisconnect は切断APIをテストする
func TestServerDisconnect(t *testing.T) {
	srv, registry := newTestServer(t, nil)
	connectFakeDevice(t, registry, "SN-DEL-001")

	req := httptest.NewRequest(http.MethodDelete, "/api/devices/SN-DEL-001", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("予期しないステータスコード: %d", rec.Code)
	}
	if registry.Count() != 0 {
		t.Errorf("セッションが残っています: %d", registry.Count())
	}

	// 2回目は404
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/devices/SN-DEL-001", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("2回目の切断: got %d, want %d", rec.Code, http.StatusNotFound)
	}
}

// TestStreamHub はライブビュー配信ハブをテストする
func TestStreamHub(t *testing.T) {
	_, registry := newTestServer(t, nil)
	ft := connectFakeDevice(t, registry, "SN-HUB-001")
	ft.QueueRead([]byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9})

	session, _ := registry.Get("SN-HUB-001")
	hub := newStreamHub(nil)

	frameChan, cancel, err := hub.subscribe(session)
	if err != nil {
		t.Fatalf("購読に失敗しました: %v", err)
	}

	select {
	case frame := <-frameChan:
		if len(frame) != 5 {
			t.Errorf("フレームが一致しません: %v", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("フレームの受信がタイムアウトしました")
	}

	if !session.Streaming() {
		t.Error("購読中はライブビューが動作しているはずです")
	}

	// 最後の購読者が離れるとライブビューが止まる
	cancel()
	if session.Streaming() {
		t.Error("購読解除後はライブビューが停止しているはずです")
	}
}

// TestStreamHub_RestartAfterReconnect は再接続後の配信再開をテストする
func TestStreamHub_RestartAfterReconnect(t *testing.T) {
	_, registry := newTestServer(t, nil)

	raw1 := device.NewFakeRawDevice("SN-HUB-RE")
	ft1 := protocol.NewFakeTransport()
	raw1.Transport = ft1
	ft1.QueueRead([]byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9})
	session1, err := registry.Connect(context.Background(), raw1)
	if err != nil {
		t.Fatalf("デバイスの接続に失敗しました: %v", err)
	}

	hub := newStreamHub(nil)
	ch1, cancel1, err := hub.subscribe(session1)
	if err != nil {
		t.Fatalf("購読に失敗しました: %v", err)
	}
	defer cancel1()

	select {
	case <-ch1:
	case <-time.After(2 * time.Second):
		t.Fatal("フレームの受信がタイムアウトしました")
	}

	// デバイスが取り外され、同じ識別子で再接続される
	registry.HandleDetach(raw1)
	ft2 := connectFakeDevice(t, registry, "SN-HUB-RE")
	ft2.QueueRead([]byte{0xFF, 0xD8, 0x02, 0xFF, 0xD9})
	session2, ok := registry.Get("SN-HUB-RE")
	if !ok {
		t.Fatal("再接続したセッションが見つかりません")
	}

	// 古い購読者が残っていても新しいセッションで配信が始まる
	ch2, cancel2, err := hub.subscribe(session2)
	if err != nil {
		t.Fatalf("再接続後の購読に失敗しました: %v", err)
	}
	defer cancel2()

	if !session2.Streaming() {
		t.Error("再接続後のセッションでライブビューが開始されていません")
	}
	select {
	case frame := <-ch2:
		if frame[2] != 0x02 {
			t.Errorf("フレームが一致しません: %v", frame)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("再接続後のフレーム受信がタイムアウトしました")
	}
}

// TestStreamHub_EvictClosesSubscribers は配信状態の破棄をテストする
func TestStreamHub_EvictClosesSubscribers(t *testing.T) {
	_, registry := newTestServer(t, nil)
	connectFakeDevice(t, registry, "SN-HUB-EV")
	session, _ := registry.Get("SN-HUB-EV")

	hub := newStreamHub(nil)
	ch, cancel, err := hub.subscribe(session)
	if err != nil {
		t.Fatalf("購読に失敗しました: %v", err)
	}

	hub.evict("SN-HUB-EV")

	// 破棄後は購読者のチャンネルがクローズされる
	deadline := time.After(2 * time.Second)
drain:
	for {
		select {
		case _, open := <-ch:
			if !open {
				break drain
			}
		case <-deadline:
			t.Fatal("チャンネルのクローズがタイムアウトしました")
		}
	}

	cancel()
	if session.Streaming() {
		t.Error("購読解除後はライブビューが停止しているはずです")
	}
}

// TestServerWebSocketStream はWebSocket配信をテストする
func TestServerWebSocketStream(t *testing.T) {
	srv, registry := newTestServer(t, nil)
	ft := connectFakeDevice(t, registry, "SN-WS-001")
	ft.QueueRead([]byte{0xFF, 0xD8, 0x77, 0xFF, 0xD9})

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := strings.Replace(ts.URL, "http", "ws", 1) + "/api/devices/SN-WS-001/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("WebSocket接続に失敗しました: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("フレームの受信に失敗しました: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Errorf("メッセージ種別が一致しません: %d", msgType)
	}
	if len(frame) != 5 || frame[2] != 0x77 {
		t.Errorf("フレームが一致しません: %v", frame)
	}
}
