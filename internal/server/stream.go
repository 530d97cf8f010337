package server

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"hyakume/internal/device"
	"hyakume/internal/metrics"
)

// streamHub はデバイスごとのライブビューを複数クライアントへ配信する
// 最初の購読者でライブビューを開始し、最後の購読者が離れたら停止する
type streamHub struct {
	metrics *metrics.Metrics

	// mu はstreamsの保護に加えて、配信の開始・停止の
	// 判定と実行をまとめて直列化する
	mu      sync.Mutex
	streams map[string]*deviceStream
}

// deviceStream は1デバイス分の配信状態
type deviceStream struct {
	session *device.Session

	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

func newStreamHub(m *metrics.Metrics) *streamHub {
	return &streamHub{
		metrics: m,
		streams: make(map[string]*deviceStream),
	}
}

// subscribe はデバイスのフレームチャンネルを購読する
// 返されたcancelを呼ぶと購読が解除され、購読者が0になるとライブビューも止まる
// 再接続で作り直されたセッションには古い配信状態を引き継がない
func (h *streamHub) subscribe(session *device.Session) (<-chan []byte, func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	identity := session.Identity()
	ds, ok := h.streams[identity]
	if !ok || ds.session != session {
		if ok {
			// 同じ識別子でも別セッションなら古い購読者ごと破棄する
			ds.closeSubs()
		}
		ds = &deviceStream{
			session: session,
			subs:    make(map[chan []byte]struct{}),
		}
		h.streams[identity] = ds
	}

	ch := make(chan []byte, 4)
	ds.mu.Lock()
	first := len(ds.subs) == 0
	ds.subs[ch] = struct{}{}
	ds.mu.Unlock()

	if first {
		_, err := session.StartLiveView(func(frame []byte) {
			h.metrics.ObserveFrame(identity)
			ds.broadcast(frame)
		})
		if err != nil {
			ds.mu.Lock()
			delete(ds.subs, ch)
			ds.mu.Unlock()
			delete(h.streams, identity)
			return nil, nil, err
		}
	}

	cancel := func() { h.unsubscribe(ds, identity, ch) }
	return ch, cancel, nil
}

// unsubscribe は購読を解除し、最後の購読者だった場合はライブビューを止める
// 停止の判定と実行を同じロックの下で行うため、
// 並行するsubscribeが開始したばかりのライブビューを巻き添えにしない
func (h *streamHub) unsubscribe(ds *deviceStream, identity string, ch chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ds.mu.Lock()
	delete(ds.subs, ch)
	empty := len(ds.subs) == 0
	ds.mu.Unlock()

	if !empty {
		return
	}

	ds.session.StopLiveView()
	if h.streams[identity] == ds {
		delete(h.streams, identity)
	}
}

// evict は切断されたデバイスの配信状態を破棄する
// 残っている購読者のチャンネルはクローズされ、配信ループは終了する
func (h *streamHub) evict(identity string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ds, ok := h.streams[identity]
	if !ok {
		return
	}
	delete(h.streams, identity)
	ds.closeSubs()
}

// evictAll は全デバイスの配信状態を破棄する
func (h *streamHub) evictAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for identity, ds := range h.streams {
		delete(h.streams, identity)
		ds.closeSubs()
	}
}

// broadcast はフレームを全購読者へ配る
// 追いつけない購読者のフレームは落とす（常に最新を優先する）
func (ds *deviceStream) broadcast(frame []byte) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	for ch := range ds.subs {
		select {
		case ch <- frame:
		default:
		}
	}
}

// closeSubs は全購読者のチャンネルを閉じて購読を空にする
func (ds *deviceStream) closeSubs() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	for ch := range ds.subs {
		close(ch)
	}
	ds.subs = make(map[chan []byte]struct{})
}

// handleStream はMJPEGストリーミングエンドポイント
func (s *Server) handleStream(c *gin.Context) {
	session, ok := s.registry.Get(c.Param("id"))
	if !ok {
		abortWithError(c, http.StatusNotFound, "device_not_found", "指定されたデバイスが見つかりません")
		return
	}
	if session.State() != device.StateConnected {
		abortWithError(c, http.StatusServiceUnavailable, "device_not_connected", "デバイスが接続されていません")
		return
	}

	frameChan, cancel, err := s.hub.subscribe(session)
	if err != nil {
		abortWithError(c, http.StatusServiceUnavailable, "stream_unavailable", err.Error())
		return
	}
	defer cancel()

	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")

	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	// クライアント切断を検知するためのコンテキスト
	clientGone := c.Request.Context().Done()

	// ストリーミングループ
	for {
		select {
		case <-clientGone:
			// クライアントが切断された
			return

		case frame, ok := <-frameChan:
			if !ok {
				return
			}

			// MJPEGフレームを書き込み
			if _, err := writer.Write([]byte("--frame\r\n")); err != nil {
				return
			}
			if _, err := writer.Write([]byte("Content-Type: image/jpeg\r\n\r\n")); err != nil {
				return
			}
			if _, err := writer.Write(frame); err != nil {
				return
			}
			if _, err := writer.Write([]byte("\r\n")); err != nil {
				return
			}

			// バッファをフラッシュ
			flusher.Flush()
		}
	}
}

// upgrader はWebSocket接続へのアップグレード設定
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// handleWebSocket はWebSocketストリーミングエンドポイント
// JPEGフレームをバイナリメッセージとして配信する
func (s *Server) handleWebSocket(c *gin.Context) {
	session, ok := s.registry.Get(c.Param("id"))
	if !ok {
		abortWithError(c, http.StatusNotFound, "device_not_found", "指定されたデバイスが見つかりません")
		return
	}
	if session.State() != device.StateConnected {
		abortWithError(c, http.StatusServiceUnavailable, "device_not_connected", "デバイスが接続されていません")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocketへのアップグレードに失敗")
		return
	}
	defer conn.Close()

	frameChan, cancel, err := s.hub.subscribe(session)
	if err != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
		return
	}
	defer cancel()

	// クライアントからの切断を検知する読み取りループ
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-clientGone:
			return

		case frame, ok := <-frameChan:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		}
	}
}
