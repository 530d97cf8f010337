package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"hyakume/internal/capture"
	"hyakume/internal/device"
	"hyakume/internal/protocol"
)

// errorResponse はエラー応答の共通形式
type errorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// handleRoot はルートパスのハンドラ
func (s *Server) handleRoot(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, `<!DOCTYPE html>
<html lang="ja">
<head>
    <meta charset="UTF-8">
    <title>Hyakume - マルチデバイス撮影制御</title>
</head>
<body>
    <h1>Hyakume マルチデバイス撮影制御</h1>
    <p>サーバーが正常に起動しています。</p>
    <p>ステータス: <a href="/api/status">/api/status</a></p>
    <p>デバイス一覧: <a href="/api/devices">/api/devices</a></p>
    <p>ヘルスチェック: <a href="/health">/health</a></p>
</body>
</html>`)
}

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// handleStatus はシステム状態取得エンドポイント
func (s *Server) handleStatus(c *gin.Context) {
	s.metrics.SetOpenSessions(s.registry.Count())

	c.JSON(http.StatusOK, gin.H{
		"status": "running",
		"server": gin.H{
			"host": s.config.Server.Host,
			"port": s.config.Server.Port,
		},
		"devices":      s.registry.Count(),
		"max_sessions": device.MaxSessions,
		"timestamp":    time.Now(),
	})
}

// handleListDevices は接続中デバイスの一覧を返す
func (s *Server) handleListDevices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"devices": s.registry.Snapshots(),
	})
}

// handleGetDevice は個別デバイスの状態を返す
func (s *Server) handleGetDevice(c *gin.Context) {
	session, ok := s.registry.Get(c.Param("id"))
	if !ok {
		abortWithError(c, http.StatusNotFound, "device_not_found", "指定されたデバイスが見つかりません")
		return
	}

	c.JSON(http.StatusOK, session.Snapshot())
}

// handleScan はバスのスキャンを即時実行してデバイス一覧を返す
func (s *Server) handleScan(c *gin.Context) {
	if s.scanner == nil {
		abortWithError(c, http.StatusServiceUnavailable, "scan_unavailable", "デバイススキャン機能が無効です")
		return
	}

	s.scanner.Scan()
	s.metrics.SetOpenSessions(s.registry.Count())

	c.JSON(http.StatusOK, gin.H{
		"devices": s.registry.Snapshots(),
	})
}

// handleDisconnect は個別デバイスを切断する
func (s *Server) handleDisconnect(c *gin.Context) {
	id := c.Param("id")
	if !s.registry.Disconnect(id) {
		abortWithError(c, http.StatusNotFound, "device_not_found", "指定されたデバイスが見つかりません")
		return
	}

	// 切断したデバイスの配信状態も破棄し、残った購読者を終了させる
	s.hub.evict(id)
	s.metrics.SetOpenSessions(s.registry.Count())
	c.JSON(http.StatusOK, gin.H{"disconnected": id})
}

// handleDisconnectAll は全デバイスを切断する
func (s *Server) handleDisconnectAll(c *gin.Context) {
	count := s.registry.Count()
	s.registry.DisconnectAll()

	s.hub.evictAll()
	s.metrics.SetOpenSessions(0)
	c.JSON(http.StatusOK, gin.H{"disconnected": count})
}

// commandRequest はコマンド送信APIのリクエストボディ
type commandRequest struct {
	Method string         `json:"method" binding:"required"`
	Params map[string]any `json:"params"`
}

// handleCommand は個別デバイスへコマンドを送信する
func (s *Server) handleCommand(c *gin.Context) {
	session, ok := s.registry.Get(c.Param("id"))
	if !ok {
		abortWithError(c, http.StatusNotFound, "device_not_found", "指定されたデバイスが見つかりません")
		return
	}

	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_request", "リクエストボディが不正です")
		return
	}

	resp, err := session.SendCommand(c.Request.Context(), req.Method, req.Params)
	if err != nil {
		s.respondCommandError(c, err)
		return
	}

	if resp.Err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "device_error",
			"code":    resp.Err.Code,
			"message": resp.Err.Message,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"result": resp.Result})
}

// respondCommandError はコマンド実行エラーをHTTPステータスへ変換する
func (s *Server) respondCommandError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, protocol.ErrInvalidCommand):
		s.metrics.ObserveCommandError("invalid_command")
		abortWithError(c, http.StatusBadRequest, "invalid_command", err.Error())
	case errors.Is(err, device.ErrNotConnected):
		s.metrics.ObserveCommandError("not_connected")
		abortWithError(c, http.StatusConflict, "device_not_connected", err.Error())
	case errors.Is(err, protocol.ErrTimeout):
		s.metrics.ObserveCommandError("timeout")
		abortWithError(c, http.StatusGatewayTimeout, "device_timeout", err.Error())
	case errors.Is(err, protocol.ErrMalformed):
		s.metrics.ObserveCommandError("malformed")
		abortWithError(c, http.StatusBadGateway, "malformed_response", err.Error())
	default:
		s.metrics.ObserveCommandError("transport")
		abortWithError(c, http.StatusInternalServerError, "transport_error", err.Error())
	}
}

// captureRequest は一斉撮影APIのリクエストボディ
type captureRequest struct {
	Mode string `json:"mode"`
}

// handleCapture は接続中の全デバイスへ一斉撮影を発行する
func (s *Server) handleCapture(c *gin.Context) {
	req := captureRequest{Mode: s.config.Capture.Mode}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithError(c, http.StatusBadRequest, "invalid_request", "リクエストボディが不正です")
			return
		}
		if req.Mode == "" {
			req.Mode = s.config.Capture.Mode
		}
	}

	sessions := s.registry.Sessions()
	targets := make([]capture.Target, 0, len(sessions))
	for _, session := range sessions {
		targets = append(targets, session)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.config.Capture.Timeout)
	defer cancel()

	result, err := s.coordinator.Capture(ctx, targets, capture.Mode(req.Mode))
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	c.JSON(http.StatusOK, result)
}

// handleLastCapture は直近の一斉撮影の結果を返す
func (s *Server) handleLastCapture(c *gin.Context) {
	result := s.coordinator.Last()
	if result == nil {
		abortWithError(c, http.StatusNotFound, "no_capture", "まだ撮影が実行されていません")
		return
	}

	c.JSON(http.StatusOK, result)
}
