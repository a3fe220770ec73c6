package server

import (
	"errors"
	"net/http"
	"time"

	"rensha/internal/camera"
	"rensha/internal/config"
	"rensha/internal/device"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler はHTTPエンドポイントの実装
type Handler struct {
	config   *config.Config
	pipeline Pipeline
	frames   FrameSource
	logger   *zap.Logger
}

// ErrorResponse はエラー時のレスポンス
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse はヘルスチェックのレスポンス
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusResponse はシステム状態のレスポンス
type StatusResponse struct {
	CameraID  string       `json:"camera_id"`
	Mode      string       `json:"mode"`
	Camera    camera.Stats `json:"camera"`
	Timestamp time.Time    `json:"timestamp"`
}

// ControlsRequest は動作中に変更するコントロール
// 指定した項目だけを変更する
type ControlsRequest struct {
	ShutterUs  *int64   `json:"shutter_us" binding:"omitempty,gte=0"`
	Gain       *float64 `json:"gain" binding:"omitempty,gte=0"`
	EV         *float64 `json:"ev" binding:"omitempty,gte=-10,lte=10"`
	Brightness *float64 `json:"brightness" binding:"omitempty,gte=-1,lte=1"`
	Contrast   *float64 `json:"contrast" binding:"omitempty,gte=0"`
	Saturation *float64 `json:"saturation" binding:"omitempty,gte=0"`
	Sharpness  *float64 `json:"sharpness" binding:"omitempty,gte=0"`
}

// Controls はコントロール値の集合に変換する
func (r ControlsRequest) Controls() device.ControlList {
	controls := make(device.ControlList)
	if r.ShutterUs != nil {
		controls.Set(device.ExposureTime, *r.ShutterUs)
	}
	if r.Gain != nil {
		controls.Set(device.AnalogueGain, *r.Gain)
	}
	if r.EV != nil {
		controls.Set(device.ExposureValue, *r.EV)
	}
	if r.Brightness != nil {
		controls.Set(device.Brightness, *r.Brightness)
	}
	if r.Contrast != nil {
		controls.Set(device.Contrast, *r.Contrast)
	}
	if r.Saturation != nil {
		controls.Set(device.Saturation, *r.Saturation)
	}
	if r.Sharpness != nil {
		controls.Set(device.Sharpness, *r.Sharpness)
	}
	return controls
}

func errorJSON(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
	})
}

// GetStatus はシステム状態取得エンドポイントの実装
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		CameraID:  h.pipeline.CameraID(),
		Mode:      h.config.Camera.Mode,
		Camera:    h.pipeline.Stats(),
		Timestamp: time.Now(),
	})
}

// StartCamera はカメラ開始エンドポイントの実装
func (h *Handler) StartCamera(c *gin.Context) {
	if err := h.pipeline.StartCamera(); err != nil {
		h.cameraError(c, err)
		return
	}
	h.logger.Info("HTTP経由でカメラを開始しました")
	c.JSON(http.StatusOK, h.pipeline.Stats())
}

// StopCamera はカメラ停止エンドポイントの実装
func (h *Handler) StopCamera(c *gin.Context) {
	if err := h.pipeline.StopCamera(); err != nil {
		h.cameraError(c, err)
		return
	}
	h.logger.Info("HTTP経由でカメラを停止しました")
	c.JSON(http.StatusOK, h.pipeline.Stats())
}

// SetControls はコントロール変更エンドポイントの実装
// 変更は次に投入するリクエストから反映される
func (h *Handler) SetControls(c *gin.Context) {
	var req ControlsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid_controls", err.Error())
		return
	}
	controls := req.Controls()
	if len(controls) == 0 {
		errorJSON(c, http.StatusBadRequest, "invalid_controls", "変更するコントロールが指定されていません")
		return
	}

	h.pipeline.SetControls(controls)
	h.logger.Info("コントロールを更新しました", zap.Int("count", len(controls)))
	c.Status(http.StatusNoContent)
}

// GetSnapshot は最新のプレビュー画像を返す
func (h *Handler) GetSnapshot(c *gin.Context) {
	if h.frames == nil {
		errorJSON(c, http.StatusNotFound, "preview_disabled", "プレビューが無効です")
		return
	}
	frame := h.frames.Latest()
	if frame == nil {
		errorJSON(c, http.StatusNotFound, "no_frame", "まだフレームがありません")
		return
	}
	c.Data(http.StatusOK, "image/jpeg", frame)
}

// GetStream はMJPEGストリーミングエンドポイントの実装
func (h *Handler) GetStream(c *gin.Context) {
	if h.frames == nil {
		errorJSON(c, http.StatusNotFound, "preview_disabled", "プレビューが無効です")
		return
	}
	h.streamMJPEG(c)
}

// Root はルートパスのハンドラ
func (h *Handler) Root(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(`<!DOCTYPE html>
<html lang="ja">
<head>
    <meta charset="UTF-8">
    <title>rensha</title>
</head>
<body>
    <h1>rensha</h1>
    <p><img src="/api/preview/stream" alt="preview"></p>
    <p>ステータス: <a href="/api/status">/api/status</a></p>
    <p>ヘルスチェック: <a href="/health">/health</a></p>
</body>
</html>`))
}

// cameraError はカメラ操作のエラーをレスポンスに変換する
func (h *Handler) cameraError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, camera.ErrAlreadyStarted):
		errorJSON(c, http.StatusConflict, "already_started", err.Error())
	case errors.Is(err, camera.ErrNotConfigured), errors.Is(err, camera.ErrNotOpen):
		errorJSON(c, http.StatusConflict, "not_ready", err.Error())
	default:
		h.logger.Error("カメラ操作に失敗", zap.Error(err), zap.Bool("fatal", camera.IsFatal(err)))
		errorJSON(c, http.StatusInternalServerError, "camera_error", err.Error())
	}
}

// streamMJPEG はMJPEGストリームを配信する
func (h *Handler) streamMJPEG(c *gin.Context) {
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

	frameChan, cancel := h.frames.Subscribe()
	defer cancel()

	// クライアント切断を検知するためのコンテキスト
	clientGone := c.Request.Context().Done()

	for {
		select {
		case <-clientGone:
			return

		case frame, ok := <-frameChan:
			if !ok {
				// 配信元が閉じられた
				return
			}

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

			flusher.Flush()
		}
	}
}
