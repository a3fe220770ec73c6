package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"rensha/internal/camera"
	"rensha/internal/config"
	"rensha/internal/device"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Pipeline はHTTPから操作するカメラ処理
// *camera.App はこれを満たす
type Pipeline interface {
	StartCamera() error
	StopCamera() error
	SetControls(controls device.ControlList)
	Stats() camera.Stats
	CameraID() string
}

// FrameSource はプレビューのJPEGの配信元
// *preview.MJPEG はこれを満たす
type FrameSource interface {
	Subscribe() (<-chan []byte, func())
	Latest() []byte
}

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	engine     *gin.Engine
	httpServer *http.Server
	handler    *Handler
}

// New は新しいServerインスタンスを作成する
// frames が nil のときプレビューのエンドポイントは 404 を返す
func New(cfg *config.Config, pipeline Pipeline, frames FrameSource, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), accessLog(logger))

	s := &Server{
		config: cfg,
		logger: logger,
		engine: engine,
		handler: &Handler{
			config:   cfg,
			pipeline: pipeline,
			frames:   frames,
			logger:   logger,
		},
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	h := s.handler

	// ヘルスチェックエンドポイント
	s.engine.GET("/health", h.HealthCheck)

	// APIエンドポイント
	api := s.engine.Group("/api")
	api.GET("/status", h.GetStatus)
	api.POST("/camera/start", h.StartCamera)
	api.POST("/camera/stop", h.StopCamera)
	api.PUT("/camera/controls", h.SetControls)
	api.GET("/preview/snapshot", h.GetSnapshot)
	api.GET("/preview/stream", h.GetStream)

	// ルートハンドラ（簡単な確認用）
	s.engine.GET("/", h.Root)
}

// Handler はルーティング済みのハンドラを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start はサーバーを起動し、ctx が終わるまで待つ
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve は ln で待ち受け、ctx が終わるとシャットダウンする
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	shutdownCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTPサーバーを起動しています", zap.String("addr", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-shutdownCh:
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	s.logger.Info("サーバーをシャットダウンしています")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	s.logger.Info("サーバーが正常にシャットダウンされました")
	return nil
}

// accessLog はリクエストをzapで記録するミドルウェア
func accessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// MJPEGストリームは接続が終わるまで戻らないので時間は参考値
		logger.Debug("HTTPリクエスト",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
