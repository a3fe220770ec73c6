package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"rensha/internal/camera"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "プレビューを表示し続ける",
	Long: `カメラを開始し、完了したフレームをプレビューへ渡し続けます。
MQTTが有効ならフレーム情報を配信し、HTTPサーバーからプレビューと操作を提供します。`,
	RunE: runViewfinder,
}

func init() {
	runCmd.Flags().Duration("timeout", 0, "指定時間で終了する (0なら無期限)")
	runCmd.Flags().String("mode", "", "撮影モード (viewfinder, still)")
	runCmd.Flags().Int("width", 0, "メイン画像の幅")
	runCmd.Flags().Int("height", 0, "メイン画像の高さ")
	runCmd.Flags().Float64("framerate", 0, "フレームレート")
	runCmd.Flags().Int("port", 0, "HTTPサーバーのポート")
}

func runViewfinder(cmd *cobra.Command, args []string) error {
	cfg, logger := env.config, env.logger
	if cfg.Camera.Mode == "video" {
		return errors.New("動画モードは vid コマンドを使ってください")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := newPipeline(cfg, logger)
	if err != nil {
		return err
	}
	if err := p.configure(); err != nil {
		_ = p.close()
		return err
	}

	loopErr := runLoop(ctx, p, func(ref *camera.CompletedRequestRef) error {
		p.showAndReport(ref, p.app.MainStream())
		return nil
	})

	stop()
	if err := p.close(); err != nil {
		logger.Error("終了処理に失敗", zap.Error(err))
		return errors.Join(loopErr, err)
	}
	return loopErr
}

// runLoop はカメラを開始してイベントループを回す
func runLoop(ctx context.Context, p *pipeline, handle func(ref *camera.CompletedRequestRef) error) error {
	if err := p.start(ctx); err != nil {
		return err
	}
	p.watchConfig()

	stream := p.app.MainStream()
	w, h, stride := camera.StreamDimensions(stream)
	p.logger.Info("カメラを開始しました",
		zap.String("camera", p.app.CameraID()),
		zap.String("mode", p.cfg.Camera.Mode),
		zap.Int("width", w), zap.Int("height", h), zap.Int("stride", stride))

	return p.loop(ctx, handle)
}
