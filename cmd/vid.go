package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"rensha/internal/camera"
	"rensha/internal/config"
	"rensha/internal/device"
	"rensha/internal/encoder"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var vidCmd = &cobra.Command{
	Use:   "vid",
	Short: "動画を記録する",
	Long: `動画モードでカメラを開始し、フレームをエンコーダへ渡して記録します。
--output を指定するとffmpegで記録します。"-" を指定すると標準出力へ書き出します。`,
	RunE: runVideo,
}

func init() {
	vidCmd.Flags().Duration("timeout", 0, "指定時間で終了する (0なら無期限)")
	vidCmd.Flags().StringP("output", "o", "", "出力ファイル")
	vidCmd.Flags().String("codec", "", "ffmpegのコーデック (libx264, mjpeg など)")
	vidCmd.Flags().String("bitrate", "", "ビットレート (4M など)")
	vidCmd.Flags().Int("width", 0, "画像の幅")
	vidCmd.Flags().Int("height", 0, "画像の高さ")
	vidCmd.Flags().Float64("framerate", 0, "フレームレート")
	vidCmd.Flags().Int("port", 0, "HTTPサーバーのポート")
}

func runVideo(cmd *cobra.Command, args []string) error {
	cfg, logger := env.config, env.logger
	cfg.Camera.Mode = "video"
	if cmd.Flags().Changed("output") {
		cfg.Encoder.Kind = "ffmpeg"
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

	video, ok := p.app.GetStream(camera.StreamVideo)
	if !ok {
		_ = p.close()
		return errors.New("動画ストリームがありません")
	}

	enc, err := newEncoder(cfg, video, logger.Named("encoder"))
	if err != nil {
		_ = p.close()
		return err
	}
	recorder := camera.NewRecorder(p.app, enc)
	if cfg.Encoder.Output == "-" {
		recorder.SetOutputReadyCallback(func(data []byte, timestampUs int64, keyframe bool) {
			if _, err := os.Stdout.Write(data); err != nil {
				logger.Error("標準出力への書き込みに失敗", zap.Error(err))
			}
		})
	}

	loopErr := runLoop(ctx, p, func(ref *camera.CompletedRequestRef) error {
		if err := recorder.EncodeBuffer(ref, video); err != nil {
			return fmt.Errorf("フレームの記録に失敗: %w", err)
		}
		p.showAndReport(ref, video)
		return nil
	})

	stop()
	// 先にカメラを止め、エンコーダに残ったフレームを書き出してから閉じる
	err = p.app.StopCamera()
	if rerr := recorder.Close(); rerr != nil {
		err = errors.Join(err, rerr)
	}
	if cerr := p.close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if err != nil {
		logger.Error("終了処理に失敗", zap.Error(err))
		return errors.Join(loopErr, err)
	}
	return loopErr
}

// newEncoder は設定に従ってエンコーダを作成する
func newEncoder(cfg *config.Config, video *device.Stream, logger *zap.Logger) (camera.Encoder, error) {
	if cfg.Encoder.Kind != "ffmpeg" {
		logger.Info("エンコーダが無効なのでフレームは記録しません")
		return encoder.NewNull(), nil
	}

	w, h, _ := camera.StreamDimensions(video)
	return encoder.NewFFmpeg(encoder.FFmpegOptions{
		Path:       cfg.Encoder.Path,
		Width:      w,
		Height:     h,
		Framerate:  cfg.Camera.Framerate,
		Codec:      cfg.Encoder.Codec,
		Bitrate:    cfg.Encoder.Bitrate,
		Output:     cfg.Encoder.Output,
		QueueDepth: cfg.Encoder.QueueDepth,
		Logger:     logger,
	})
}
