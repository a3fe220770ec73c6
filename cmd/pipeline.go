package cmd

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"rensha/internal/camera"
	"rensha/internal/config"
	"rensha/internal/device"
	"rensha/internal/device/simcam"
	"rensha/internal/preview"
	"rensha/internal/publisher"
	"rensha/internal/server"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// pipeline はカメラ・プレビュー・配信・HTTPサーバーをまとめたもの
type pipeline struct {
	cfg    *config.Config
	logger *zap.Logger

	cam      *simcam.Camera
	app      *camera.App
	mjpeg    *preview.MJPEG
	reporter *frameReporter
	server   *server.Server
	pub      *publisher.Publisher

	background *conc.WaitGroup
}

// newPipeline は設定に従って各部品を作成し、カメラを開く
func newPipeline(cfg *config.Config, logger *zap.Logger) (*pipeline, error) {
	p := &pipeline{
		cfg:        cfg,
		logger:     logger,
		background: conc.NewWaitGroup(),
	}

	p.cam = simcam.New(simcam.Options{
		ID:            cfg.Camera.ID,
		FrameInterval: cfg.Camera.FrameInterval,
		Logger:        logger.Named("simcam"),
	})

	var renderer camera.Renderer = preview.NewNull()
	if cfg.Preview.Kind == "mjpeg" {
		p.mjpeg = preview.NewMJPEG(preview.MJPEGOptions{
			Quality:   cfg.Preview.JPEGQuality,
			MaxWidth:  cfg.Preview.MaxWidth,
			MaxHeight: cfg.Preview.MaxHeight,
			Logger:    logger.Named("preview"),
		})
		renderer = p.mjpeg
	}

	p.app = camera.New(p.cam, cfg.CameraOptions(),
		camera.WithLogger(logger.Named("camera")),
		camera.WithRenderer(renderer),
	)
	if err := p.app.Open(); err != nil {
		p.closeOutputs()
		return nil, err
	}

	if cfg.MQTT.Enabled {
		pub, err := publisher.Connect(publisher.Options{
			Broker:       cfg.MQTT.Broker,
			ClientID:     cfg.MQTT.ClientID,
			Topic:        cfg.MQTT.Topic,
			QoS:          byte(cfg.MQTT.QoS),
			IncludeImage: cfg.MQTT.IncludeImage,
			Logger:       logger.Named("mqtt"),
		})
		if err != nil {
			_ = p.app.Close()
			p.closeOutputs()
			return nil, err
		}
		p.pub = pub
		p.reporter = newFrameReporter(pub, p.mjpeg, p.app.CameraID(), logger.Named("mqtt"))
	}

	return p, nil
}

// configure はモードに応じてストリームを設定する
func (p *pipeline) configure() error {
	c := p.cfg.Camera
	switch c.Mode {
	case "still":
		var flags camera.StillFlags
		if c.Raw {
			flags |= camera.StillRaw
		}
		return p.app.ConfigureStill(flags)
	case "video":
		var flags camera.VideoFlags
		if c.Raw {
			flags |= camera.VideoRaw
		}
		return p.app.ConfigureVideo(flags)
	default:
		return p.app.ConfigureViewfinder()
	}
}

// start はカメラを開始し、HTTPサーバーを起動する
func (p *pipeline) start(ctx context.Context) error {
	if err := p.app.StartCamera(); err != nil {
		return err
	}
	p.publishStatus()

	if p.cfg.Server.Enabled {
		var frames server.FrameSource
		if p.mjpeg != nil {
			frames = p.mjpeg
		}
		p.server = server.New(p.cfg, p.app, frames, p.logger.Named("http"))
		p.background.Go(func() {
			if err := p.server.Start(ctx); err != nil {
				p.logger.Error("HTTPサーバーが停止しました", zap.Error(err))
			}
		})
	}

	if p.cfg.Timeout > 0 {
		timer := time.AfterFunc(p.cfg.Timeout, func() {
			p.app.PostMessage(camera.Msg{Type: camera.MsgTimeout})
		})
		p.background.Go(func() {
			<-ctx.Done()
			timer.Stop()
		})
	}
	return nil
}

// loop はメッセージキューのイベントを処理する
// handle から戻った時点でフレームの参照は解放される
func (p *pipeline) loop(ctx context.Context, handle func(ref *camera.CompletedRequestRef) error) error {
	for {
		msg, err := p.app.Wait(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				p.logger.Info("終了シグナルを受信しました")
				return nil
			}
			return err
		}

		switch msg.Type {
		case camera.MsgQuit:
			p.logger.Info("終了要求を受け取りました")
			return nil
		case camera.MsgTimeout:
			p.logger.Info("指定時間が経過しました", zap.Duration("timeout", p.cfg.Timeout))
			return nil
		case camera.MsgRequestComplete:
			err := handle(msg.Payload)
			msg.Payload.Release()
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("不明なメッセージです: %s", msg.Type)
		}
	}
}

// showAndReport はフレームをプレビューに渡し、フレーム情報を配信する
func (p *pipeline) showAndReport(ref *camera.CompletedRequestRef, stream *device.Stream) {
	p.app.ShowPreview(ref, stream)
	if p.reporter != nil {
		p.reporter.offer(camera.NewFrameInfo(ref.Request()))
	}
}

// watchConfig は設定ファイルの変更をコントロールとして反映する
func (p *pipeline) watchConfig() {
	if env.viper == nil || env.viper.ConfigFileUsed() == "" {
		return
	}
	config.Watch(env.viper, p.logger, func(cfg *config.Config) {
		p.app.SetControls(cfg.Camera.Controls())
	})
}

func (p *pipeline) publishStatus() {
	if p.pub == nil {
		return
	}
	if err := p.pub.PublishStatus(p.app.CameraID(), p.app.Status()); err != nil {
		p.logger.Warn("状態の配信に失敗", zap.Error(err))
	}
}

// close はカメラを停止し、全ての部品を閉じる
// ctx は呼び出し前にキャンセルしておくこと
func (p *pipeline) close() error {
	err := p.app.StopCamera()
	p.publishStatus()

	if cerr := p.app.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	p.closeOutputs()
	p.background.Wait()
	return err
}

func (p *pipeline) closeOutputs() {
	if p.reporter != nil {
		p.reporter.close()
	}
	if p.pub != nil {
		p.pub.Close()
	}
	if p.mjpeg != nil {
		_ = p.mjpeg.Close()
	}
}

// frameReporter はフレーム情報をMQTTへ送る
// 配信中に届いたフレーム情報は捨てる
type frameReporter struct {
	pub      *publisher.Publisher
	frames   *preview.MJPEG
	cameraID string
	logger   *zap.Logger

	ch      chan camera.FrameInfo
	stopCh  chan struct{}
	wg      *conc.WaitGroup
	dropped atomic.Uint64
}

func newFrameReporter(pub *publisher.Publisher, frames *preview.MJPEG, cameraID string, logger *zap.Logger) *frameReporter {
	r := &frameReporter{
		pub:      pub,
		frames:   frames,
		cameraID: cameraID,
		logger:   logger,
		ch:       make(chan camera.FrameInfo, 1),
		stopCh:   make(chan struct{}),
		wg:       conc.NewWaitGroup(),
	}
	r.wg.Go(r.run)
	return r
}

func (r *frameReporter) offer(info camera.FrameInfo) {
	select {
	case r.ch <- info:
	default:
		r.dropped.Add(1)
	}
}

func (r *frameReporter) run() {
	for {
		select {
		case <-r.stopCh:
			return
		case info := <-r.ch:
			var image []byte
			if r.frames != nil {
				image = r.frames.Latest()
			}
			if err := r.pub.PublishFrame(r.cameraID, info, image); err != nil {
				r.logger.Debug("フレーム情報の配信に失敗", zap.Uint64("sequence", info.Sequence), zap.Error(err))
			}
		}
	}
}

func (r *frameReporter) close() {
	close(r.stopCh)
	r.wg.Wait()
	r.logger.Info("フレーム情報の配信を終了しました", zap.Uint64("dropped", r.dropped.Load()))
}
