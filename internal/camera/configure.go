package camera

import (
	"errors"
	"fmt"

	"rensha/internal/device"

	"go.uber.org/zap"
)

// StillFlags は静止画モードの追加設定
type StillFlags uint

const (
	StillRaw          StillFlags = 1 << iota // rawストリームを追加する
	StillRGB                                 // RGB888で出力する
	StillBGR                                 // BGR888で出力する
	StillDoubleBuffer                        // バッファを2枚にする
	StillTripleBuffer                        // バッファを3枚にする
)

// VideoFlags は動画モードの追加設定
type VideoFlags uint

const (
	VideoRaw VideoFlags = 1 << iota // rawストリームを追加する
)

// denoiseModes はオプション文字列とデバイスのノイズ除去モードの対応
var denoiseModes = map[string]device.NoiseReduction{
	"off":      device.NoiseReductionOff,
	"cdn_off":  device.NoiseReductionMinimal,
	"cdn_fast": device.NoiseReductionFast,
	"cdn_hq":   device.NoiseReductionHighQuality,
}

// parseDenoise は "auto" をモードごとの既定値に置き換えて解釈する
func parseDenoise(name, auto string) (device.NoiseReduction, error) {
	if name == "" || name == "auto" {
		name = auto
	}
	mode, ok := denoiseModes[name]
	if !ok {
		return 0, fmt.Errorf("%w: 不正なノイズ除去モードです: %s", ErrConfiguration, name)
	}
	return mode, nil
}

// ConfigureViewfinder はプレビュー用のストリーム（必要なら低解像度ストリームも）を設定する
func (a *App) ConfigureViewfinder() error {
	a.logger.Debug("ビューファインダーを設定します")

	haveLores := a.opts.LoresWidth > 0 && a.opts.LoresHeight > 0
	roles := []device.StreamRole{device.RoleViewfinder}
	names := []string{StreamViewfinder}
	if haveLores {
		roles = append(roles, device.RoleViewfinder)
		names = append(names, StreamLores)
	}

	cfg, err := a.cam.GenerateConfiguration(roles)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	size := device.Size{Width: 1280, Height: 960}
	if a.opts.ViewfinderWidth > 0 && a.opts.ViewfinderHeight > 0 {
		size = device.Size{Width: a.opts.ViewfinderWidth, Height: a.opts.ViewfinderHeight}
	} else if a.opts.Width > 0 && a.opts.Height > 0 {
		// メイン画像の縦横比に合わせる
		size = size.BoundedToAspectRatio(device.Size{Width: a.opts.Width, Height: a.opts.Height})
	}
	if a.renderer != nil {
		w, h := a.renderer.MaxImageSize()
		if w > 0 && h > 0 {
			size = size.BoundTo(device.Size{Width: w, Height: h}.BoundedToAspectRatio(size))
		}
	}
	size = size.AlignDownTo(2, 2)

	main := cfg.At(0)
	main.PixelFormat = device.FormatYUV420
	main.Size = size
	if a.opts.BufferCount > 0 {
		main.BufferCount = a.opts.BufferCount
	}

	if haveLores {
		lores := device.Size{Width: a.opts.LoresWidth, Height: a.opts.LoresHeight}.AlignDownTo(2, 2)
		if !lores.Fits(size) {
			return fmt.Errorf("%w: 低解像度画像 %s がビューファインダー %s より大きいです", ErrConfiguration, lores, size)
		}
		sc := cfg.At(1)
		sc.PixelFormat = device.FormatYUV420
		sc.Size = lores
		sc.BufferCount = main.BufferCount
	}
	cfg.Transform = a.opts.Transform

	denoise, err := parseDenoise(a.opts.Denoise, "cdn_off")
	if err != nil {
		return err
	}
	return a.setupCapture(cfg, names, denoise, false)
}

// ConfigureStill は静止画用のストリームを設定する
func (a *App) ConfigureStill(flags StillFlags) error {
	a.logger.Debug("静止画を設定します")

	roles := []device.StreamRole{device.RoleStillCapture}
	names := []string{StreamStill}
	if flags&StillRaw != 0 {
		roles = append(roles, device.RoleRaw)
		names = append(names, StreamRaw)
	}

	cfg, err := a.cam.GenerateConfiguration(roles)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	main := cfg.At(0)
	switch {
	case flags&StillBGR != 0:
		main.PixelFormat = device.FormatBGR888
	case flags&StillRGB != 0:
		main.PixelFormat = device.FormatRGB888
	default:
		main.PixelFormat = device.FormatYUV420
	}
	switch {
	case flags&StillTripleBuffer != 0:
		main.BufferCount = 3
	case flags&StillDoubleBuffer != 0:
		main.BufferCount = 2
	}
	if a.opts.Width > 0 {
		main.Size.Width = a.opts.Width
	}
	if a.opts.Height > 0 {
		main.Size.Height = a.opts.Height
	}

	if flags&StillRaw != 0 {
		raw := cfg.At(1)
		raw.Size = main.Size
		raw.BufferCount = main.BufferCount
	}
	cfg.Transform = a.opts.Transform

	denoise, err := parseDenoise(a.opts.Denoise, "cdn_hq")
	if err != nil {
		return err
	}
	return a.setupCapture(cfg, names, denoise, true)
}

// ConfigureVideo は動画用のストリームを設定する
func (a *App) ConfigureVideo(flags VideoFlags) error {
	a.logger.Debug("動画を設定します")

	haveLores := a.opts.LoresWidth > 0 && a.opts.LoresHeight > 0
	roles := []device.StreamRole{device.RoleVideoRecording}
	names := []string{StreamVideo}
	if flags&VideoRaw != 0 {
		roles = append(roles, device.RoleRaw)
		names = append(names, StreamRaw)
	}
	if haveLores {
		roles = append(roles, device.RoleViewfinder)
		names = append(names, StreamLores)
	}

	cfg, err := a.cam.GenerateConfiguration(roles)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	main := cfg.At(0)
	main.PixelFormat = device.FormatYUV420
	main.BufferCount = 6
	if a.opts.BufferCount > 0 {
		main.BufferCount = a.opts.BufferCount
	}
	if a.opts.Width > 0 {
		main.Size.Width = a.opts.Width
	}
	if a.opts.Height > 0 {
		main.Size.Height = a.opts.Height
	}

	idx := 1
	if flags&VideoRaw != 0 {
		raw := cfg.At(idx)
		raw.Size = main.Size
		raw.BufferCount = main.BufferCount
		idx++
	}
	if haveLores {
		lores := device.Size{Width: a.opts.LoresWidth, Height: a.opts.LoresHeight}.AlignDownTo(2, 2)
		if !lores.Fits(main.Size) {
			return fmt.Errorf("%w: 低解像度画像 %s が動画 %s より大きいです", ErrConfiguration, lores, main.Size)
		}
		sc := cfg.At(idx)
		sc.PixelFormat = device.FormatYUV420
		sc.Size = lores
		sc.BufferCount = main.BufferCount
	}
	cfg.Transform = a.opts.Transform

	denoise, err := parseDenoise(a.opts.Denoise, "cdn_fast")
	if err != nil {
		return err
	}
	return a.setupCapture(cfg, names, denoise, false)
}

// setupCapture は設定を検証・適用し、バッファを確保してマップする
// 失敗した場合は途中までの確保を全て戻す
func (a *App) setupCapture(cfg *device.Configuration, names []string, denoise device.NoiseReduction, still bool) error {
	a.stopMu.Lock()
	defer a.stopMu.Unlock()

	if !a.opened {
		return ErrNotOpen
	}
	if a.started {
		return ErrAlreadyStarted
	}
	if a.configuration != nil {
		return fmt.Errorf("%w: 既に設定済みです", ErrConfiguration)
	}

	switch cfg.Validate() {
	case device.Invalid:
		return fmt.Errorf("%w: デバイスが設定を受け付けません", ErrConfiguration)
	case device.Adjusted:
		a.logger.Warn("ストリーム設定が調整されました")
	}

	if err := a.cam.Configure(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	a.allocator = a.cam.NewAllocator()
	for i, sc := range cfg.Streams {
		stream := sc.Stream()
		bufs, err := a.allocator.Allocate(stream)
		if err != nil {
			return errors.Join(fmt.Errorf("%w: %v", ErrAllocation, err), a.teardownLocked())
		}
		for _, buf := range bufs {
			if err := a.mmap.mapBuffer(buf); err != nil {
				return errors.Join(err, a.teardownLocked())
			}
		}
		a.frameBuffers[stream] = append(a.frameBuffers[stream], bufs...)
		a.streamOrder = append(a.streamOrder, stream)
		name := sc.Role.String()
		if i < len(names) {
			name = names[i]
		}
		a.streams[name] = stream

		got := stream.Configuration()
		a.logger.Info("ストリームを設定しました",
			zap.String("stream", name),
			zap.String("size", got.Size.String()),
			zap.String("format", string(got.PixelFormat)),
			zap.Int("stride", got.Stride),
			zap.Int("buffers", len(bufs)))
	}

	a.configuration = cfg
	a.denoise = denoise
	a.stillMode = still
	return nil
}

// Teardown はマッピングとバッファを解放し、未設定の状態に戻す
func (a *App) Teardown() error {
	a.stopMu.Lock()
	defer a.stopMu.Unlock()

	if a.started {
		return ErrAlreadyStarted
	}
	return a.teardownLocked()
}

func (a *App) teardownLocked() error {
	var errs []error
	if err := a.mmap.unmapAll(); err != nil {
		errs = append(errs, fmt.Errorf("アンマップに失敗: %w", err))
	}
	if a.allocator != nil {
		if err := a.allocator.Free(); err != nil {
			errs = append(errs, fmt.Errorf("バッファの解放に失敗: %w", err))
		}
		a.allocator = nil
	}
	a.configuration = nil
	a.streams = make(map[string]*device.Stream)
	a.streamOrder = nil
	a.frameBuffers = make(map[*device.Stream][]*device.FrameBuffer)
	return errors.Join(errs...)
}

// GetStream は名前からストリームを返す
func (a *App) GetStream(name string) (*device.Stream, bool) {
	a.stopMu.Lock()
	defer a.stopMu.Unlock()
	s, ok := a.streams[name]
	return s, ok
}

// MainStream はビューファインダー、静止画、動画の順で最初に設定されているストリームを返す
func (a *App) MainStream() *device.Stream {
	for _, name := range []string{StreamViewfinder, StreamStill, StreamVideo} {
		if s, ok := a.GetStream(name); ok {
			return s
		}
	}
	return nil
}

// StreamDimensions はストリームの幅・高さ・ストライドを返す
func StreamDimensions(s *device.Stream) (width, height, stride int) {
	if s == nil {
		return 0, 0, 0
	}
	cfg := s.Configuration()
	return cfg.Size.Width, cfg.Size.Height, cfg.Stride
}
