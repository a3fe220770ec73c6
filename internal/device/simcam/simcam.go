// Package simcam はソフトウェアで動作するカメラを提供する
//
// memfd で確保したバッファに疑似画像を書き込み、一定間隔（またはテストからの明示的な呼び出し）で
// リクエストを完了させる。停止時はキューに残ったリクエストをキャンセル状態で通知する。
package simcam

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"rensha/internal/device"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// Options はシミュレーションカメラの設定
type Options struct {
	ID            string        // 空なら自動生成
	SensorSize    device.Size   // センサー解像度
	FrameInterval time.Duration // フレーム間隔
	Manual        bool          // trueの場合はCompleteNextを呼ぶまでフレームが進まない
	Logger        *zap.Logger
}

// Camera はdevice.Cameraのソフトウェア実装
type Camera struct {
	opts   Options
	logger *zap.Logger

	mu         sync.Mutex
	acquired   bool
	configured bool
	started    bool
	streams    map[*device.Stream]struct{}
	pending    []*device.Request
	handler    func(*device.Request)
	sequence   uint32
	cookie     uint64
	submitted  int
	controls   device.ControlList
	memory     map[*device.FrameBuffer][]byte
	queueErr   error

	// フレームループ制御用
	stopCh chan struct{}
	wg     *conc.WaitGroup
}

// New は新しいCameraを作成する
func New(opts Options) *Camera {
	if opts.ID == "" {
		opts.ID = "sim-" + uuid.New().String()[:8]
	}
	if opts.SensorSize.IsEmpty() {
		opts.SensorSize = device.Size{Width: 2028, Height: 1520}
	}
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = 33 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Camera{
		opts:     opts,
		logger:   logger.With(zap.String("camera", opts.ID)),
		streams:  make(map[*device.Stream]struct{}),
		controls: make(device.ControlList),
		memory:   make(map[*device.FrameBuffer][]byte),
	}
}

// ID はカメラの識別子を返す
func (c *Camera) ID() string {
	return c.opts.ID
}

// Acquire はカメラを確保する
func (c *Camera) Acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.acquired {
		return fmt.Errorf("カメラ %s は既に確保されています", c.opts.ID)
	}
	c.acquired = true
	return nil
}

// Release はカメラを解放する
func (c *Camera) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return fmt.Errorf("カメラ %s は動作中です", c.opts.ID)
	}
	c.acquired = false
	return nil
}

// GenerateConfiguration は用途ごとの既定設定を生成する
func (c *Camera) GenerateConfiguration(roles []device.StreamRole) (*device.Configuration, error) {
	if len(roles) == 0 {
		return nil, errors.New("ストリームの用途が指定されていません")
	}

	cfg := &device.Configuration{Validator: c.validate}
	for _, role := range roles {
		sc := &device.StreamConfiguration{Role: role, PixelFormat: device.FormatYUV420, BufferCount: 4}
		switch role {
		case device.RoleViewfinder:
			sc.Size = device.Size{Width: 800, Height: 600}
		case device.RoleStillCapture:
			sc.Size = c.opts.SensorSize
			sc.BufferCount = 1
		case device.RoleVideoRecording:
			sc.Size = device.Size{Width: 1920, Height: 1080}.BoundTo(c.opts.SensorSize)
		case device.RoleRaw:
			sc.PixelFormat = device.FormatSBGGR10
			sc.Size = c.opts.SensorSize
		default:
			return nil, fmt.Errorf("未対応の用途です: %v", role)
		}
		cfg.Streams = append(cfg.Streams, sc)
	}

	return cfg, nil
}

// validate はサイズを調整しストライドを計算する
func (c *Camera) validate(cfg *device.Configuration) device.ValidationStatus {
	status := device.Valid
	for _, sc := range cfg.Streams {
		if sc.Size.IsEmpty() {
			return device.Invalid
		}
		size := sc.Size.BoundTo(c.opts.SensorSize).AlignDownTo(2, 2)
		if size != sc.Size {
			sc.Size = size
			status = device.Adjusted
		}
		if sc.BufferCount < 1 {
			sc.BufferCount = 1
			status = device.Adjusted
		}
		sc.Stride = strideFor(sc.PixelFormat, sc.Size.Width)
	}
	return status
}

// Configure は設定を適用する
func (c *Camera) Configure(cfg *device.Configuration) error {
	if cfg.Validate() == device.Invalid {
		return errors.New("無効な設定です")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.acquired {
		return fmt.Errorf("カメラ %s は確保されていません", c.opts.ID)
	}
	if c.started {
		return fmt.Errorf("カメラ %s は動作中です", c.opts.ID)
	}

	c.streams = make(map[*device.Stream]struct{}, cfg.Len())
	for _, sc := range cfg.Streams {
		c.streams[device.NewStream(sc)] = struct{}{}
	}
	c.configured = true

	c.logger.Debug("ストリームを設定しました", zap.Int("streams", cfg.Len()))
	return nil
}

// NewAllocator はmemfdを使うアロケータを返す
func (c *Camera) NewAllocator() device.Allocator {
	return &allocator{cam: c}
}

// CreateRequest は空のリクエストを作成する
func (c *Camera) CreateRequest() (*device.Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.configured {
		return nil, errors.New("カメラが設定されていません")
	}
	c.cookie++
	return device.NewRequest(c.cookie), nil
}

// QueueRequest はリクエストをキューに積む
func (c *Camera) QueueRequest(r *device.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.queueErr != nil {
		return c.queueErr
	}
	if !c.started {
		return errors.New("カメラが開始されていません")
	}
	if len(r.Buffers()) == 0 {
		return errors.New("バッファのないリクエストです")
	}
	for stream := range r.Buffers() {
		if _, ok := c.streams[stream]; !ok {
			return errors.New("未設定のストリームのバッファが含まれています")
		}
	}

	c.pending = append(c.pending, r)
	c.submitted++
	return nil
}

// Start はキャプチャを開始する
func (c *Camera) Start(controls device.ControlList) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.configured {
		return errors.New("カメラが設定されていません")
	}
	if c.started {
		return fmt.Errorf("カメラ %s は既に開始されています", c.opts.ID)
	}

	c.controls = controls.Clone()
	c.started = true

	if !c.opts.Manual {
		c.stopCh = make(chan struct{})
		c.wg = conc.NewWaitGroup()
		stopCh := c.stopCh
		c.wg.Go(func() { c.frameLoop(stopCh) })
	}

	c.logger.Debug("キャプチャを開始しました")
	return nil
}

// Stop はキャプチャを停止し、キュー中のリクエストをキャンセルとして通知する
func (c *Camera) Stop() error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	stopCh, wg := c.stopCh, c.wg
	c.stopCh, c.wg = nil, nil
	c.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		wg.Wait()
	}

	c.mu.Lock()
	cancelled := c.pending
	c.pending = nil
	handler := c.handler
	c.mu.Unlock()

	for _, r := range cancelled {
		r.Complete(device.RequestCancelled, nil)
		if handler != nil {
			handler(r)
		}
	}

	c.logger.Debug("キャプチャを停止しました", zap.Int("cancelled", len(cancelled)))
	return nil
}

// SetRequestCompletedHandler は完了通知の受け取り先を設定する
func (c *Camera) SetRequestCompletedHandler(fn func(*device.Request)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

// frameLoop は一定間隔でリクエストを完了させる
func (c *Camera) frameLoop(stopCh <-chan struct{}) {
	ticker := time.NewTicker(c.opts.FrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			c.CompleteNext()
		}
	}
}

// CompleteNext はキュー先頭のリクエストを1つ完了させる
// 完了させるものがなければfalseを返す
func (c *Camera) CompleteNext() bool {
	c.mu.Lock()
	if !c.started || len(c.pending) == 0 {
		c.mu.Unlock()
		return false
	}

	req := c.pending[0]
	c.pending[0] = nil
	c.pending = c.pending[1:]

	// リクエストに添えられたコントロールを反映
	for id, v := range req.Controls() {
		c.controls[id] = v
	}

	seq := c.sequence
	c.sequence++
	ts := uint64(seq+1) * uint64(c.opts.FrameInterval)

	for _, buf := range req.Buffers() {
		if mem, ok := c.memory[buf]; ok {
			paint(mem, seq)
		}
		buf.SetMetadata(device.FrameMetadata{Sequence: seq, Timestamp: ts})
	}

	md := device.ControlList{
		device.SensorTimestamp: int64(ts),
		device.FrameDuration:   c.opts.FrameInterval.Microseconds(),
		device.DigitalGain:     1.0,
	}
	if v, ok := c.controls.Int64(device.ExposureTime); ok {
		md.Set(device.ExposureTime, v)
	} else {
		md.Set(device.ExposureTime, c.opts.FrameInterval.Microseconds())
	}
	if v, ok := c.controls.Float64(device.AnalogueGain); ok {
		md.Set(device.AnalogueGain, v)
	} else {
		md.Set(device.AnalogueGain, 1.0)
	}

	handler := c.handler
	c.mu.Unlock()

	req.Complete(device.RequestComplete, md)
	if handler != nil {
		handler(req)
	}
	return true
}

// Queued はデバイスのキューに残っているリクエスト数を返す
func (c *Camera) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Submitted はQueueRequestが受け付けた累計数を返す
func (c *Camera) Submitted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submitted
}

// Started は動作中かどうかを返す
func (c *Camera) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Controls は現在デバイスに反映されているコントロールのコピーを返す
func (c *Camera) Controls() device.ControlList {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controls.Clone()
}

// SetQueueError は以降のQueueRequestを失敗させる（nilで解除）
func (c *Camera) SetQueueError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queueErr = err
}

func (c *Camera) registerMemory(buf *device.FrameBuffer, mem []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memory[buf] = mem
}

func (c *Camera) unregisterMemory(buf *device.FrameBuffer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.memory, buf)
}

// paint はシーケンス番号に応じたグラデーションを書き込む
func paint(mem []byte, seq uint32) {
	for i := range mem {
		mem[i] = byte(i + int(seq))
	}
}

// strideFor は64バイト境界に揃えたストライドを返す
func strideFor(format device.PixelFormat, width int) int {
	bpp := 1
	switch format {
	case device.FormatRGB888, device.FormatBGR888:
		bpp = 3
	case device.FormatSBGGR10:
		bpp = 2
	}
	return (width*bpp + 63) &^ 63
}
