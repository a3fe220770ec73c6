package camera

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"rensha/internal/device"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// App はカメラのバッファとリクエストのライフサイクルを管理する
//
// 完了コールバック（ドライバ側ゴルーチン）、プレビュー用ゴルーチン、
// アプリケーションのメインループの間でバッファを受け渡す。
// 全てのバッファは一度だけマップされ、1サイクルに一度だけ再投入され、
// 停止中・再起動中のデバイスには投入されない。
type App struct {
	cam    device.Camera
	opts   Options
	logger *zap.Logger
	fatal  func(error)

	// 設定時に作成し、ティアダウンで破棄する
	mmap          *memoryMap
	allocator     device.Allocator
	configuration *device.Configuration
	streams       map[string]*device.Stream
	streamOrder   []*device.Stream
	frameBuffers  map[*device.Stream][]*device.FrameBuffer
	denoise       device.NoiseReduction
	stillMode     bool

	// 停止ガード: started, epoch, known, requests, sequence, lastTimestamp を保護する
	// デバイスへの投入はこのロックを保持したまま行う
	stopMu        sync.Mutex
	opened        bool
	started       bool
	epoch         uint64
	known         map[uuid.UUID]struct{}
	requests      []*device.Request
	sequence      uint64
	lastTimestamp uint64
	recycleMisses atomic.Uint64

	freeMu       sync.Mutex
	freeRequests []*device.Request

	controlMu sync.Mutex
	controls  device.ControlList

	msgQueue *queue[Msg]

	// Openごとに作り直し、Closeで閉じる
	completions *queue[completion]
	dispatchMu  sync.Mutex
	dispatcher  *conc.WaitGroup

	post *postProcessor

	// プレビュー
	renderer       Renderer
	slot           *previewSlot
	previewMu      sync.Mutex
	previewWG      *conc.WaitGroup
	pendingMu      sync.Mutex
	pendingPreview map[int]*CompletedRequestRef
	displayed      atomic.Uint64
}

// Option はAppの任意設定
type Option func(*App)

// WithLogger はロガーを設定する
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMapper はmmapの実装を差し替える
func WithMapper(m Mapper) Option {
	return func(a *App) { a.mmap = newMemoryMap(m) }
}

// WithRenderer はプレビューの描画先を設定する
func WithRenderer(r Renderer) Option {
	return func(a *App) { a.renderer = r }
}

// WithFatalHandler はバックグラウンドで起きた致命的エラーの処理を設定する
// 既定ではログを出力してプロセスを終了する
func WithFatalHandler(fn func(error)) Option {
	return func(a *App) { a.fatal = fn }
}

// WithStages は後処理ステージを設定する
func WithStages(stages ...Stage) Option {
	return func(a *App) { a.post.stages = append(a.post.stages, stages...) }
}

// New は新しいAppを作成する
func New(cam device.Camera, opts Options, options ...Option) *App {
	a := &App{
		cam:            cam,
		opts:           opts,
		logger:         zap.NewNop(),
		mmap:           newMemoryMap(nil),
		streams:        make(map[string]*device.Stream),
		frameBuffers:   make(map[*device.Stream][]*device.FrameBuffer),
		known:          make(map[uuid.UUID]struct{}),
		controls:       make(device.ControlList),
		msgQueue:       newQueue[Msg](),
		post:           &postProcessor{},
		slot:           newPreviewSlot(),
		pendingPreview: make(map[int]*CompletedRequestRef),
	}
	for _, o := range options {
		o(a)
	}
	if a.fatal == nil {
		a.fatal = func(err error) {
			a.logger.Fatal("致命的なエラーが発生しました", zap.Error(err))
		}
	}
	a.post.logger = a.logger
	// 後処理を通ったフレームはメッセージキューへ
	a.post.callback = func(ref *CompletedRequestRef) {
		a.msgQueue.Post(Msg{Type: MsgRequestComplete, Payload: ref})
	}
	return a
}

// Open はカメラを確保し、完了処理のゴルーチンを起動する
func (a *App) Open() error {
	a.stopMu.Lock()
	defer a.stopMu.Unlock()

	if a.opened {
		return nil
	}
	if err := a.cam.Acquire(); err != nil {
		return fmt.Errorf("カメラ %s の確保に失敗: %w", a.cam.ID(), err)
	}

	if a.renderer != nil {
		a.renderer.SetDoneCallback(a.previewDone)
	}

	completions := newQueue[completion]()
	a.completions = completions
	a.dispatcher = conc.NewWaitGroup()
	a.dispatcher.Go(func() { a.dispatchLoop(completions) })
	a.opened = true

	a.logger.Info("カメラを確保しました", zap.String("camera", a.cam.ID()))
	return nil
}

// Close はカメラを停止・解放する
func (a *App) Close() error {
	if err := a.StopCamera(); err != nil {
		return err
	}
	if err := a.Teardown(); err != nil {
		return err
	}

	a.stopMu.Lock()
	opened := a.opened
	a.opened = false
	completions, dispatcher := a.completions, a.dispatcher
	a.stopMu.Unlock()
	if !opened {
		return nil
	}

	completions.Close()
	dispatcher.Wait()

	if err := a.cam.Release(); err != nil {
		return fmt.Errorf("カメラの解放に失敗: %w", err)
	}

	a.logger.Info("カメラを閉じました",
		zap.Uint64("frames_displayed", a.displayed.Load()),
		zap.Uint64("frames_dropped", a.slot.droppedFrames()))
	return nil
}

// StartCamera はリクエストを作成し、デバイスを開始して全リクエストを投入する
func (a *App) StartCamera() error {
	a.stopMu.Lock()

	if !a.opened {
		a.stopMu.Unlock()
		return ErrNotOpen
	}
	if a.started {
		a.stopMu.Unlock()
		return ErrAlreadyStarted
	}
	if a.configuration == nil {
		a.stopMu.Unlock()
		return ErrNotConfigured
	}

	requests, err := a.makeRequests()
	if err != nil {
		a.stopMu.Unlock()
		return err
	}

	// アプリケーションが設定した値を優先し、未設定のものだけ既定値で埋める
	pending := a.takeControls()
	controls := pending.Clone()
	controls.Merge(a.startControls())

	if err := a.cam.Start(controls); err != nil {
		a.restoreControls(pending)
		a.stopMu.Unlock()
		return fmt.Errorf("%w: カメラの開始に失敗: %v", ErrSubmission, err)
	}
	a.started = true
	a.epoch++
	a.lastTimestamp = 0

	epoch := a.epoch
	completions := a.completions
	a.cam.SetRequestCompletedHandler(func(r *device.Request) {
		completions.Post(completion{request: r, epoch: epoch})
	})

	for _, r := range requests {
		if err := a.cam.QueueRequest(r); err != nil {
			a.abortStartLocked()
			a.restoreControls(pending)
			a.stopMu.Unlock()
			return fmt.Errorf("%w: %v", ErrSubmission, err)
		}
	}
	a.requests = requests
	a.stopMu.Unlock()

	a.startPreview()

	a.logger.Info("カメラを開始しました", zap.Int("requests", len(requests)))
	return nil
}

// abortStartLocked は投入に失敗した開始処理を取り消す
// 投入済みのリクエストはキャンセルされ、バッファは次の開始で組み直す
// stopMu を保持して呼ぶこと
func (a *App) abortStartLocked() {
	a.cam.SetRequestCompletedHandler(nil)
	if err := a.cam.Stop(); err != nil {
		a.logger.Warn("開始の取り消しでカメラの停止に失敗", zap.Error(err))
	}
	a.started = false
	a.epoch++
	a.drainFreeRequests()
}

// StopCamera はデバイスを停止し、保持中の完了リクエストを孤立させる
// 孤立したリクエストが後で解放されても再投入は行われない
// 完了処理のゴルーチン（後処理ステージ内）から呼び出してはならない
func (a *App) StopCamera() error {
	var orphans []*CompletedRequestRef

	a.stopMu.Lock()
	wasStarted := a.started
	if a.started {
		if err := a.cam.Stop(); err != nil {
			a.stopMu.Unlock()
			return fmt.Errorf("カメラの停止に失敗: %w", err)
		}
		a.started = false
		a.epoch++
	}

	a.cam.SetRequestCompletedHandler(nil)

	// 保持中の完了リクエストは再投入しない
	clear(a.known)

	orphans = appendPayloads(orphans, a.msgQueue.Clear())
	if item := a.slot.reset(); item != nil {
		orphans = append(orphans, item.ref)
	}

	a.drainFreeRequests()
	a.requests = nil
	a.takeControls()
	a.stopMu.Unlock()

	// 以下はガードの外で行う（解放がリサイクルを呼びガードを取るため）
	a.stopPreview()

	// 処理中の完了通知が終わるのを待つ
	a.dispatchMu.Lock()
	//nolint:staticcheck // 空のクリティカルセクションで完了処理との順序を保証する
	a.dispatchMu.Unlock()

	orphans = appendPayloads(orphans, a.msgQueue.Clear())
	if item := a.slot.reset(); item != nil {
		orphans = append(orphans, item.ref)
	}

	for _, ref := range orphans {
		ref.Release()
	}

	if wasStarted {
		a.logger.Info("カメラを停止しました", zap.Int("orphans", len(orphans)))
	}
	return nil
}

// Wait はメッセージキューからイベントを1つ取り出す
func (a *App) Wait(ctx context.Context) (Msg, error) {
	return a.msgQueue.Wait(ctx)
}

// PostMessage はメッセージキューにイベントを追加する
func (a *App) PostMessage(msg Msg) {
	a.msgQueue.Post(msg)
}

// SetControls は次に投入するリクエストに添えるコントロールを登録する
// 同じIDの値は上書きされ、リクエストに添えた時点で登録はクリアされる
func (a *App) SetControls(controls device.ControlList) {
	a.controlMu.Lock()
	defer a.controlMu.Unlock()
	for id, v := range controls {
		a.controls[id] = v
	}
}

// takeControls は登録済みのコントロールを取り出してクリアする
func (a *App) takeControls() device.ControlList {
	a.controlMu.Lock()
	defer a.controlMu.Unlock()
	c := a.controls
	a.controls = make(device.ControlList)
	return c
}

// restoreControls は取り出したコントロールを登録に戻す
// その間に登録された値の方を優先する
func (a *App) restoreControls(controls device.ControlList) {
	a.controlMu.Lock()
	defer a.controlMu.Unlock()
	a.controls.Merge(controls)
}

// Mmap はバッファのマップ済み領域を返す
func (a *App) Mmap(buf *device.FrameBuffer) [][]byte {
	return a.mmap.lookup(buf)
}

// CameraID はカメラの識別子を返す
func (a *App) CameraID() string {
	return a.cam.ID()
}

// Status は動作状態を返す
func (a *App) Status() Status {
	a.stopMu.Lock()
	defer a.stopMu.Unlock()
	if a.started {
		return StatusActive
	}
	return StatusInactive
}

// Stats は統計情報を返す
func (a *App) Stats() Stats {
	a.stopMu.Lock()
	s := Stats{
		Status:         StatusInactive,
		Sequence:       a.sequence,
		KnownCompleted: len(a.known),
	}
	if a.started {
		s.Status = StatusActive
	}
	a.stopMu.Unlock()

	a.freeMu.Lock()
	s.FreeRequests = len(a.freeRequests)
	a.freeMu.Unlock()

	s.FramesDisplayed = a.displayed.Load()
	s.FramesDropped = a.slot.droppedFrames()
	s.RecycleMisses = a.recycleMisses.Load()
	s.PendingMessages = a.msgQueue.Len()
	return s
}

// startControls はオプションから開始時のコントロールを組み立てる
func (a *App) startControls() device.ControlList {
	c := make(device.ControlList)

	if a.stillMode {
		// 静止画では露出プロファイルに任せるためフレーム時間の上限を長くとる
		c.Set(device.FrameDurationLimits, [2]int64{100, 1000000000})
	} else if a.opts.Framerate > 0 {
		ft := int64(1000000 / a.opts.Framerate)
		c.Set(device.FrameDurationLimits, [2]int64{ft, ft})
	}
	if a.opts.Shutter > 0 {
		c.Set(device.ExposureTime, a.opts.Shutter.Microseconds())
	}
	if a.opts.Gain > 0 {
		c.Set(device.AnalogueGain, a.opts.Gain)
	}
	c.Set(device.ExposureValue, a.opts.EV)
	c.Set(device.Brightness, a.opts.Brightness)
	c.Set(device.Contrast, a.opts.Contrast)
	c.Set(device.Saturation, a.opts.Saturation)
	c.Set(device.Sharpness, a.opts.Sharpness)
	c.Set(device.NoiseReductionMode, a.denoise)
	return c
}

func appendPayloads(refs []*CompletedRequestRef, msgs []Msg) []*CompletedRequestRef {
	for _, m := range msgs {
		if m.Payload != nil {
			refs = append(refs, m.Payload)
		}
	}
	return refs
}
