package camera

import (
	"fmt"
	"sync"

	"rensha/internal/device"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// Renderer はプレビューの描画先
//
// Show に渡した領域は、done コールバックが同じ fd で呼ばれるまで有効。
// done は Show の中から同期的に呼んでもよい。Reset の後は done を呼んではならない。
type Renderer interface {
	SetDoneCallback(fn func(fd int))
	Show(fd int, span []byte, width, height, stride int)
	Reset()
	Quit() bool
	MaxImageSize() (width, height int)
}

type previewItem struct {
	ref    *CompletedRequestRef
	stream *device.Stream
}

// previewSlot は1件だけ保持できるプレビュー受け渡し口
// 埋まっているときに来たフレームは破棄する
type previewSlot struct {
	mu      sync.Mutex
	cond    *sync.Cond
	item    *previewItem
	aborted bool
	dropped uint64
}

func newPreviewSlot() *previewSlot {
	s := &previewSlot{aborted: true}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// offer は空いていれば格納してtrueを返す
// 中断中は受け付けない
func (s *previewSlot) offer(item *previewItem) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted {
		return false
	}
	if s.item != nil {
		s.dropped++
		return false
	}
	s.item = item
	s.cond.Signal()
	return true
}

// take は格納されるか中断されるまで待つ
// 中断が優先され、その場合は格納済みでも取り出さない
func (s *previewSlot) take() (*previewItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.aborted {
			return nil, false
		}
		if s.item != nil {
			item := s.item
			s.item = nil
			return item, true
		}
		s.cond.Wait()
	}
}

func (s *previewSlot) abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	s.cond.Broadcast()
}

// restart は中断を解除し、残っていた項目を返す
func (s *previewSlot) restart() *previewItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = false
	item := s.item
	s.item = nil
	return item
}

// reset は格納中の項目を取り出して空にする
func (s *previewSlot) reset() *previewItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.item
	s.item = nil
	return item
}

func (s *previewSlot) droppedFrames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// ShowPreview はフレームをプレビューへ渡す
// 呼び出し側の参照はそのまま残り、プレビュー用には別の参照を作る
// プレビューが前のフレームを処理中なら破棄する
func (a *App) ShowPreview(ref *CompletedRequestRef, stream *device.Stream) {
	if a.renderer == nil || stream == nil {
		return
	}
	clone := ref.Clone()
	if clone == nil {
		return
	}
	if !a.slot.offer(&previewItem{ref: clone, stream: stream}) {
		clone.Release()
	}
}

func (a *App) startPreview() {
	if a.renderer == nil {
		return
	}
	a.previewMu.Lock()
	defer a.previewMu.Unlock()
	if a.previewWG != nil {
		return
	}
	if stale := a.slot.restart(); stale != nil {
		stale.ref.Release()
	}
	a.previewWG = conc.NewWaitGroup()
	a.previewWG.Go(a.previewLoop)
}

// stopPreview はプレビューのゴルーチンを止め、表示中のフレームを全て解放する
func (a *App) stopPreview() {
	a.previewMu.Lock()
	wg := a.previewWG
	a.previewWG = nil
	a.previewMu.Unlock()

	a.slot.abort()
	if wg != nil {
		wg.Wait()
	}
	if a.renderer != nil {
		a.renderer.Reset()
	}

	a.pendingMu.Lock()
	pending := a.pendingPreview
	a.pendingPreview = make(map[int]*CompletedRequestRef)
	a.pendingMu.Unlock()

	for _, ref := range pending {
		ref.Release()
	}
}

func (a *App) previewLoop() {
	for {
		item, ok := a.slot.take()
		if !ok {
			return
		}
		if err := a.renderPreview(item); err != nil {
			item.ref.Release()
			a.fatal(err)
		}
	}
}

// renderPreview は参照を表示待ちの表へ移してから描画する
// エラーを返した場合、参照の解放は呼び出し側が行う
func (a *App) renderPreview(item *previewItem) error {
	sc := item.stream.Configuration()
	if sc.PixelFormat != device.FormatYUV420 {
		return fmt.Errorf("%w: プレビューはYUV420のみ対応しています: %s", ErrProtocol, sc.PixelFormat)
	}

	cr := item.ref.Request()
	if cr == nil {
		return fmt.Errorf("%w: 解放済みのフレームです", ErrProtocol)
	}
	buf, ok := cr.Buffers[item.stream]
	if !ok {
		return fmt.Errorf("%w: ストリームのバッファがありません", ErrProtocol)
	}
	spans := a.mmap.lookup(buf)
	if len(spans) == 0 {
		return fmt.Errorf("%w: マップされていないバッファです", ErrProtocol)
	}
	fd := buf.Planes()[0].FD

	a.pendingMu.Lock()
	prev := a.pendingPreview[fd]
	a.pendingPreview[fd] = item.ref
	a.pendingMu.Unlock()
	// 同じバッファの前回分がまだ戻っていなければここで手放す
	prev.Release()

	if a.renderer.Quit() {
		a.logger.Info("プレビューウィンドウが閉じられました")
		a.msgQueue.Post(Msg{Type: MsgQuit})
	}

	a.displayed.Add(1)
	a.renderer.Show(fd, spans[0], sc.Size.Width, sc.Size.Height, sc.Stride)
	return nil
}

// previewDone は描画先が領域を使い終えたときに呼ばれる
func (a *App) previewDone(fd int) {
	a.pendingMu.Lock()
	ref, ok := a.pendingPreview[fd]
	if ok {
		delete(a.pendingPreview, fd)
	}
	a.pendingMu.Unlock()

	if !ok {
		a.fatal(fmt.Errorf("%w: 表示待ちにないfdです: %d", ErrProtocol, fd))
		return
	}
	a.logger.Debug("プレビューを解放しました", zap.Int("fd", fd))
	ref.Release()
}
