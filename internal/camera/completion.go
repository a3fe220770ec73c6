package camera

import (
	"context"
	"fmt"

	"rensha/internal/device"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// completion はデバイスから届いた完了通知
// epoch は通知を受け付けた開始世代で、停止・再起動をまたいだ古い通知を判別する
type completion struct {
	request *device.Request
	epoch   uint64
}

// dispatchLoop は完了通知を1件ずつ処理する
// デバイス側のコールバックは通知をキューに積むだけで、ここでロックを取る
func (a *App) dispatchLoop(completions *queue[completion]) {
	ctx := context.Background()
	for {
		c, err := completions.Wait(ctx)
		if err != nil {
			return
		}
		a.dispatchMu.Lock()
		a.requestComplete(c)
		a.dispatchMu.Unlock()
	}
}

// requestComplete は完了したリクエストからCompletedRequestを作り、後処理へ渡す
func (a *App) requestComplete(c completion) {
	req := c.request
	if req.Status() == device.RequestCancelled {
		return
	}

	a.stopMu.Lock()
	if !a.started || c.epoch != a.epoch {
		a.stopMu.Unlock()
		return
	}

	md := req.Metadata()
	if md == nil {
		md = make(device.ControlList)
	}
	cr := &CompletedRequest{
		ID:       uuid.New(),
		Sequence: a.sequence,
		Buffers:  req.TakeBuffers(),
		Metadata: md,
	}
	a.sequence++
	a.known[cr.ID] = struct{}{}

	// リクエスト本体はすぐに空きリストへ戻す。バッファはCompletedRequest側が持つ
	req.Reuse()
	a.pushFreeRequest(req)

	ts := a.frameTimestamp(cr)
	if a.lastTimestamp != 0 && ts > a.lastTimestamp {
		cr.Framerate = 1e9 / float64(ts-a.lastTimestamp)
	}
	a.lastTimestamp = ts
	a.stopMu.Unlock()

	a.post.process(newCompletedRequestRef(cr, a.recycle))
}

// frameTimestamp は設定順で最初に見つかったバッファのタイムスタンプ（ns）を返す
func (a *App) frameTimestamp(cr *CompletedRequest) uint64 {
	for _, stream := range a.streamOrder {
		if buf, ok := cr.Buffers[stream]; ok {
			return buf.Metadata().Timestamp
		}
	}
	return 0
}

// recycle は最後の参照が解放されたときに呼ばれ、バッファをデバイスへ戻す
// 解放したゴルーチン上で実行される
func (a *App) recycle(cr *CompletedRequest) {
	if err := a.requeue(cr); err != nil {
		a.fatal(err)
	}
}

// requeue は停止ガードを保持したまま判定と投入を行う
// 停止中、または停止より前の世代のリクエストは何もせず破棄する
func (a *App) requeue(cr *CompletedRequest) error {
	buffers := cr.Buffers
	cr.Buffers = nil

	a.stopMu.Lock()
	defer a.stopMu.Unlock()

	if !a.started {
		return nil
	}
	if _, ok := a.known[cr.ID]; !ok {
		return nil
	}
	delete(a.known, cr.ID)

	req := a.popFreeRequest()
	if req == nil {
		// バッファは戻らないが処理は続行する
		a.recycleMisses.Add(1)
		a.logger.Warn("再投入用のリクエストがありません", zap.Uint64("sequence", cr.Sequence))
		return nil
	}

	for stream, buf := range buffers {
		if err := req.AddBuffer(stream, buf); err != nil {
			return fmt.Errorf("%w: バッファの追加に失敗: %v", ErrSubmission, err)
		}
	}
	req.SetControls(a.takeControls())

	if err := a.cam.QueueRequest(req); err != nil {
		return fmt.Errorf("%w: %v", ErrSubmission, err)
	}
	return nil
}
