package camera

import (
	"sync/atomic"

	"rensha/internal/device"

	"github.com/google/uuid"
)

// CompletedRequest は完了したリクエストの内容
// 複数の利用者が同時に参照でき、最後の参照が解放されたときにバッファが再投入される
type CompletedRequest struct {
	ID        uuid.UUID                              // 再投入の正当性を判定する識別子
	Sequence  uint64                                 // 完了順の連番
	Buffers   map[*device.Stream]*device.FrameBuffer // 書き込み済みバッファ
	Metadata  device.ControlList                     // デバイスが返したメタデータ
	Framerate float64                                // 直前フレームとの差から求めた瞬間フレームレート
}

// sharedRequest は参照カウントの本体
type sharedRequest struct {
	refs    atomic.Int64
	req     *CompletedRequest
	recycle func(*CompletedRequest)
}

// CompletedRequestRef はCompletedRequestへの所有参照
// 保持者ごとに1つ持ち、使い終わったら必ずReleaseする
type CompletedRequestRef struct {
	shared   *sharedRequest
	released atomic.Bool
}

// newCompletedRequestRef は参照カウント1のハンドルを作成する
func newCompletedRequestRef(cr *CompletedRequest, recycle func(*CompletedRequest)) *CompletedRequestRef {
	s := &sharedRequest{req: cr, recycle: recycle}
	s.refs.Store(1)
	return &CompletedRequestRef{shared: s}
}

// Request は参照先を返す。解放済みならnil
func (r *CompletedRequestRef) Request() *CompletedRequest {
	if r == nil || r.released.Load() {
		return nil
	}
	return r.shared.req
}

// Clone は新しい保持者用の参照を作成する。解放済みならnil
func (r *CompletedRequestRef) Clone() *CompletedRequestRef {
	if r == nil || r.released.Load() {
		return nil
	}
	r.shared.refs.Add(1)
	return &CompletedRequestRef{shared: r.shared}
}

// Release は参照を手放す
// 同じ保持者の2回目以降の呼び出しは何もしない
// 最後の参照が解放されるとリサイクルが実行される
func (r *CompletedRequestRef) Release() {
	if r == nil || !r.released.CompareAndSwap(false, true) {
		return
	}
	if r.shared.refs.Add(-1) == 0 && r.shared.recycle != nil {
		r.shared.recycle(r.shared.req)
	}
}

func (r *CompletedRequestRef) refCount() int64 {
	return r.shared.refs.Load()
}
