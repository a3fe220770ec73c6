package camera

import (
	"fmt"
	"sync"

	"rensha/internal/device"
)

// Encoder は動画エンコーダ
//
// EncodeBuffer に渡した領域は、入力完了コールバックが同じ fd で呼ばれるまで有効。
// 入力完了は投入順に通知されなければならない。
type Encoder interface {
	EncodeBuffer(fd int, span []byte, width, height, stride int, timestampUs int64) error
	SetInputDoneCallback(fn func(fd int))
	SetOutputReadyCallback(fn func(data []byte, timestampUs int64, keyframe bool))
	Close() error
}

type encodeEntry struct {
	fd  int
	ref *CompletedRequestRef
}

// Recorder はエンコード中のフレームの参照を保持する
// プレビューと違いフレームを破棄しない
type Recorder struct {
	app     *App
	encoder Encoder

	mu    sync.Mutex
	queue []encodeEntry
}

// NewRecorder はエンコーダを接続したRecorderを作成する
func NewRecorder(app *App, enc Encoder) *Recorder {
	r := &Recorder{app: app, encoder: enc}
	enc.SetInputDoneCallback(r.inputDone)
	return r
}

// SetOutputReadyCallback はエンコード結果の受け取り先を設定する
func (r *Recorder) SetOutputReadyCallback(fn func(data []byte, timestampUs int64, keyframe bool)) {
	r.encoder.SetOutputReadyCallback(fn)
}

// EncodeBuffer はフレームをエンコーダへ渡す
// 呼び出し側の参照はそのまま残り、エンコーダ用には別の参照を作る
func (r *Recorder) EncodeBuffer(ref *CompletedRequestRef, stream *device.Stream) error {
	if stream == nil {
		return fmt.Errorf("%w: ストリームが指定されていません", ErrProtocol)
	}
	clone := ref.Clone()
	if clone == nil {
		return fmt.Errorf("%w: 解放済みのフレームです", ErrProtocol)
	}

	cr := clone.Request()
	buf, ok := cr.Buffers[stream]
	if !ok {
		clone.Release()
		return fmt.Errorf("%w: ストリームのバッファがありません", ErrProtocol)
	}
	spans := r.app.Mmap(buf)
	if len(spans) == 0 {
		clone.Release()
		return fmt.Errorf("%w: マップされていないバッファです", ErrProtocol)
	}

	sc := stream.Configuration()
	fd := buf.Planes()[0].FD
	ts := int64(buf.Metadata().Timestamp / 1000)

	// 入力完了がEncodeBufferの中で届いても良いように先に積む
	r.mu.Lock()
	r.queue = append(r.queue, encodeEntry{fd: fd, ref: clone})
	r.mu.Unlock()

	if err := r.encoder.EncodeBuffer(fd, spans[0], sc.Size.Width, sc.Size.Height, sc.Stride, ts); err != nil {
		r.removeLast(clone)
		clone.Release()
		return fmt.Errorf("エンコードに失敗: %w", err)
	}
	return nil
}

// removeLast はエンコーダが受け付けなかった項目を取り除く
func (r *Recorder) removeLast(ref *CompletedRequestRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.queue) - 1; i >= 0; i-- {
		if r.queue[i].ref == ref {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			return
		}
	}
}

func (r *Recorder) inputDone(fd int) {
	if err := r.bufferDone(fd); err != nil {
		r.app.fatal(err)
	}
}

// bufferDone は先頭の項目を取り出して参照を解放する
// 空のとき、または先頭とfdが一致しないときはプロトコル違反
func (r *Recorder) bufferDone(fd int) error {
	r.mu.Lock()
	if len(r.queue) == 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: エンコード待ちのフレームがないのに入力完了が通知されました", ErrProtocol)
	}
	head := r.queue[0]
	if head.fd != fd {
		r.mu.Unlock()
		return fmt.Errorf("%w: 入力完了の順序が不正です: 期待 %d, 実際 %d", ErrProtocol, head.fd, fd)
	}
	r.queue[0] = encodeEntry{}
	r.queue = r.queue[1:]
	r.mu.Unlock()

	head.ref.Release()
	return nil
}

// Pending はエンコーダが保持しているフレーム数を返す
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Close はエンコーダを閉じ、戻ってこなかったフレームを解放する
func (r *Recorder) Close() error {
	err := r.encoder.Close()

	r.mu.Lock()
	rest := r.queue
	r.queue = nil
	r.mu.Unlock()

	for _, e := range rest {
		e.ref.Release()
	}
	if err != nil {
		return fmt.Errorf("エンコーダの終了に失敗: %w", err)
	}
	return nil
}
