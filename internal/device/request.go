package device

import "fmt"

// RequestStatus はリクエストの状態
type RequestStatus int

const (
	RequestPending   RequestStatus = iota // キュー待ち・処理中
	RequestComplete                       // 正常完了
	RequestCancelled                      // 停止によりキャンセル
)

// Request は1キャプチャ分の作業単位
// ストリームごとに1つのバッファを結び付け、コントロールを添えてデバイスに渡す
type Request struct {
	cookie   uint64
	status   RequestStatus
	buffers  map[*Stream]*FrameBuffer
	controls ControlList
	metadata ControlList
}

// NewRequest は空のリクエストを作成する（デバイス実装のCreateRequestから呼ばれる）
func NewRequest(cookie uint64) *Request {
	return &Request{
		cookie:   cookie,
		buffers:  make(map[*Stream]*FrameBuffer),
		controls: make(ControlList),
	}
}

// Cookie はデバイス実装が付けた識別子を返す
func (r *Request) Cookie() uint64 {
	return r.cookie
}

// Status は状態を返す
func (r *Request) Status() RequestStatus {
	return r.status
}

// AddBuffer はストリームにバッファを結び付ける
func (r *Request) AddBuffer(stream *Stream, buffer *FrameBuffer) error {
	if stream == nil || buffer == nil {
		return fmt.Errorf("ストリームまたはバッファがnilです")
	}
	if _, exists := r.buffers[stream]; exists {
		return fmt.Errorf("ストリームには既にバッファが設定されています")
	}
	r.buffers[stream] = buffer
	return nil
}

// Buffers はバインディングを返す
func (r *Request) Buffers() map[*Stream]*FrameBuffer {
	return r.buffers
}

// TakeBuffers はバインディングを取り出し、リクエスト側を空にする
func (r *Request) TakeBuffers() map[*Stream]*FrameBuffer {
	b := r.buffers
	r.buffers = make(map[*Stream]*FrameBuffer)
	return b
}

// Controls はリクエストに添えるコントロールを返す
func (r *Request) Controls() ControlList {
	return r.controls
}

// SetControls はコントロールを置き換える
func (r *Request) SetControls(controls ControlList) {
	if controls == nil {
		controls = make(ControlList)
	}
	r.controls = controls
}

// Metadata は完了時にデバイスが返したメタデータ
func (r *Request) Metadata() ControlList {
	return r.metadata
}

// Complete はデバイス実装が完了時に呼び出す
func (r *Request) Complete(status RequestStatus, metadata ControlList) {
	r.status = status
	r.metadata = metadata
}

// Reuse はリクエストを再利用できる状態に戻す
func (r *Request) Reuse() {
	r.status = RequestPending
	r.buffers = make(map[*Stream]*FrameBuffer)
	r.controls = make(ControlList)
	r.metadata = nil
}
