package encoder

import "sync"

// Null は何もエンコードしないエンコーダ
// 受け取ったバッファはその場で返す
type Null struct {
	mu        sync.Mutex
	inputDone func(fd int)
	frames    uint64
	closed    bool
}

// NewNull は何もエンコードしないエンコーダを作成する
func NewNull() *Null {
	return &Null{}
}

func (n *Null) EncodeBuffer(fd int, span []byte, width, height, stride int, timestampUs int64) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	n.frames++
	done := n.inputDone
	n.mu.Unlock()

	if done != nil {
		done(fd)
	}
	return nil
}

func (n *Null) SetInputDoneCallback(fn func(fd int)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.inputDone = fn
}

func (n *Null) SetOutputReadyCallback(fn func(data []byte, timestampUs int64, keyframe bool)) {}

// Frames は受け取ったフレーム数を返す
func (n *Null) Frames() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.frames
}

func (n *Null) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	return nil
}
