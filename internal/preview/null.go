package preview

import "sync"

// Null は何も表示しない描画先
// 受け取ったバッファはその場で返す
type Null struct {
	mu    sync.Mutex
	done  func(fd int)
	shown uint64
}

// NewNull は何も表示しない描画先を作成する
func NewNull() *Null {
	return &Null{}
}

func (n *Null) SetDoneCallback(fn func(fd int)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.done = fn
}

func (n *Null) Show(fd int, span []byte, width, height, stride int) {
	n.mu.Lock()
	done := n.done
	n.shown++
	n.mu.Unlock()
	if done != nil {
		done(fd)
	}
}

func (n *Null) Reset() {}

func (n *Null) Quit() bool { return false }

func (n *Null) MaxImageSize() (int, int) { return 0, 0 }

// Shown は受け取ったフレーム数を返す
func (n *Null) Shown() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.shown
}
