package preview

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

type lumaFrame struct {
	pix    []byte
	width  int
	height int
}

// MJPEG は輝度プレーンをJPEGにして購読者へ配信する描画先
//
// Show は輝度プレーンを自前のバッファへコピーした時点で done を呼ぶため、
// カメラのバッファを長く保持しない。JPEG化は専用のゴルーチンで行い、
// 前のフレームを処理中なら新しいフレームで置き換える。
type MJPEG struct {
	quality   int
	maxWidth  int
	maxHeight int
	logger    *zap.Logger

	mu          sync.Mutex
	done        func(fd int)
	subscribers map[int]chan []byte
	nextID      int
	latest      []byte
	encoded     uint64

	frames chan lumaFrame
	stopCh chan struct{}
	wg     *conc.WaitGroup
	once   sync.Once
}

// MJPEGOptions はMJPEG描画先の設定
type MJPEGOptions struct {
	Quality   int // 1-100
	MaxWidth  int // 0なら制限なし
	MaxHeight int
	Logger    *zap.Logger
}

// NewMJPEG はMJPEG描画先を作成し、JPEG化のゴルーチンを起動する
func NewMJPEG(opts MJPEGOptions) *MJPEG {
	if opts.Quality < 1 || opts.Quality > 100 {
		opts.Quality = jpeg.DefaultQuality
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &MJPEG{
		quality:     opts.Quality,
		maxWidth:    opts.MaxWidth,
		maxHeight:   opts.MaxHeight,
		logger:      logger,
		subscribers: make(map[int]chan []byte),
		frames:      make(chan lumaFrame, 1),
		stopCh:      make(chan struct{}),
		wg:          conc.NewWaitGroup(),
	}
	m.wg.Go(m.encodeLoop)
	return m
}

// SetDoneCallback は使い終わったバッファの通知先を設定する
func (m *MJPEG) SetDoneCallback(fn func(fd int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done = fn
}

// Show は輝度プレーンをコピーしてJPEG化を依頼する
func (m *MJPEG) Show(fd int, span []byte, width, height, stride int) {
	frame := lumaFrame{width: width, height: height}
	if len(span) >= stride*height && width <= stride {
		frame.pix = make([]byte, width*height)
		for y := 0; y < height; y++ {
			copy(frame.pix[y*width:(y+1)*width], span[y*stride:y*stride+width])
		}
	} else {
		m.logger.Warn("プレビュー画像のサイズが不正です",
			zap.Int("span", len(span)), zap.Int("stride", stride), zap.Int("height", height))
	}

	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done != nil {
		done(fd)
	}

	if frame.pix == nil {
		return
	}
	// 処理待ちのフレームは新しいもので置き換える
	select {
	case m.frames <- frame:
	default:
		select {
		case <-m.frames:
		default:
		}
		select {
		case m.frames <- frame:
		default:
		}
	}
}

// Reset は保持しているバッファがないので何もしない
func (m *MJPEG) Reset() {}

// Quit は常にfalse（ウィンドウを持たない）
func (m *MJPEG) Quit() bool {
	return false
}

// MaxImageSize は設定された最大サイズを返す
func (m *MJPEG) MaxImageSize() (int, int) {
	return m.maxWidth, m.maxHeight
}

// Subscribe はJPEGの配信を受け取るチャンネルを返す
// 受信が遅い購読者にはフレームを送らない
func (m *MJPEG) Subscribe() (<-chan []byte, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan []byte, 2)
	m.subscribers[id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subscribers[id]; ok {
			delete(m.subscribers, id)
			close(c)
		}
	}
	return ch, cancel
}

// Latest は最後にエンコードしたJPEGを返す
func (m *MJPEG) Latest() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest
}

// Encoded はエンコードしたフレーム数を返す
func (m *MJPEG) Encoded() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.encoded
}

// Close はJPEG化のゴルーチンを止め、全ての購読を終了する
func (m *MJPEG) Close() error {
	m.once.Do(func() {
		close(m.stopCh)
		m.wg.Wait()

		m.mu.Lock()
		for id, ch := range m.subscribers {
			delete(m.subscribers, id)
			close(ch)
		}
		m.mu.Unlock()
	})
	return nil
}

func (m *MJPEG) encodeLoop() {
	for {
		select {
		case <-m.stopCh:
			return
		case frame := <-m.frames:
			data, err := m.encode(frame)
			if err != nil {
				m.logger.Error("JPEG エンコードに失敗", zap.Error(err))
				continue
			}
			m.publish(data)
		}
	}
}

func (m *MJPEG) encode(frame lumaFrame) ([]byte, error) {
	img := &image.Gray{
		Pix:    frame.pix,
		Stride: frame.width,
		Rect:   image.Rect(0, 0, frame.width, frame.height),
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: m.quality}); err != nil {
		return nil, fmt.Errorf("JPEG エンコードに失敗: %w", err)
	}
	return buf.Bytes(), nil
}

func (m *MJPEG) publish(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.latest = data
	m.encoded++
	for _, ch := range m.subscribers {
		select {
		case ch <- data:
		default:
		}
	}
}
