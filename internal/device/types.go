package device

import (
	"fmt"
	"sync"
)

// StreamRole はストリームの用途を表す
type StreamRole int

const (
	RoleRaw            StreamRole = iota // センサーのRAW出力
	RoleStillCapture                     // 静止画
	RoleVideoRecording                   // 動画
	RoleViewfinder                       // プレビュー
)

func (r StreamRole) String() string {
	switch r {
	case RoleRaw:
		return "raw"
	case RoleStillCapture:
		return "still"
	case RoleVideoRecording:
		return "video"
	case RoleViewfinder:
		return "viewfinder"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// PixelFormat はピクセルフォーマット
type PixelFormat string

const (
	FormatYUV420  PixelFormat = "YUV420"
	FormatRGB888  PixelFormat = "RGB888"
	FormatBGR888  PixelFormat = "BGR888"
	FormatSBGGR10 PixelFormat = "SBGGR10"
)

// Plane はフレームバッファの1プレーン
type Plane struct {
	FD     int    // dmabuf / memfd のファイルディスクリプタ
	Offset uint32 // FD内のオフセット
	Length uint32 // プレーンの長さ
}

// FrameMetadata はデバイスがフレームに書き込むメタデータ
type FrameMetadata struct {
	Sequence  uint32 // デバイス側のフレーム番号
	Timestamp uint64 // センサータイムスタンプ (ns)
}

// FrameBuffer はハードウェアが書き込むメモリ領域
// 生成から破棄までアロケータが所有する
type FrameBuffer struct {
	planes []Plane

	mu       sync.RWMutex
	metadata FrameMetadata
}

// NewFrameBuffer は新しいFrameBufferを作成する
func NewFrameBuffer(planes []Plane) *FrameBuffer {
	p := make([]Plane, len(planes))
	copy(p, planes)
	return &FrameBuffer{planes: p}
}

// Planes はプレーン一覧を返す
func (b *FrameBuffer) Planes() []Plane {
	return b.planes
}

// Metadata は最後に完了したフレームのメタデータを返す
func (b *FrameBuffer) Metadata() FrameMetadata {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.metadata
}

// SetMetadata はデバイス実装がフレーム完了時に呼び出す
func (b *FrameBuffer) SetMetadata(md FrameMetadata) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metadata = md
}

// StreamConfiguration は1ストリーム分の設定
type StreamConfiguration struct {
	Role        StreamRole
	PixelFormat PixelFormat
	Size        Size
	Stride      int
	BufferCount int

	stream *Stream
}

// Stream は設定適用後に割り当てられるストリームを返す（Configure前はnil）
func (c *StreamConfiguration) Stream() *Stream {
	return c.stream
}

// Stream は設定済みのハードウェア出力
// Configure後は不変
type Stream struct {
	config StreamConfiguration
}

// NewStream はデバイス実装がConfigure時に呼び出し、設定とストリームを結び付ける
func NewStream(cfg *StreamConfiguration) *Stream {
	s := &Stream{config: *cfg}
	s.config.stream = s
	cfg.stream = s
	return s
}

// Configuration はストリームの設定を返す
func (s *Stream) Configuration() StreamConfiguration {
	return s.config
}

// ValidationStatus は設定検証の結果
type ValidationStatus int

const (
	Valid    ValidationStatus = iota // そのまま使用可能
	Adjusted                         // デバイスが値を調整した
	Invalid                          // 使用不可
)

// Configuration はカメラ全体の設定
type Configuration struct {
	Streams   []*StreamConfiguration
	Transform int // 0: なし, 1: hflip, 2: vflip, 3: 180度

	// Validator はデバイス実装が設定する検証関数
	Validator func(*Configuration) ValidationStatus
}

// At は i 番目のストリーム設定を返す
func (c *Configuration) At(i int) *StreamConfiguration {
	return c.Streams[i]
}

// Len はストリーム数を返す
func (c *Configuration) Len() int {
	return len(c.Streams)
}

// Validate は設定を検証する
func (c *Configuration) Validate() ValidationStatus {
	if len(c.Streams) == 0 {
		return Invalid
	}
	if c.Validator == nil {
		return Valid
	}
	return c.Validator(c)
}
