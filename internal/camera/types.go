package camera

import (
	"time"
)

// Status はカメラの動作状態を表す
type Status string

const (
	StatusInactive Status = "inactive" // カメラは停止中
	StatusActive   Status = "active"   // カメラは動作中
)

// ストリーム名
const (
	StreamViewfinder = "viewfinder"
	StreamStill      = "still"
	StreamVideo      = "video"
	StreamLores      = "lores"
	StreamRaw        = "raw"
)

// MsgType はメッセージキューのイベント種別
type MsgType int

const (
	MsgRequestComplete MsgType = iota // フレーム完了（Payloadあり）
	MsgQuit                           // 終了要求
	MsgTimeout                        // アプリケーションのタイムアウト
)

func (t MsgType) String() string {
	switch t {
	case MsgRequestComplete:
		return "request_complete"
	case MsgQuit:
		return "quit"
	case MsgTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Msg はメッセージキューで運ばれるイベント
// MsgRequestComplete の場合、受け取った側がPayloadをReleaseする
type Msg struct {
	Type    MsgType
	Payload *CompletedRequestRef
}

// Options はカメラの設定
type Options struct {
	// 画像サイズ（0ならデバイスの既定値）
	Width            int
	Height           int
	ViewfinderWidth  int
	ViewfinderHeight int
	LoresWidth       int
	LoresHeight      int

	BufferCount int     // メインストリームのバッファ数（0なら既定値）
	Transform   int     // 0: なし, 1: hflip, 2: vflip, 3: 180度
	Framerate   float64 // 0なら指定なし

	Shutter    time.Duration // 0なら自動
	Gain       float64       // 0なら自動
	EV         float64
	Brightness float64
	Contrast   float64
	Saturation float64
	Sharpness  float64
	Denoise    string // auto, off, cdn_off, cdn_fast, cdn_hq
}

// DefaultOptions は既定の設定を返す
func DefaultOptions() Options {
	return Options{
		Contrast:   1.0,
		Saturation: 1.0,
		Sharpness:  1.0,
		Denoise:    "auto",
	}
}

// Stats は統計情報
type Stats struct {
	Status          Status `json:"status"`
	Sequence        uint64 `json:"sequence"`         // 次に割り当てる連番
	FramesDisplayed uint64 `json:"frames_displayed"` // プレビュー表示数
	FramesDropped   uint64 `json:"frames_dropped"`   // プレビュー破棄数
	KnownCompleted  int    `json:"known_completed"`  // リサイクル待ちの完了リクエスト数
	FreeRequests    int    `json:"free_requests"`    // 再利用可能なリクエスト数
	RecycleMisses   uint64 `json:"recycle_misses"`   // 空きリクエスト不足で再投入できなかった回数
	PendingMessages int    `json:"pending_messages"` // メッセージキューの滞留数
}
