package device

// Camera はコアが必要とするドライバ層の操作
// 全ての操作は失敗し得る
type Camera interface {
	// ID はカメラの識別子を返す
	ID() string

	// Acquire はカメラを排他的に確保する
	Acquire() error

	// Release はカメラを解放する
	Release() error

	// GenerateConfiguration は用途に応じた既定の設定を生成する
	GenerateConfiguration(roles []StreamRole) (*Configuration, error)

	// Configure は設定を適用し、各StreamConfigurationにStreamを割り当てる
	Configure(cfg *Configuration) error

	// NewAllocator は設定済みストリーム用のバッファアロケータを作成する
	NewAllocator() Allocator

	// CreateRequest は空のリクエストを作成する
	CreateRequest() (*Request, error)

	// QueueRequest はリクエストをデバイスのキューに積む
	QueueRequest(r *Request) error

	// Start は初期コントロールを適用してキャプチャを開始する
	Start(controls ControlList) error

	// Stop はキャプチャを停止する
	// キュー中のリクエストはキャンセル状態で完了通知される
	Stop() error

	// SetRequestCompletedHandler は完了通知の受け取り先を設定する（nilで切断）
	// ハンドラはドライバ側のゴルーチンから呼ばれる
	SetRequestCompletedHandler(fn func(*Request))
}

// Allocator はストリーム用のフレームバッファを確保する
type Allocator interface {
	// Allocate はストリームの BufferCount 分のバッファを確保する
	Allocate(stream *Stream) ([]*FrameBuffer, error)

	// Free は確保した全てのバッファを解放する
	Free() error
}
