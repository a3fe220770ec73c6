package camera

import "errors"

// 致命的なエラーの分類
// 呼び出し元へは fmt.Errorf("...: %w", Err...) の形で返し、errors.Is で判定する
var (
	// ErrConfiguration は設定の不整合（ストリーム間のバッファ数不一致など）
	ErrConfiguration = errors.New("カメラ設定が不正です")

	// ErrAllocation はバッファ確保の失敗
	ErrAllocation = errors.New("バッファの確保に失敗しました")

	// ErrMapping はバッファのmmap失敗
	ErrMapping = errors.New("バッファのマッピングに失敗しました")

	// ErrSubmission はデバイスへのリクエスト投入失敗
	ErrSubmission = errors.New("リクエストの投入に失敗しました")

	// ErrProtocol は協調コンポーネントのプロトコル違反（プログラミングエラー）
	ErrProtocol = errors.New("プロトコル違反")
)

// 致命的ではないエラー
var (
	ErrNotConfigured  = errors.New("カメラが設定されていません")
	ErrAlreadyStarted = errors.New("カメラは既に開始されています")
	ErrNotOpen        = errors.New("カメラが開かれていません")
)

// IsFatal はエラーが致命的な分類に属するかを返す
func IsFatal(err error) bool {
	return errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrAllocation) ||
		errors.Is(err, ErrMapping) ||
		errors.Is(err, ErrSubmission) ||
		errors.Is(err, ErrProtocol)
}
