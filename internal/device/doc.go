// Package device カメラドライバ層との境界を定義する
//
// # 責務
// - ストリーム・フレームバッファ・リクエストのデータ型
// - コントロールリスト（露出、ゲインなどの設定値とメタデータ）
// - カメラとアロケータのインターフェース
//
// # 仕様
// - FrameBuffer はアロケータが所有し、コアはリクエスト経由で借用するだけ
// - Request は QueueRequest でデバイスに渡り、完了コールバックで戻ってくる
// - 完了コールバックはドライバ側のゴルーチンから任意のタイミングで呼ばれる
//
// 実デバイスの実装は cgo が必要になるため、このリポジトリでは simcam（ソフトウェアカメラ）を提供する。
package device
