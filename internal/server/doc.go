// Package server は、カメラ処理をHTTPで操作・確認するためのサーバーです。
//
// このパッケージは、ginによるルーティング、カメラの開始・停止、
// 動作中のコントロール変更、プレビューのMJPEG配信を担当します。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - カメラ状態と統計情報の提供
//   - カメラの開始・停止とコントロール変更の受け付け
//   - プレビューのMJPEGストリームとスナップショットの配信
//
// 仕様:
//   - ルーティングはgin、アクセスログはzapで記録する
//   - カメラ処理は Pipeline、プレビューは FrameSource を通して扱う
//   - コントロールの値はginのバインディングで検証する
//   - 複数クライアントの同時接続をサポート
package server
