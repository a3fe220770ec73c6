// Package camera カメラのバッファとリクエストのライフサイクルを管理する
//
// # 責務
// - フレームバッファの確保とmmap（設定時に一度だけ）
// - リクエストの作成・投入・再投入
// - 完了したリクエストの参照カウントによる共有
// - プレビューとエンコーダへのフレームの受け渡し
// - 停止・再起動をまたいだ再投入の抑止
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - device.Camera を実装したデバイスからフレームを連続取得したい
// - 同じフレームをプレビュー・エンコーダ・アプリケーションで同時に使いたい
// - 動作中にカメラを停止・再開したい
//
// # 仕様
//   - App: ストリーム設定、開始・停止、メッセージキュー
//   - CompletedRequestRef: 保持者ごとの参照。最後の Release でバッファがデバイスへ戻る
//   - 完了通知はデバイス側のゴルーチンからキューへ積まれ、専用のゴルーチンで処理される
//   - プレビューは1枚分の受け渡し口のみを持ち、描画中に届いたフレームは破棄する
//   - Recorder: エンコーダに渡したフレームを投入順に保持し、破棄はしない
//   - 停止後に解放された参照は再投入されない
//
// # 使い方
//
//	app := camera.New(cam, opts, camera.WithLogger(logger))
//	app.Open()
//	app.ConfigureViewfinder()
//	app.StartCamera()
//	for {
//		msg, _ := app.Wait(ctx)
//		if msg.Type == camera.MsgRequestComplete {
//			app.ShowPreview(msg.Payload, app.MainStream())
//			msg.Payload.Release()
//		}
//	}
package camera
