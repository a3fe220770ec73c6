/*
Package preview はプレビューの描画先を提供する

# 責務

camera.Renderer を実装し、完了したフレームの表示先になる。

# 使い分け

  - MJPEG: 輝度プレーンをJPEGにして HTTP の MJPEG ストリームへ配信する
  - Null: 表示しない。バッファはその場で返す
*/
package preview
