/*
Package encoder は動画エンコーダを提供する

camera.Encoder を実装する。

  - FFmpeg: YUV420のフレームをffmpegの標準入力へ流し込む
  - Null: エンコードせずバッファをその場で返す
*/
package encoder
