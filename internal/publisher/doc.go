// Package publisher はフレーム情報をMQTTで配信する
//
// ペイロードはmsgpackでエンコードする。
package publisher
