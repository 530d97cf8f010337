// Package protocol はデバイスの制御チャンネルのワイヤフォーマットを実装する
//
// # 責務
// - 制御コマンドのバイナリフレームへのエンコード
// - USBバルク転送のチャンク列からの制御レスポンスの復元
// - ライブビューのバイトストリームからのJPEGフレーム抽出
// - ライブビュー中に混在する制御フレームとフレームデータの振り分け
// - metadata-initハンドシェイクの透過的な処理
// - コマンド名の許可リスト検証
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - デバイスへコマンドを送信してレスポンスを受信したい
// - ライブビューのフレームを連続的に取り出したい
// - ワイヤフォーマットの定数（マーカー・シグネチャ）を参照したい
//
// # 仕様
// - フレーム: 32バイトヘッダー（マジック8 + リトルエンディアン長2 + パディング22）+ ペイロード
// - ペイロードはUTF-8のJSON文字列にNUL終端を付けたもの
// - デバイスは任意のタイミングでハンドシェイクシグネチャを挿入できる
// - 非同期通知はレスポンスとして返さず、上限付きで読み直す
// - デバイス管理の知識は持たない（セッション層の責務）
package protocol
