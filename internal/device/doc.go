// Package device はUSB撮影デバイスのセッションとレジストリを管理する
//
// # 責務
// - デバイスセッションの接続状態マシンの管理
// - コマンドの送受信（許可リスト検証・シーケンス採番）
// - ライブビューのストリーミングループの制御
// - 同時オープン数の上限を守るレジストリ
// - デバイス識別子の採番と重複防止
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - デバイスへの接続・切断を管理したい
// - 個別デバイスにコマンドを送信したい
// - ライブビューのフレームを受け取りたい
// - 接続中デバイスのスナップショットを取得したい
//
// # 仕様
// - 状態遷移: Disconnected → Initializing → Connected、失敗時は Error
//   Disconnected から Connected への直接遷移は存在しない
// - 1セッションは1つのUSBハンドルを専有する
// - 同時オープンは最大4セッション（ハードリミット）
// - コマンドのタイムアウトは復旧可能エラー、転送の致命的失敗は即Disconnected
// - Thread-safe な操作をサポート
package device
