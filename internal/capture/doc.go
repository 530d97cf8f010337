// Package capture は複数デバイスへの一斉撮影を調停する
//
// # 責務
// - 接続中デバイスへの撮影コマンドの一斉発行（並列・逐次）
// - デバイス間の撮影タイミングのばらつき（同期偏差）の計測
// - 直近の撮影セッション結果の保持
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - 複数台のデバイスで同時に撮影したい
// - 撮影タイミングの同期精度を確認したい
// - 直近の一斉撮影の結果を参照したい
//
// # 仕様
// - 並列モードでは1デバイスの失敗が他デバイスの撮影を中断しない
// - 同期偏差は成功したデバイスの送出時刻の最大値と最小値の差
//   成功が2台未満の場合は0
// - 結果の順序はデバイスの投入順を保つ
package capture
