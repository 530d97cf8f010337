// Package usb はgousbによるUSBデバイスの列挙とバルク転送を提供する
//
// # 責務
// - 対応ベンダーIDを持つデバイスの列挙
// - インターフェースのクレームとバルクエンドポイントの解決
// - バルク転送のTransport実装（タイムアウトの正規化を含む）
// - 定期スキャンによるデバイスの着脱検出
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - 物理デバイスを列挙・オープンしたい
// - デバイスの取り外しを検出して自動切断したい
// - 新しく挿入されたデバイスを自動接続したい
//
// # 仕様
// - gousbはホットプラグ通知を提供しないため、着脱検出は定期スキャンで行う
// - デバイスの識別キーはバス番号とアドレスの組（シリアルが無い個体でも一意）
// - gousbのタイムアウトはprotocol.ErrTimeoutに正規化される
package usb
