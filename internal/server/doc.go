// Package server は、HTTPサーバーとストリーミング配信を管理します。
//
// このパッケージは、HTTPサーバーの起動、ルーティング、
// デバイス操作APIの提供、ライブビューの配信を担当します。
//
// 責務:
//   - HTTPサーバーの起動と管理
//   - デバイスの一覧・接続・切断・コマンド送信API
//   - 一斉撮影APIと直近結果の参照
//   - ライブビューのMJPEG / WebSocket配信
//   - Prometheusメトリクスの公開
//
// 仕様:
//   - ルーティングはgin-gonic/ginを使用
//   - WebSocketはgorilla/websocketを使用
//   - グレースフルシャットダウンに対応
//   - 1デバイスのライブビューを複数クライアントへ同時配信できる
package server
