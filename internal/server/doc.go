// Package server はHTTPの操作・状態APIを提供します。
//
// 責務:
//   - ストリームの取得・解放・用途とズームの変更、MJPEGプレビューの配信
//   - 録画の開始・停止・取消と記録の参照
//   - セッション、カメラ割り当て、スキャンの受付
//   - ソースの状態、ヘルスチェック、Prometheusメトリクスの公開
//
// 仕様:
//   - ルーティングはgin、応答は {success, message, error, data} のJSON
//   - ハンドラのpanicはgin.Recoveryで500に変換する
//   - グレースフルシャットダウンに対応
package server
