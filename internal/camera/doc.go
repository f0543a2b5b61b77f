// Package camera はビデオソースのライブストリームを管理する
//
// # 責務
// - ソースキーごとにひとつのキャプチャループを維持する
// - ローカルデバイスの排他制御（デバイス番号ごとのロック）
// - 生フレームとプレビューの公開
// - アイドル解放とヘルスチェック
//
// # 仕様
// - 数字のみのソースキーはローカルデバイス（/dev/videoN）、それ以外はネットワークURL
// - ソースはOpenStrategyのリストを順に試して開き、最初のフレームで検証する
// - 生フレームは公開後に変更しない。ズームはプレビューにのみ適用する
// - 連続読み取りエラーが上限に達するとループは終了し、ハンドルは不健全になる
// - 同じキーへの同時Acquireはひとつの作成にまとめられる
//
// # 前提要件
//   - ffmpeg: キャプチャに使用
//     Ubuntu/Debian: sudo apt install ffmpeg
//   - v4l-utils: デバイス名の取得に使用
//     Ubuntu/Debian: sudo apt install v4l-utils
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
