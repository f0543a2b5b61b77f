// Package sqlite はSQLite接続の共通設定とスキーマ移行を提供する
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // cgo不要のドライバ
)

// Config はSQLite接続の設定
type Config struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultConfig は既定の設定を返す
func DefaultConfig() Config {
	return Config{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 4,
	}
}

// Open はWALモードとbusy_timeoutを全接続に適用して開く
func Open(dbPath string, cfg Config) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		dbPath, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqliteのオープンに失敗: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqliteへの接続確認に失敗: %w", err)
	}
	return db, nil
}

// Migrate はPRAGMA user_versionを基準に未適用のスキーマ変更を順に適用する
// migrations[i] はバージョン i+1 に対応する
func Migrate(ctx context.Context, db *sql.DB, migrations []string) error {
	var current int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("スキーマバージョンの取得に失敗: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("トランザクションの開始に失敗: %w", err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("スキーマ移行 v%d に失敗: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("スキーマバージョンの更新に失敗: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("スキーマ移行 v%d のコミットに失敗: %w", i+1, err)
		}
	}
	return nil
}
