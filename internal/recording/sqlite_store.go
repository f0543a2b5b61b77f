package recording

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"packrec/internal/persistence/sqlite"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS recordings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL UNIQUE,
		source TEXT NOT NULL,
		operator TEXT NOT NULL,
		category TEXT NOT NULL,
		code TEXT NOT NULL,
		started_at TEXT NOT NULL,
		ended_at TEXT,
		duration_seconds REAL NOT NULL DEFAULT 0,
		output_path TEXT NOT NULL DEFAULT '',
		format TEXT NOT NULL DEFAULT '',
		size_bytes INTEGER NOT NULL DEFAULT 0,
		sha256 TEXT NOT NULL DEFAULT '',
		metadata_path TEXT NOT NULL DEFAULT '',
		thumbnail_path TEXT NOT NULL DEFAULT '',
		frame_count INTEGER NOT NULL DEFAULT 0,
		transcode_failed INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL CHECK(status IN ('RECORDING', 'COMPLETED', 'CANCELLED', 'ERROR')),
		error_message TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_recordings_status ON recordings(status);
	CREATE INDEX IF NOT EXISTS idx_recordings_started_at ON recordings(started_at);
	CREATE INDEX IF NOT EXISTS idx_recordings_code ON recordings(code);`,
}

const recordColumns = `id, job_id, source, operator, category, code, started_at, ended_at,
	duration_seconds, output_path, format, size_bytes, sha256, metadata_path, thumbnail_path,
	frame_count, transcode_failed, status, error_message`

// SqliteStore はSQLiteによるStore実装
type SqliteStore struct {
	db *sql.DB
}

// NewSqliteStore はデータベースを開き、スキーマを移行する
func NewSqliteStore(ctx context.Context, dbPath string) (*SqliteStore, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}
	if err := sqlite.Migrate(ctx, db, migrations); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SqliteStore{db: db}, nil
}

// Close はデータベース接続を閉じる
func (s *SqliteStore) Close() error {
	return s.db.Close()
}

// timeLayout は文字列比較で時刻順になる固定幅の形式
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func (s *SqliteStore) Create(ctx context.Context, r *Record) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
	INSERT INTO recordings (job_id, source, operator, category, code, started_at, output_path, format, status, error_message)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.JobID, r.SourceKey, r.Operator, r.Category, r.Code, formatTime(r.StartedAt),
		r.OutputPath, r.Format, string(r.Status), r.ErrorMessage)
	if err != nil {
		return 0, fmt.Errorf("レコードの作成に失敗: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("レコードIDの取得に失敗: %w", err)
	}
	r.ID = id
	return id, nil
}

func (s *SqliteStore) Update(ctx context.Context, r *Record) error {
	var ended sql.NullString
	if r.EndedAt != nil {
		ended = sql.NullString{String: formatTime(*r.EndedAt), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
	UPDATE recordings SET
		ended_at = ?, duration_seconds = ?, output_path = ?, format = ?, size_bytes = ?,
		sha256 = ?, metadata_path = ?, thumbnail_path = ?, frame_count = ?, transcode_failed = ?,
		status = ?, error_message = ?
	WHERE id = ?`,
		ended, r.DurationSeconds, r.OutputPath, r.Format, r.SizeBytes,
		r.SHA256, r.MetadataPath, r.ThumbnailPath, r.FrameCount, r.TranscodeFailed,
		string(r.Status), r.ErrorMessage, r.ID)
	if err != nil {
		return fmt.Errorf("レコードの更新に失敗: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		r       Record
		started string
		ended   sql.NullString
		status  string
	)
	if err := row.Scan(&r.ID, &r.JobID, &r.SourceKey, &r.Operator, &r.Category, &r.Code,
		&started, &ended, &r.DurationSeconds, &r.OutputPath, &r.Format, &r.SizeBytes,
		&r.SHA256, &r.MetadataPath, &r.ThumbnailPath, &r.FrameCount, &r.TranscodeFailed,
		&status, &r.ErrorMessage); err != nil {
		return nil, err
	}
	t, err := time.Parse(timeLayout, started)
	if err != nil {
		return nil, fmt.Errorf("開始時刻の解析に失敗: %w", err)
	}
	r.StartedAt = t
	if ended.Valid {
		if t, err := time.Parse(timeLayout, ended.String); err == nil {
			r.EndedAt = &t
		}
	}
	r.Status = Status(status)
	return &r, nil
}

func (s *SqliteStore) getOne(ctx context.Context, where string, arg any) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM recordings WHERE `+where, arg)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("レコードの取得に失敗: %w", err)
	}
	return r, nil
}

func (s *SqliteStore) Get(ctx context.Context, id int64) (*Record, error) {
	return s.getOne(ctx, "id = ?", id)
}

func (s *SqliteStore) GetByJobID(ctx context.Context, jobID string) (*Record, error) {
	return s.getOne(ctx, "job_id = ?", jobID)
}

func (s *SqliteStore) list(ctx context.Context, query string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("レコード一覧の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var list []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *r)
	}
	return list, rows.Err()
}

func (s *SqliteStore) ListByStatus(ctx context.Context, status Status) ([]Record, error) {
	return s.list(ctx, `SELECT `+recordColumns+` FROM recordings WHERE status = ? ORDER BY id`, string(status))
}

func (s *SqliteStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.list(ctx, `SELECT `+recordColumns+` FROM recordings ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
}

func (s *SqliteStore) CountByStatus(ctx context.Context, from, to time.Time) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT status, COUNT(*) FROM recordings
	WHERE started_at >= ? AND started_at < ?
	GROUP BY status`, formatTime(from), formatTime(to))
	if err != nil {
		return nil, fmt.Errorf("件数の集計に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}
