package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// Store 封装元数据与 K 线数据共用的 SQLite 句柄。
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open 打开（必要时创建）数据库并执行建表。
func Open(path string) (*Store, error) {
	if path == "" {
		path = "harvest.db"
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) handle() (*sql.DB, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("store 未初始化")
	}
	return db, nil
}

// Close 关闭底层连接。
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) migrate(ctx context.Context) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS klines (
			asset_id     TEXT    NOT NULL,
			interval_min INTEGER NOT NULL,
			open_time    INTEGER NOT NULL,
			close_time   INTEGER NOT NULL,
			open REAL, high REAL, low REAL, close REAL,
			volume REAL,
			trades INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (asset_id, interval_min, open_time)
		)`,
		`CREATE TABLE IF NOT EXISTS ingestion_jobs (
			id               TEXT PRIMARY KEY,
			tier_filter      INTEGER NOT NULL DEFAULT 0,
			intervals        TEXT    NOT NULL,
			start_ts         INTEGER NOT NULL,
			end_ts           INTEGER NOT NULL,
			status           TEXT    NOT NULL,
			remote_backfill  INTEGER NOT NULL DEFAULT 1,
			auto_gap_fill    INTEGER NOT NULL DEFAULT 1,
			assets_count     INTEGER NOT NULL DEFAULT 0,
			files_total      INTEGER NOT NULL DEFAULT 0,
			files_ingested   INTEGER NOT NULL DEFAULT 0,
			files_failed     INTEGER NOT NULL DEFAULT 0,
			records_ingested INTEGER NOT NULL DEFAULT 0,
			gaps_detected    INTEGER NOT NULL DEFAULT 0,
			gaps_filled      INTEGER NOT NULL DEFAULT 0,
			last_error       TEXT    NOT NULL DEFAULT '',
			started_at       INTEGER NOT NULL DEFAULT 0,
			completed_at     INTEGER NOT NULL DEFAULT 0,
			created_at       INTEGER NOT NULL,
			updated_at       INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS file_records (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id        TEXT    NOT NULL,
			path          TEXT    NOT NULL,
			content_hash  TEXT    NOT NULL,
			asset_id      TEXT    NOT NULL,
			interval_min  INTEGER NOT NULL,
			status        TEXT    NOT NULL,
			records       INTEGER NOT NULL DEFAULT 0,
			range_start   INTEGER NOT NULL DEFAULT 0,
			range_end     INTEGER NOT NULL DEFAULT 0,
			error         TEXT    NOT NULL DEFAULT '',
			created_at    INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL,
			UNIQUE (job_id, content_hash)
		)`,
		`CREATE TABLE IF NOT EXISTS coverage_ranges (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			asset_id     TEXT    NOT NULL,
			interval_min INTEGER NOT NULL,
			start_ts     INTEGER NOT NULL,
			end_ts       INTEGER NOT NULL,
			source       TEXT    NOT NULL,
			records      INTEGER NOT NULL DEFAULT 0,
			verified_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_coverage_pair
			ON coverage_ranges (asset_id, interval_min, start_ts)`,
		`CREATE TABLE IF NOT EXISTS gap_records (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			asset_id       TEXT    NOT NULL,
			interval_min   INTEGER NOT NULL,
			start_ts       INTEGER NOT NULL,
			end_ts         INTEGER NOT NULL,
			missing_units  INTEGER NOT NULL DEFAULT 0,
			fillable       INTEGER NOT NULL DEFAULT 0,
			overflow_units INTEGER NOT NULL DEFAULT 0,
			status         TEXT    NOT NULL,
			suggested_file TEXT    NOT NULL DEFAULT '',
			error          TEXT    NOT NULL DEFAULT '',
			detected_at    INTEGER NOT NULL DEFAULT 0,
			attempted_at   INTEGER NOT NULL DEFAULT 0,
			filled_at      INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_gap_pair
			ON gap_records (asset_id, interval_min, start_ts)`,
	}
	for _, q := range stmts {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migration 失败: %w", err)
		}
	}
	return nil
}
