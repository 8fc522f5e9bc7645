package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

func encodeIntervals(mins []int) string {
	parts := make([]string, 0, len(mins))
	for _, m := range mins {
		parts = append(parts, strconv.Itoa(m))
	}
	return strings.Join(parts, ",")
}

func decodeIntervals(s string) []int {
	var out []int
	for _, p := range strings.Split(s, ",") {
		if v, err := strconv.Atoi(strings.TrimSpace(p)); err == nil && v > 0 {
			out = append(out, v)
		}
	}
	return out
}

// CreateJob 新建一条 pending 任务。
func (s *Store) CreateJob(ctx context.Context, job IngestionJobRecord) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	if job.Status == "" {
		job.Status = JobStatusPending
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO ingestion_jobs
			(id, tier_filter, intervals, start_ts, end_ts, status,
			 remote_backfill, auto_gap_fill, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.TierFilter, encodeIntervals(job.Intervals), job.StartTS, job.EndTS,
		string(job.Status), boolInt(job.RemoteBackfill), boolInt(job.AutoGapFill), now, now)
	return err
}

const jobColumns = `id, tier_filter, intervals, start_ts, end_ts, status,
	remote_backfill, auto_gap_fill,
	assets_count, files_total, files_ingested, files_failed,
	records_ingested, gaps_detected, gaps_filled,
	last_error, started_at, completed_at, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (IngestionJobRecord, error) {
	var job IngestionJobRecord
	var intervals, status string
	var remote, auto int
	err := row.Scan(&job.ID, &job.TierFilter, &intervals, &job.StartTS, &job.EndTS, &status,
		&remote, &auto,
		&job.Counters.Assets, &job.Counters.FilesTotal, &job.Counters.FilesIngested,
		&job.Counters.FilesFailed, &job.Counters.RecordsIngested,
		&job.Counters.GapsDetected, &job.Counters.GapsFilled,
		&job.LastError, &job.StartedAt, &job.CompletedAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return job, err
	}
	job.Intervals = decodeIntervals(intervals)
	job.Status = JobStatus(status)
	job.RemoteBackfill = remote != 0
	job.AutoGapFill = auto != 0
	return job, nil
}

// GetJob 按 id 读取；不存在时返回 ok=false。
func (s *Store) GetJob(ctx context.Context, id string) (IngestionJobRecord, bool, error) {
	db, err := s.handle()
	if err != nil {
		return IngestionJobRecord{}, false, err
	}
	row := db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM ingestion_jobs WHERE id=?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return IngestionJobRecord{}, false, nil
	}
	if err != nil {
		return IngestionJobRecord{}, false, err
	}
	return job, true, nil
}

// ListJobs 按创建时间倒序列出任务。
func (s *Store) ListJobs(ctx context.Context, limit int) ([]IngestionJobRecord, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM ingestion_jobs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []IngestionJobRecord
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// TransitionJob 原子迁移任务状态：只有当前状态在 from 集合内才会生效。
// 返回是否真的发生了迁移。
func (s *Store) TransitionJob(ctx context.Context, id string, from []JobStatus, to JobStatus) (bool, error) {
	db, err := s.handle()
	if err != nil {
		return false, err
	}
	for _, f := range from {
		if !CanTransition(f, to) {
			return false, fmt.Errorf("非法状态迁移 %s → %s", f, to)
		}
	}
	now := time.Now().UnixMilli()
	placeholders := strings.TrimRight(strings.Repeat("?,", len(from)), ",")
	args := []any{string(to), now}
	set := "status=?, updated_at=?"
	switch to {
	case JobStatusRunning:
		set += ", started_at=CASE WHEN started_at=0 THEN ? ELSE started_at END"
		args = append(args, now)
	case JobStatusCompleted, JobStatusFailed:
		set += ", completed_at=?"
		args = append(args, now)
	}
	args = append(args, id)
	for _, f := range from {
		args = append(args, string(f))
	}
	res, err := db.ExecContext(ctx,
		`UPDATE ingestion_jobs SET `+set+` WHERE id=? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// UpdateJobProgress 回写计数器与最近错误文本。
func (s *Store) UpdateJobProgress(ctx context.Context, id string, c JobCounters, lastError string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		UPDATE ingestion_jobs
		SET assets_count=?, files_total=?, files_ingested=?, files_failed=?,
		    records_ingested=?, gaps_detected=?, gaps_filled=?, last_error=?, updated_at=?
		WHERE id=?`,
		c.Assets, c.FilesTotal, c.FilesIngested, c.FilesFailed,
		c.RecordsIngested, c.GapsDetected, c.GapsFilled, lastError,
		time.Now().UnixMilli(), id)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
