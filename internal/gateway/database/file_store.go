package database

import (
	"context"
	"database/sql"
	"time"
)

// UpsertFileRecord 登记一个批量文件处理单元；(job_id, content_hash) 冲突时
// 保留旧行（同一任务内同一内容只登记一次）。返回行 id。
func (s *Store) UpsertFileRecord(ctx context.Context, rec FileIngestionRecord) (int64, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	now := time.Now().UnixMilli()
	if rec.Status == "" {
		rec.Status = FileStatusPending
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO file_records
			(job_id, path, content_hash, asset_id, interval_min, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, content_hash) DO NOTHING`,
		rec.JobID, rec.Path, rec.ContentHash, rec.AssetID, rec.IntervalMin,
		string(rec.Status), now, now)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return res.LastInsertId()
	}
	var id int64
	err = db.QueryRowContext(ctx,
		`SELECT id FROM file_records WHERE job_id=? AND content_hash=?`,
		rec.JobID, rec.ContentHash).Scan(&id)
	return id, err
}

// CompletedHashExists 判断某内容 hash 是否已在任意任务中成功摄取过。
// 这是跨任务幂等的依据：同一份文件内容重跑必须是 no-op。
func (s *Store) CompletedHashExists(ctx context.Context, contentHash string) (bool, error) {
	db, err := s.handle()
	if err != nil {
		return false, err
	}
	var one int
	err = db.QueryRowContext(ctx, `
		SELECT 1 FROM file_records WHERE content_hash=? AND status=? LIMIT 1`,
		contentHash, string(FileStatusCompleted)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

const fileColumns = `id, job_id, path, content_hash, asset_id, interval_min,
	status, records, range_start, range_end, error, created_at, updated_at`

func scanFile(row interface{ Scan(...any) error }) (FileIngestionRecord, error) {
	var rec FileIngestionRecord
	var status string
	err := row.Scan(&rec.ID, &rec.JobID, &rec.Path, &rec.ContentHash, &rec.AssetID,
		&rec.IntervalMin, &status, &rec.Records, &rec.RangeStart, &rec.RangeEnd,
		&rec.Error, &rec.CreatedAt, &rec.UpdatedAt)
	rec.Status = FileStatus(status)
	return rec, err
}

// ListFilesForJob 返回任务的全部文件记录（登记顺序）。
func (s *Store) ListFilesForJob(ctx context.Context, jobID string) ([]FileIngestionRecord, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM file_records WHERE job_id=? ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FileIngestionRecord
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateFileResult 回写单个文件的终态与统计。
func (s *Store) UpdateFileResult(ctx context.Context, id int64, status FileStatus, records, rangeStart, rangeEnd int64, errText string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		UPDATE file_records
		SET status=?, records=?, range_start=?, range_end=?, error=?, updated_at=?
		WHERE id=?`,
		string(status), records, rangeStart, rangeEnd, errText,
		time.Now().UnixMilli(), id)
	return err
}
