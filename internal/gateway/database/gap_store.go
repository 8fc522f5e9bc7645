package database

import (
	"context"
	"fmt"
	"time"
)

const gapColumns = `id, asset_id, interval_min, start_ts, end_ts, missing_units,
	fillable, overflow_units, status, suggested_file, error,
	detected_at, attempted_at, filled_at`

func scanGap(row interface{ Scan(...any) error }) (GapRecord, error) {
	var g GapRecord
	var status string
	var fillable int
	err := row.Scan(&g.ID, &g.AssetID, &g.IntervalMin, &g.Start, &g.End, &g.MissingUnits,
		&fillable, &g.OverflowUnits, &status, &g.SuggestedFile, &g.Error,
		&g.DetectedAt, &g.AttemptedAt, &g.FilledAt)
	g.Fillable = fillable != 0
	g.Status = GapStatus(status)
	return g, err
}

// ReplaceGapsInWindow 重新检测后整体替换与 [start, end) 窗口相交、
// 仍处于 detected/unfillable 的缺口记录；backfilling/filled/failed 的历史保留。
// 按相交而非包含删除，避免不同窗口的检测残留重叠的未决缺口。
// 单个事务完成，返回写入后的记录（带 id）。
func (s *Store) ReplaceGapsInWindow(ctx context.Context, assetID string, intervalMin int, start, end int64, gaps []GapRecord) ([]GapRecord, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM gap_records
		WHERE asset_id=? AND interval_min=? AND end_ts>? AND start_ts<?
		  AND status IN (?, ?)`,
		assetID, intervalMin, start, end,
		string(GapStatusDetected), string(GapStatusUnfillable)); err != nil {
		return nil, err
	}
	out := make([]GapRecord, 0, len(gaps))
	for _, g := range gaps {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO gap_records
				(asset_id, interval_min, start_ts, end_ts, missing_units,
				 fillable, overflow_units, status, suggested_file, detected_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			g.AssetID, g.IntervalMin, g.Start, g.End, g.MissingUnits,
			boolInt(g.Fillable), g.OverflowUnits, string(g.Status), g.SuggestedFile, g.DetectedAt)
		if err != nil {
			return nil, err
		}
		g.ID, _ = res.LastInsertId()
		out = append(out, g)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListGaps 返回 (asset, interval) 与 [start, end) 相交的缺口记录，按 start 升序。
func (s *Store) ListGaps(ctx context.Context, assetID string, intervalMin int, start, end int64) ([]GapRecord, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+gapColumns+` FROM gap_records
		WHERE asset_id=? AND interval_min=? AND end_ts>? AND start_ts<?
		ORDER BY start_ts ASC`, assetID, intervalMin, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []GapRecord
	for rows.Next() {
		g, err := scanGap(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ListGapsByStatus 按状态列出缺口（unfillable 待办清单、失败重试清单都走这里）。
func (s *Store) ListGapsByStatus(ctx context.Context, statuses ...GapStatus) ([]GapRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	placeholders := ""
	args := make([]any, 0, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, string(st))
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+gapColumns+` FROM gap_records
		WHERE status IN (`+placeholders+`)
		ORDER BY asset_id ASC, interval_min ASC, start_ts ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []GapRecord
	for rows.Next() {
		g, err := scanGap(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// MarkGapBackfilling 把 detected 缺口标记为 backfilling；返回是否成功占用。
func (s *Store) MarkGapBackfilling(ctx context.Context, id int64) (bool, error) {
	db, err := s.handle()
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, `
		UPDATE gap_records SET status=?, attempted_at=? WHERE id=? AND status IN (?, ?)`,
		string(GapStatusBackfilling), time.Now().UnixMilli(), id,
		string(GapStatusDetected), string(GapStatusFailed))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RequeueGap 把 backfilling 缺口放回 detected（源无数据等跳过场景），保留备注。
func (s *Store) RequeueGap(ctx context.Context, id int64, note string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`UPDATE gap_records SET status=?, error=? WHERE id=? AND status=?`,
		string(GapStatusDetected), note, id, string(GapStatusBackfilling))
	return err
}

// ResolveGap 回写回填结果：成功 → filled，失败 → failed（保留错误文本）。
func (s *Store) ResolveGap(ctx context.Context, id int64, filled bool, errText string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	if filled {
		_, err = db.ExecContext(ctx,
			`UPDATE gap_records SET status=?, filled_at=?, error='' WHERE id=?`,
			string(GapStatusFilled), now, id)
		return err
	}
	_, err = db.ExecContext(ctx,
		`UPDATE gap_records SET status=?, error=? WHERE id=?`,
		string(GapStatusFailed), errText, id)
	return err
}

// PurgeResolvedGaps 删除 filled/failed 且 detected_at 早于 before 的缺口，
// unfillable 永久保留。返回删除行数。
func (s *Store) PurgeResolvedGaps(ctx context.Context, before int64) (int64, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, `
		DELETE FROM gap_records WHERE status IN (?, ?) AND detected_at<?`,
		string(GapStatusFilled), string(GapStatusFailed), before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
