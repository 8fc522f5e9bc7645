package database

import (
	"context"
	"fmt"
)

// ListCoverage 返回 (asset, interval) 的覆盖区间，按 start 升序。
func (s *Store) ListCoverage(ctx context.Context, assetID string, intervalMin int) ([]CoverageRange, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, asset_id, interval_min, start_ts, end_ts, source, records, verified_at
		FROM coverage_ranges
		WHERE asset_id=? AND interval_min=?
		ORDER BY start_ts ASC`, assetID, intervalMin)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []CoverageRange
	for rows.Next() {
		var r CoverageRange
		var source string
		if err := rows.Scan(&r.ID, &r.AssetID, &r.IntervalMin, &r.Start, &r.End,
			&source, &r.Records, &r.VerifiedAt); err != nil {
			return nil, err
		}
		r.Source = CoverageSource(source)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReplaceCoverage 在单个事务内整体替换 (asset, interval) 的覆盖区间集合。
// 读者要么看到旧集合，要么看到新集合，不存在合并到一半的状态。
func (s *Store) ReplaceCoverage(ctx context.Context, assetID string, intervalMin int, ranges []CoverageRange) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM coverage_ranges WHERE asset_id=? AND interval_min=?`,
		assetID, intervalMin); err != nil {
		return err
	}
	for _, r := range ranges {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO coverage_ranges
				(asset_id, interval_min, start_ts, end_ts, source, records, verified_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			assetID, intervalMin, r.Start, r.End, string(r.Source), r.Records, r.VerifiedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}
