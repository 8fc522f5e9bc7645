package database

import (
	"context"
	"database/sql"
	"fmt"

	"harvest/internal/market"
)

// InsertKlines 批量写入 K 线，主键冲突直接忽略（同一根 K 线重复摄取是 no-op）。
// 返回实际新增的行数。整批在一个事务内完成。
func (s *Store) InsertKlines(ctx context.Context, assetID string, intervalMin int, candles []market.Candle) (int64, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO klines
			(asset_id, interval_min, open_time, close_time, open, high, low, close, volume, trades)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	var inserted int64
	for _, c := range candles {
		res, err := stmt.ExecContext(ctx, assetID, intervalMin,
			c.OpenTime, c.CloseTime, c.Open, c.High, c.Low, c.Close, c.Volume, c.Trades)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		inserted += n
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// SeriesRange 返回 (asset, interval) 实际落库数据的最小/最大 open_time 与总数。
// 没有任何数据时 ok=false。
func (s *Store) SeriesRange(ctx context.Context, assetID string, intervalMin int) (minTS, maxTS, count int64, ok bool, err error) {
	db, err := s.handle()
	if err != nil {
		return 0, 0, 0, false, err
	}
	row := db.QueryRowContext(ctx, `
		SELECT MIN(open_time), MAX(open_time), COUNT(*)
		FROM klines WHERE asset_id=? AND interval_min=?`, assetID, intervalMin)
	var mn, mx sql.NullInt64
	if err := row.Scan(&mn, &mx, &count); err != nil {
		return 0, 0, 0, false, err
	}
	if count == 0 || !mn.Valid {
		return 0, 0, 0, false, nil
	}
	return mn.Int64, mx.Int64, count, true, nil
}

// CountInRange 精确统计 [start, end) 内的 K 线根数。
func (s *Store) CountInRange(ctx context.Context, assetID string, intervalMin int, start, end int64) (int64, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	var n int64
	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM klines
		WHERE asset_id=? AND interval_min=? AND open_time>=? AND open_time<?`,
		assetID, intervalMin, start, end).Scan(&n)
	return n, err
}

// LoadOpenTimes 返回 [start, end) 内全部 open_time（升序），供完整性抽查。
func (s *Store) LoadOpenTimes(ctx context.Context, assetID string, intervalMin int, start, end int64) ([]int64, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT open_time FROM klines
		WHERE asset_id=? AND interval_min=? AND open_time>=? AND open_time<?
		ORDER BY open_time ASC`, assetID, intervalMin, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}
