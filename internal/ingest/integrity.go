package ingest

import (
	"context"

	"harvest/internal/market"
)

// MissingRun 表示一段连续缺失的 K 线。
type MissingRun struct {
	From  int64 `json:"from"`
	To    int64 `json:"to"`
	Count int64 `json:"count"`
}

// IntegrityReport 描述指定区间内逐根 K 线的实际存在情况。
// 与覆盖区间无关：直接扫描 open_time 序列，用于抽查静默缺失。
type IntegrityReport struct {
	AssetID     string       `json:"asset_id"`
	IntervalMin int          `json:"interval_min"`
	Start       int64        `json:"start"`
	End         int64        `json:"end"`
	Expected    int64        `json:"expected"`
	Present     int64        `json:"present"`
	Missing     []MissingRun `json:"missing"`
}

func (r IntegrityReport) Complete() bool { return len(r.Missing) == 0 }

// OpenTimeLister 提供逐根 open_time 查询，完整性抽查专用。
type OpenTimeLister interface {
	LoadOpenTimes(ctx context.Context, assetID string, intervalMin int, start, end int64) ([]int64, error)
}

// CheckIntegrity 对齐区间后逐根比对 open_time，返回缺失段清单。
func CheckIntegrity(ctx context.Context, lister OpenTimeLister, assetID string, intervalMin int, start, end int64) (IntegrityReport, error) {
	alStart := market.AlignDown(start, intervalMin)
	alEnd := market.AlignUp(end, intervalMin)
	report := IntegrityReport{
		AssetID:     assetID,
		IntervalMin: intervalMin,
		Start:       alStart,
		End:         alEnd,
		Expected:    ExpectedUnits(alStart, alEnd, intervalMin),
	}
	if report.Expected <= 0 {
		return report, nil
	}
	existing, err := lister.LoadOpenTimes(ctx, assetID, intervalMin, alStart, alEnd)
	if err != nil {
		return report, transientOp("读取 open_time 序列", err)
	}
	report.Present = int64(len(existing))

	step := market.IntervalMillis(intervalMin)
	cursor := alStart
	idx := 0
	for cursor < alEnd {
		if idx < len(existing) && existing[idx] == cursor {
			idx++
			cursor += step
			continue
		}
		if idx < len(existing) && existing[idx] < cursor {
			// 未对齐的杂点，跳过不计
			idx++
			continue
		}
		runStart := cursor
		var missing int64
		for cursor < alEnd && (idx >= len(existing) || existing[idx] != cursor) {
			cursor += step
			missing++
		}
		report.Missing = append(report.Missing, MissingRun{From: runStart, To: cursor, Count: missing})
	}
	return report, nil
}
