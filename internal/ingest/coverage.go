package ingest

import (
	"context"
	"sort"
	"time"

	"harvest/internal/gateway/database"
	"harvest/internal/logger"
	"harvest/internal/market"
)

// ReconcileStats 汇总一次对账的结果。
type ReconcileStats struct {
	RangesCreated int `json:"ranges_created"`
	RangesMerged  int `json:"ranges_merged"`
}

// Tracker 把摄取后的实际落库数据对账成规范的、互不重叠的覆盖区间。
// 覆盖永远由真实写入推导，绝不因为任务成功就假定存在。
type Tracker struct {
	series   SeriesStore
	coverage CoverageStore
	now      func() time.Time
}

func NewTracker(series SeriesStore, coverage CoverageStore, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{series: series, coverage: coverage, now: now}
}

// mergeRanges 对排序后的区间做一趟线性合并：下一段起点落在当前段终点
// 一个 interval 单位以内（含相触与重叠）就并入，来源不一致时标记 mixed。
// 记录数直接相加，调用方负责事后用精确计数覆盖。
func mergeRanges(ranges []database.CoverageRange, intervalMin int) (merged []database.CoverageRange, mergedCount int) {
	if len(ranges) == 0 {
		return nil, 0
	}
	sorted := make([]database.CoverageRange, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	step := market.IntervalMillis(intervalMin)
	cur := sorted[0]
	for _, next := range sorted[1:] {
		if next.Start <= cur.End+step-1 {
			if next.End > cur.End {
				cur.End = next.End
			}
			cur.Records += next.Records
			if next.Source != cur.Source {
				cur.Source = database.SourceMixed
			}
			mergedCount++
			continue
		}
		merged = append(merged, cur)
		cur = next
	}
	merged = append(merged, cur)
	return merged, mergedCount
}

// ReconcileAsset 以时序存储的 min/max/count 为基准，把观测到的覆盖并入
// 既有区间并整体替换持久化。该 (asset, interval) 没有任何数据时清空覆盖。
func (t *Tracker) ReconcileAsset(ctx context.Context, assetID string, intervalMin int, source database.CoverageSource) (*database.CoverageRange, ReconcileStats, error) {
	var stats ReconcileStats

	minTS, maxTS, count, ok, err := t.series.SeriesRange(ctx, assetID, intervalMin)
	if err != nil {
		return nil, stats, transientOp("查询时序范围", err)
	}
	existing, err := t.coverage.ListCoverage(ctx, assetID, intervalMin)
	if err != nil {
		return nil, stats, transientOp("读取覆盖区间", err)
	}

	if !ok {
		if len(existing) > 0 {
			if err := t.coverage.ReplaceCoverage(ctx, assetID, intervalMin, nil); err != nil {
				return nil, stats, transientOp("替换覆盖区间", err)
			}
		}
		return nil, stats, nil
	}

	verifiedAt := t.now().UnixMilli()
	observed := database.CoverageRange{
		AssetID:     assetID,
		IntervalMin: intervalMin,
		Start:       minTS,
		End:         maxTS + market.IntervalMillis(intervalMin),
		Source:      source,
		Records:     count,
		VerifiedAt:  verifiedAt,
	}

	merged, mergedCount := mergeRanges(append(existing, observed), intervalMin)
	stats.RangesMerged = mergedCount
	stats.RangesCreated = len(merged)

	// 合并后的记录数以精确计数为准，避免重叠区间相加造成重复统计。
	for i := range merged {
		merged[i].AssetID = assetID
		merged[i].IntervalMin = intervalMin
		merged[i].VerifiedAt = verifiedAt
		exact, err := t.series.CountInRange(ctx, assetID, intervalMin, merged[i].Start, merged[i].End)
		if err != nil {
			return nil, stats, transientOp("统计区间记录数", err)
		}
		merged[i].Records = exact
	}

	if err := t.coverage.ReplaceCoverage(ctx, assetID, intervalMin, merged); err != nil {
		return nil, stats, transientOp("替换覆盖区间", err)
	}
	logger.Debugf("[coverage] %s %s 对账完成: %d 段", assetID, market.FormatInterval(intervalMin), len(merged))
	return &observed, stats, nil
}

// Reconcile 对一组 (asset, interval) 逐对对账并累计统计。
// 任何一对失败就中止：覆盖更新要么完整、要么留待任务编排层整体重试。
func (t *Tracker) Reconcile(ctx context.Context, pairs []PlanEntry, source database.CoverageSource) (ReconcileStats, error) {
	var total ReconcileStats
	for _, p := range pairs {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		_, stats, err := t.ReconcileAsset(ctx, p.Asset.ID, p.IntervalMin, source)
		if err != nil {
			return total, err
		}
		total.RangesCreated += stats.RangesCreated
		total.RangesMerged += stats.RangesMerged
	}
	return total, nil
}
