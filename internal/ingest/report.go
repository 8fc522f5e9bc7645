package ingest

import (
	"context"
	"sort"
	"time"

	"harvest/internal/asset"
	"harvest/internal/gateway/database"
	"harvest/internal/market"
)

// AssetCompleteness 是单个 (asset, interval) 的完整度明细。
// ActualUnits 来自时序存储的精确计数，不从覆盖区间推断，
// 以便发现静默损坏。
type AssetCompleteness struct {
	AssetID         string               `json:"asset_id"`
	Ticker          string               `json:"ticker"`
	Tier            int                  `json:"tier"`
	IntervalMin     int                  `json:"interval_min"`
	ExpectedUnits   int64                `json:"expected_units"`
	ActualUnits     int64                `json:"actual_units"`
	CompletenessPct float64              `json:"completeness_pct"`
	Gaps            []database.GapRecord `json:"gaps,omitempty"`
}

// IntervalSummary 是同一 interval 下所有标的的聚合。
type IntervalSummary struct {
	IntervalMin    int     `json:"interval_min"`
	AvgPct         float64 `json:"avg_pct"`
	CompleteAssets int     `json:"complete_assets"`
	PartialAssets  int     `json:"partial_assets"`
	FillableGaps   int     `json:"fillable_gaps"`
	UnfillableGaps int     `json:"unfillable_gaps"`
}

// CompletenessReport 是结构化的完整度报告，可导出并跨运行比较。
type CompletenessReport struct {
	GeneratedAt int64               `json:"generated_at"`
	TierFilter  int                 `json:"tier_filter"`
	StartTS     int64               `json:"start_ts"`
	EndTS       int64               `json:"end_ts"`
	OverallPct  float64             `json:"overall_pct"`
	Intervals   []IntervalSummary   `json:"intervals"`
	Assets      []AssetCompleteness `json:"assets"`
}

// Reporter 聚合覆盖与缺口数据生成完整度报告。
type Reporter struct {
	series   SeriesStore
	gaps     GapStore
	registry *asset.Registry
	now      func() time.Time
}

func NewReporter(series SeriesStore, gaps GapStore, registry *asset.Registry, now func() time.Time) *Reporter {
	if now == nil {
		now = time.Now
	}
	return &Reporter{series: series, gaps: gaps, registry: registry, now: now}
}

// ExpectedUnits 计算 [start, end) 内应有的 K 线根数（向上取整）。
func ExpectedUnits(start, end int64, intervalMin int) int64 {
	if end <= start {
		return 0
	}
	step := market.IntervalMillis(intervalMin)
	return (end - start + step - 1) / step
}

// GenerateReport 为 tier 过滤后的每个 (asset, interval) 计算完整度并聚合。
func (r *Reporter) GenerateReport(ctx context.Context, tierFilter int, intervals []int, start, end int64) (*CompletenessReport, error) {
	if start > end {
		return nil, &ValidationError{Field: "start/end", Detail: "start 晚于 end"}
	}
	for _, iv := range intervals {
		if iv <= 0 {
			return nil, &ValidationError{Field: "intervals", Detail: "interval 必须为正"}
		}
	}
	assets := r.registry.ListByTier(tierFilter)
	report := &CompletenessReport{
		GeneratedAt: r.now().UnixMilli(),
		TierFilter:  tierFilter,
		StartTS:     start,
		EndTS:       end,
	}

	type agg struct {
		sum        float64
		n          int
		complete   int
		partial    int
		fillable   int
		unfillable int
	}
	byInterval := make(map[int]*agg)

	var overallSum float64
	var overallN int
	for _, a := range assets {
		for _, iv := range intervals {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			expected := ExpectedUnits(start, end, iv)
			actual, err := r.series.CountInRange(ctx, a.ID, iv, start, end)
			if err != nil {
				return nil, transientOp("统计区间记录数", err)
			}
			pct := 0.0
			if expected > 0 {
				pct = 100 * float64(actual) / float64(expected)
			}
			gaps, err := r.gaps.ListGaps(ctx, a.ID, iv, start, end)
			if err != nil {
				return nil, transientOp("读取缺口记录", err)
			}
			entry := AssetCompleteness{
				AssetID:         a.ID,
				Ticker:          a.Ticker,
				Tier:            a.Tier,
				IntervalMin:     iv,
				ExpectedUnits:   expected,
				ActualUnits:     actual,
				CompletenessPct: pct,
				Gaps:            gaps,
			}
			report.Assets = append(report.Assets, entry)

			st := byInterval[iv]
			if st == nil {
				st = &agg{}
				byInterval[iv] = st
			}
			st.sum += pct
			st.n++
			if actual >= expected {
				st.complete++
			} else {
				st.partial++
			}
			for _, g := range gaps {
				if g.Fillable {
					st.fillable++
				} else {
					st.unfillable++
				}
			}
			overallSum += pct
			overallN++
		}
	}

	for iv, st := range byInterval {
		summary := IntervalSummary{
			IntervalMin:    iv,
			CompleteAssets: st.complete,
			PartialAssets:  st.partial,
			FillableGaps:   st.fillable,
			UnfillableGaps: st.unfillable,
		}
		if st.n > 0 {
			summary.AvgPct = st.sum / float64(st.n)
		}
		report.Intervals = append(report.Intervals, summary)
	}
	sort.Slice(report.Intervals, func(i, j int) bool {
		return report.Intervals[i].IntervalMin < report.Intervals[j].IntervalMin
	})
	if overallN > 0 {
		report.OverallPct = overallSum / float64(overallN)
	}
	return report, nil
}

// AssetDelta 是单个 (asset, interval) 两次报告间的完整度变化。
type AssetDelta struct {
	AssetID     string  `json:"asset_id"`
	IntervalMin int     `json:"interval_min"`
	OldPct      float64 `json:"old_pct"`
	NewPct      float64 `json:"new_pct"`
	Delta       float64 `json:"delta"`
}

// ReportDelta 是两次报告的结构化对比。
type ReportDelta struct {
	OverallDelta   float64      `json:"overall_delta"`
	Improved       int          `json:"improved"`
	Regressed      int          `json:"regressed"`
	NewlyComplete  int          `json:"newly_complete"`
	PerAsset       []AssetDelta `json:"per_asset"`
}

// CompareReports 计算两份报告的逐项差异；只在两边都出现的
// (asset, interval) 参与对比。
func CompareReports(prev, cur *CompletenessReport) ReportDelta {
	delta := ReportDelta{}
	if prev == nil || cur == nil {
		return delta
	}
	delta.OverallDelta = cur.OverallPct - prev.OverallPct

	type key struct {
		asset string
		iv    int
	}
	oldIdx := make(map[key]AssetCompleteness, len(prev.Assets))
	for _, e := range prev.Assets {
		oldIdx[key{e.AssetID, e.IntervalMin}] = e
	}
	for _, e := range cur.Assets {
		before, ok := oldIdx[key{e.AssetID, e.IntervalMin}]
		if !ok {
			continue
		}
		d := e.CompletenessPct - before.CompletenessPct
		if d == 0 {
			continue
		}
		delta.PerAsset = append(delta.PerAsset, AssetDelta{
			AssetID:     e.AssetID,
			IntervalMin: e.IntervalMin,
			OldPct:      before.CompletenessPct,
			NewPct:      e.CompletenessPct,
			Delta:       d,
		})
		if d > 0 {
			delta.Improved++
			if e.ActualUnits >= e.ExpectedUnits && before.ActualUnits < before.ExpectedUnits {
				delta.NewlyComplete++
			}
		} else {
			delta.Regressed++
		}
	}
	sort.Slice(delta.PerAsset, func(i, j int) bool {
		if delta.PerAsset[i].AssetID != delta.PerAsset[j].AssetID {
			return delta.PerAsset[i].AssetID < delta.PerAsset[j].AssetID
		}
		return delta.PerAsset[i].IntervalMin < delta.PerAsset[j].IntervalMin
	})
	return delta
}
