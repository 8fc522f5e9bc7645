package ingest

import (
	"context"
	"time"

	"harvest/internal/asset"
	"harvest/internal/bulkfile"
	"harvest/internal/gateway/database"
	"harvest/internal/logger"
	"harvest/internal/market"
)

// Detector 对比期望区间与覆盖区间，产出缺口并按远端历史深度分类。
type Detector struct {
	coverage         CoverageStore
	gaps             GapStore
	maxLookbackUnits func() int
	now              func() time.Time
}

func NewDetector(coverage CoverageStore, gaps GapStore, maxLookbackUnits func() int, now func() time.Time) *Detector {
	if now == nil {
		now = time.Now
	}
	return &Detector{coverage: coverage, gaps: gaps, maxLookbackUnits: maxLookbackUnits, now: now}
}

// rawGaps 对有序覆盖区间做一趟游标扫描，输出 [expectedStart, expectedEnd)
// 内未被覆盖的子区间。覆盖区间与缺口的并集精确等于期望区间。
func rawGaps(ranges []database.CoverageRange, expectedStart, expectedEnd int64) [][2]int64 {
	var out [][2]int64
	cursor := expectedStart
	for _, r := range ranges {
		if cursor >= expectedEnd {
			break
		}
		if r.End <= cursor {
			continue
		}
		if r.Start > cursor {
			gapEnd := r.Start
			if gapEnd > expectedEnd {
				gapEnd = expectedEnd
			}
			out = append(out, [2]int64{cursor, gapEnd})
		}
		if r.End > cursor {
			cursor = r.End
		}
	}
	if cursor < expectedEnd {
		out = append(out, [2]int64{cursor, expectedEnd})
	}
	return out
}

// classify 在检测时一次性判定可回填性：距今超过远端历史深度的缺口
// 标记 unfillable 并给出建议下载的文件名。
func (d *Detector) classify(a asset.Asset, intervalMin int, start, end int64) database.GapRecord {
	step := market.IntervalMillis(intervalMin)
	nowMS := d.now().UnixMilli()
	maxUnits := int64(d.maxLookbackUnits())

	unitsFromNow := (nowMS - start) / step
	missing := (end - start + step - 1) / step

	g := database.GapRecord{
		AssetID:      a.ID,
		IntervalMin:  intervalMin,
		Start:        start,
		End:          end,
		MissingUnits: missing,
		DetectedAt:   nowMS,
	}
	if unitsFromNow <= maxUnits {
		g.Fillable = true
		g.Status = database.GapStatusDetected
	} else {
		g.Fillable = false
		g.Status = database.GapStatusUnfillable
		g.OverflowUnits = unitsFromNow - maxUnits
		g.SuggestedFile = bulkfile.SuggestFilename(a.Ticker, intervalMin, start, end)
	}
	return g
}

// DetectForAsset 检测单个 (asset, interval) 在期望区间内的缺口，
// 持久化后返回带 id 的记录。窗口内仍开放的旧缺口被本次结果整体替换。
func (d *Detector) DetectForAsset(ctx context.Context, a asset.Asset, intervalMin int, expectedStart, expectedEnd int64) ([]database.GapRecord, error) {
	if intervalMin <= 0 {
		return nil, &ValidationError{Field: "interval", Detail: "必须为正"}
	}
	if expectedStart > expectedEnd {
		return nil, &ValidationError{Field: "expected range", Detail: "start 晚于 end"}
	}

	ranges, err := d.coverage.ListCoverage(ctx, a.ID, intervalMin)
	if err != nil {
		return nil, transientOp("读取覆盖区间", err)
	}
	var gaps []database.GapRecord
	for _, span := range rawGaps(ranges, expectedStart, expectedEnd) {
		gaps = append(gaps, d.classify(a, intervalMin, span[0], span[1]))
	}
	saved, err := d.gaps.ReplaceGapsInWindow(ctx, a.ID, intervalMin, expectedStart, expectedEnd, gaps)
	if err != nil {
		return nil, transientOp("写入缺口记录", err)
	}
	return saved, nil
}

// JobGaps 按可回填性分桶的检测汇总。
type JobGaps struct {
	Fillable   []database.GapRecord `json:"fillable"`
	Unfillable []database.GapRecord `json:"unfillable"`
}

// DetectForJob 遍历任务覆盖的所有 (asset, interval)，聚合检测结果。
func (d *Detector) DetectForJob(ctx context.Context, assets []asset.Asset, intervals []int, expectedStart, expectedEnd int64) (*JobGaps, error) {
	out := &JobGaps{}
	for _, a := range assets {
		for _, iv := range intervals {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			gaps, err := d.DetectForAsset(ctx, a, iv, expectedStart, expectedEnd)
			if err != nil {
				return out, err
			}
			for _, g := range gaps {
				if g.Fillable {
					out.Fillable = append(out.Fillable, g)
				} else {
					out.Unfillable = append(out.Unfillable, g)
				}
			}
		}
	}
	logger.Debugf("[gaps] 检测完成: fillable=%d unfillable=%d", len(out.Fillable), len(out.Unfillable))
	return out, nil
}
