package ingest

import (
	"fmt"
	"time"

	"harvest/internal/asset"
	"harvest/internal/bulkfile"
	"harvest/internal/market"
)

// PlanEntry 是计划中的一个 (asset, interval, 子区间) 条目。
// File 只在批量文件来源上有值。
type PlanEntry struct {
	Asset       asset.Asset       `json:"asset"`
	IntervalMin int               `json:"interval_min"`
	Start       int64             `json:"start"`
	End         int64             `json:"end"`
	File        *bulkfile.FileRef `json:"file,omitempty"`
}

// IngestionPlan 把请求区间按来源切分成三份互不相交的清单。
// Missing 表示既没有批量文件、又超出远端历史深度的部分，上报而不是悄悄丢弃。
type IngestionPlan struct {
	BulkFiles []PlanEntry `json:"bulk_files"`
	Remote    []PlanEntry `json:"remote"`
	Missing   []PlanEntry `json:"missing"`
}

// Pairs 返回计划涉及的 (asset, interval) 去重清单。
func (p *IngestionPlan) Pairs() []PlanEntry {
	seen := make(map[string]struct{})
	var out []PlanEntry
	for _, list := range [][]PlanEntry{p.BulkFiles, p.Remote, p.Missing} {
		for _, e := range list {
			k := bulkfile.IndexKey(e.Asset.Ticker, e.IntervalMin)
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, PlanEntry{Asset: e.Asset, IntervalMin: e.IntervalMin})
		}
	}
	return out
}

// Router 构建摄取计划。纯函数：不触碰任何存储。
type Router struct {
	maxLookbackUnits func() int
	now              func() time.Time
}

// NewRouter 创建 Source Router。maxLookbackUnits 由远端数据源提供，不在这里写死。
func NewRouter(maxLookbackUnits func() int, now func() time.Time) *Router {
	if now == nil {
		now = time.Now
	}
	return &Router{maxLookbackUnits: maxLookbackUnits, now: now}
}

// Plan 为每个 (asset, interval) 计算远端可达的 cutoff，把 [start, end) 切成
// 批量文件 / 远端 API / 无源三段。三段的并集精确还原请求区间。
func (r *Router) Plan(assets []asset.Asset, intervals []int, start, end int64, knownFiles map[string][]bulkfile.FileRef) (*IngestionPlan, error) {
	if start > end {
		return nil, &ValidationError{Field: "start/end", Detail: fmt.Sprintf("start(%d) > end(%d)", start, end)}
	}
	for _, iv := range intervals {
		if iv <= 0 {
			return nil, &ValidationError{Field: "intervals", Detail: fmt.Sprintf("interval 必须为正: %d", iv)}
		}
	}
	if len(assets) == 0 {
		return nil, &ValidationError{Field: "assets", Detail: "标的清单为空"}
	}
	if start == end {
		return &IngestionPlan{}, nil
	}

	maxUnits := r.maxLookbackUnits()
	nowMS := r.now().UnixMilli()
	plan := &IngestionPlan{}
	for _, a := range assets {
		for _, iv := range intervals {
			cutoff := nowMS - market.IntervalMillis(iv)*int64(maxUnits)

			// cutoff 之前的部分走历史文件
			if start < cutoff {
				histEnd := end
				if histEnd > cutoff {
					histEnd = cutoff
				}
				entry := PlanEntry{Asset: a, IntervalMin: iv, Start: start, End: histEnd}
				if refs := knownFiles[bulkfile.IndexKey(a.Ticker, iv)]; len(refs) > 0 {
					ref := refs[0]
					entry.File = &ref
					plan.BulkFiles = append(plan.BulkFiles, entry)
				} else {
					plan.Missing = append(plan.Missing, entry)
				}
			}

			// cutoff 及之后的部分走远端 API
			if end > cutoff {
				remoteStart := start
				if remoteStart < cutoff {
					remoteStart = cutoff
				}
				plan.Remote = append(plan.Remote, PlanEntry{
					Asset: a, IntervalMin: iv, Start: remoteStart, End: end,
				})
			}
		}
	}
	return plan, nil
}
