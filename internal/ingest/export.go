package ingest

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jszwec/csvutil"

	"harvest/internal/asset"
	"harvest/internal/gateway/database"
	"harvest/internal/market"
)

// RecommendationRow 是不可回填缺口的人工处理建议：按建议文件名
// 下载历史文件放入批量目录后重跑任务即可闭环。
type RecommendationRow struct {
	Ticker        string `csv:"ticker"`
	Tier          int    `csv:"tier"`
	Interval      string `csv:"interval"`
	GapStart      int64  `csv:"gap_start"`
	GapEnd        int64  `csv:"gap_end"`
	MissingUnits  int64  `csv:"missing_units"`
	UnitsFromNow  int64  `csv:"units_from_now"`
	OverflowUnits int64  `csv:"overflow_units"`
	SuggestedFile string `csv:"suggested_file"`
}

// BuildRecommendations 把缺口记录映射成建议行，按 tier、ticker、interval 有序。
func BuildRecommendations(gaps []database.GapRecord, registry *asset.Registry, nowMS int64) []RecommendationRow {
	rows := make([]RecommendationRow, 0, len(gaps))
	for _, g := range gaps {
		ticker, tier := g.AssetID, 4
		if a, ok := registry.Get(g.AssetID); ok {
			ticker, tier = a.Ticker, a.Tier
		}
		var unitsFromNow int64
		if step := market.IntervalMillis(g.IntervalMin); step > 0 && nowMS > g.Start {
			unitsFromNow = (nowMS - g.Start) / step
		}
		rows = append(rows, RecommendationRow{
			Ticker:        ticker,
			Tier:          tier,
			Interval:      market.FormatInterval(g.IntervalMin),
			GapStart:      g.Start,
			GapEnd:        g.End,
			MissingUnits:  g.MissingUnits,
			UnitsFromNow:  unitsFromNow,
			OverflowUnits: g.OverflowUnits,
			SuggestedFile: g.SuggestedFile,
		})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Tier != rows[j].Tier {
			return rows[i].Tier < rows[j].Tier
		}
		if rows[i].Ticker != rows[j].Ticker {
			return rows[i].Ticker < rows[j].Ticker
		}
		return rows[i].Interval < rows[j].Interval
	})
	return rows
}

// WriteRecommendationsCSV 以 CSV 导出建议清单。
func WriteRecommendationsCSV(w io.Writer, rows []RecommendationRow) error {
	b, err := csvutil.Marshal(rows)
	if err != nil {
		return fmt.Errorf("编码建议清单失败: %w", err)
	}
	_, err = w.Write(b)
	return err
}

// WriteReportJSON 以缩进 JSON 导出完整度报告。
func WriteReportJSON(w io.Writer, report *CompletenessReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// RenderReportTable 把报告渲染成终端表格，按 interval 汇总加明细。
func RenderReportTable(report *CompletenessReport) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.SetTitle("完整度报告 %s", time.UnixMilli(report.GeneratedAt).Format("2006-01-02 15:04:05"))
	tw.AppendHeader(table.Row{"标的", "tier", "周期", "应有", "实有", "完整度", "缺口"})
	for _, a := range report.Assets {
		tw.AppendRow(table.Row{
			a.Ticker, a.Tier, market.FormatInterval(a.IntervalMin),
			a.ExpectedUnits, a.ActualUnits,
			fmt.Sprintf("%.2f%%", a.CompletenessPct), len(a.Gaps),
		})
	}
	tw.AppendFooter(table.Row{"总体", "", "", "", "", fmt.Sprintf("%.2f%%", report.OverallPct), ""})

	sw := table.NewWriter()
	sw.SetStyle(table.StyleLight)
	sw.AppendHeader(table.Row{"周期", "平均完整度", "完整标的", "不完整标的", "可回填缺口", "不可回填缺口"})
	for _, s := range report.Intervals {
		sw.AppendRow(table.Row{
			market.FormatInterval(s.IntervalMin), fmt.Sprintf("%.2f%%", s.AvgPct),
			s.CompleteAssets, s.PartialAssets, s.FillableGaps, s.UnfillableGaps,
		})
	}
	return tw.Render() + "\n" + sw.Render() + "\n"
}
