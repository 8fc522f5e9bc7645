package ingest

import (
	"context"
	"errors"
	"testing"

	"harvest/internal/gateway/database"
	"harvest/internal/market"
)

const (
	ts20200101 = int64(1577836800000)
	ts20200301 = int64(1583020800000)
	ts20200601 = int64(1590969600000)
	ts20200901 = int64(1598918400000)
	ts20201201 = int64(1606780800000)
	ts20210101 = int64(1609459200000)
)

func TestMergeRangesAdjacent(t *testing.T) {
	// [2020-01-01, 2020-06-01) + [2020-06-01, 2020-12-01) 必须合并为一段
	merged, count := mergeRanges([]database.CoverageRange{
		{Start: ts20200601, End: ts20201201, Source: database.SourceBulkFile, Records: 183},
		{Start: ts20200101, End: ts20200601, Source: database.SourceBulkFile, Records: 152},
	}, 1440)
	if len(merged) != 1 {
		t.Fatalf("相邻区间应合并为 1 段, 实际=%d", len(merged))
	}
	if count != 1 {
		t.Fatalf("合并次数应为 1, 实际=%d", count)
	}
	got := merged[0]
	if got.Start != ts20200101 || got.End != ts20201201 {
		t.Fatalf("合并结果应为 [%d, %d), 实际=[%d, %d)", ts20200101, ts20201201, got.Start, got.End)
	}
	if got.Source != database.SourceBulkFile {
		t.Fatalf("同源合并不应改 source, 实际=%v", got.Source)
	}
	if got.Records != 335 {
		t.Fatalf("合并应累加记录数, 实际=%d", got.Records)
	}
}

func TestMergeRangesMixedSource(t *testing.T) {
	merged, _ := mergeRanges([]database.CoverageRange{
		{Start: ts20200101, End: ts20200601, Source: database.SourceBulkFile},
		{Start: ts20200301, End: ts20200901, Source: database.SourceRemoteAPI},
	}, 1440)
	if len(merged) != 1 {
		t.Fatalf("重叠区间应合并, 实际=%d 段", len(merged))
	}
	if merged[0].Source != database.SourceMixed {
		t.Fatalf("来源不一致应标记 mixed, 实际=%v", merged[0].Source)
	}
}

func TestMergeRangesKeepsSeparate(t *testing.T) {
	step := market.IntervalMillis(60)
	a := database.CoverageRange{Start: 0, End: 10 * step}
	// 起点落在终点一个周期之外，不合并
	b := database.CoverageRange{Start: a.End + step, End: a.End + 20*step}
	merged, count := mergeRanges([]database.CoverageRange{a, b}, 60)
	if len(merged) != 2 || count != 0 {
		t.Fatalf("相隔超过一个周期的区间不应合并, 实际=%d 段 %d 次", len(merged), count)
	}
	// 起点恰好压线（终点 + step - 1）则并入
	c := database.CoverageRange{Start: a.End + step - 1, End: a.End + 20*step}
	merged, _ = mergeRanges([]database.CoverageRange{a, c}, 60)
	if len(merged) != 1 {
		t.Fatalf("一个周期以内的间隔应并入, 实际=%d 段", len(merged))
	}
}

func TestReconcileAssetFromSeries(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	tr := NewTracker(store, store, fixedNow)
	step := market.IntervalMillis(60)

	var candles []market.Candle
	for i := int64(0); i < 5; i++ {
		candles = append(candles, market.Candle{OpenTime: ts20200101 + i*step})
	}
	if _, err := store.InsertKlines(ctx, "BTCUSDT", 60, candles); err != nil {
		t.Fatalf("写入 K 线失败: %v", err)
	}

	observed, stats, err := tr.ReconcileAsset(ctx, "BTCUSDT", 60, database.SourceBulkFile)
	if err != nil {
		t.Fatalf("对账失败: %v", err)
	}
	if observed == nil || observed.Start != ts20200101 || observed.End != ts20200101+5*step {
		t.Fatalf("观测区间应为 [%d, %d), 实际=%+v", ts20200101, ts20200101+5*step, observed)
	}
	if stats.RangesCreated != 1 {
		t.Fatalf("首次对账应产出 1 段, 实际=%d", stats.RangesCreated)
	}
	ranges, _ := store.ListCoverage(ctx, "BTCUSDT", 60)
	if len(ranges) != 1 || ranges[0].Records != 5 {
		t.Fatalf("覆盖应为 1 段 5 条记录, 实际=%+v", ranges)
	}

	// 底层数据不变时重复对账结果必须一致
	_, _, err = tr.ReconcileAsset(ctx, "BTCUSDT", 60, database.SourceBulkFile)
	if err != nil {
		t.Fatalf("重复对账失败: %v", err)
	}
	again, _ := store.ListCoverage(ctx, "BTCUSDT", 60)
	if len(again) != 1 || again[0].Start != ranges[0].Start || again[0].End != ranges[0].End || again[0].Records != 5 {
		t.Fatalf("幂等性被破坏: 首次=%+v 再次=%+v", ranges, again)
	}
}

func TestReconcileMergesWithExisting(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	tr := NewTracker(store, store, fixedNow)
	step := market.IntervalMillis(60)

	// 既有覆盖 [t0, t0+5) 来自批量文件
	if err := store.ReplaceCoverage(ctx, "BTCUSDT", 60, []database.CoverageRange{
		{AssetID: "BTCUSDT", IntervalMin: 60, Start: ts20200101, End: ts20200101 + 5*step,
			Source: database.SourceBulkFile, Records: 5},
	}); err != nil {
		t.Fatalf("预置覆盖失败: %v", err)
	}
	// 实际数据覆盖 [t0, t0+10)
	var candles []market.Candle
	for i := int64(0); i < 10; i++ {
		candles = append(candles, market.Candle{OpenTime: ts20200101 + i*step})
	}
	if _, err := store.InsertKlines(ctx, "BTCUSDT", 60, candles); err != nil {
		t.Fatalf("写入 K 线失败: %v", err)
	}

	if _, _, err := tr.ReconcileAsset(ctx, "BTCUSDT", 60, database.SourceRemoteAPI); err != nil {
		t.Fatalf("对账失败: %v", err)
	}
	ranges, _ := store.ListCoverage(ctx, "BTCUSDT", 60)
	if len(ranges) != 1 {
		t.Fatalf("应合并为 1 段, 实际=%d", len(ranges))
	}
	got := ranges[0]
	if got.Start != ts20200101 || got.End != ts20200101+10*step {
		t.Fatalf("合并区间应为 [%d, %d), 实际=[%d, %d)", ts20200101, ts20200101+10*step, got.Start, got.End)
	}
	if got.Source != database.SourceMixed {
		t.Fatalf("批量+远端合并应标记 mixed, 实际=%v", got.Source)
	}
	if got.Records != 10 {
		t.Fatalf("记录数应取精确计数 10, 实际=%d", got.Records)
	}
}

func TestReconcileClearsWhenEmpty(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	tr := NewTracker(store, store, fixedNow)

	if err := store.ReplaceCoverage(ctx, "BTCUSDT", 60, []database.CoverageRange{
		{AssetID: "BTCUSDT", IntervalMin: 60, Start: ts20200101, End: ts20200301},
	}); err != nil {
		t.Fatalf("预置覆盖失败: %v", err)
	}
	observed, _, err := tr.ReconcileAsset(ctx, "BTCUSDT", 60, database.SourceBulkFile)
	if err != nil {
		t.Fatalf("对账失败: %v", err)
	}
	if observed != nil {
		t.Fatalf("无数据时不应有观测区间, 实际=%+v", observed)
	}
	ranges, _ := store.ListCoverage(ctx, "BTCUSDT", 60)
	if len(ranges) != 0 {
		t.Fatalf("无数据时应清空覆盖, 实际=%+v", ranges)
	}
}

func TestReconcileSeriesUnavailable(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.seriesErr = errors.New("连接中断")
	tr := NewTracker(store, store, fixedNow)

	_, _, err := tr.ReconcileAsset(ctx, "BTCUSDT", 60, database.SourceBulkFile)
	if err == nil {
		t.Fatalf("时序存储不可用应报错")
	}
	if !IsRetryable(err) {
		t.Fatalf("存储故障应为可重试错误, 实际=%v", err)
	}
}
