package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"harvest/internal/asset"
	"harvest/internal/bulkfile"
	"harvest/internal/gateway/database"
	"harvest/internal/market"
)

func newTestService(t *testing.T, store *memStore, src market.Source, bulk func(context.Context) (map[string][]bulkfile.FileRef, error)) *Service {
	t.Helper()
	reg, err := asset.NewRegistry([]asset.Asset{{Ticker: "btc", Tier: 1}})
	if err != nil {
		t.Fatalf("构建注册表失败: %v", err)
	}
	svc, err := NewService(ServiceConfig{
		Jobs: store, Files: store, Series: store, Coverage: store, Gaps: store,
		Registry:  reg,
		Source:    src,
		BulkIndex: bulk,
		OpenTimes: store,
		Retry:     fastPolicy(),
		Workers:   2,
		Now:       fixedNow,
	})
	if err != nil {
		t.Fatalf("构建服务失败: %v", err)
	}
	return svc
}

func TestSubmitJobValidation(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc := newTestService(t, store, newFakeSource(720), nil)

	if _, err := svc.SubmitJob(ctx, JobParams{StartTS: 0, EndTS: nowMS}); err == nil {
		t.Fatalf("空 intervals 应报错")
	}
	if _, err := svc.SubmitJob(ctx, JobParams{Intervals: []int{-1}, EndTS: nowMS}); err == nil {
		t.Fatalf("负 interval 应报错")
	}
	if _, err := svc.SubmitJob(ctx, JobParams{Intervals: []int{60}, StartTS: nowMS, EndTS: nowMS - 1}); err == nil {
		t.Fatalf("start 晚于 end 应报错")
	}
	job, err := svc.SubmitJob(ctx, JobParams{Intervals: []int{60}, StartTS: nowMS - 1000})
	if err != nil {
		t.Fatalf("合法参数不应报错: %v", err)
	}
	if job.ID == "" || job.Status != database.JobStatusPending {
		t.Fatalf("新任务应为 pending 且带 id, 实际=%+v", job)
	}
	if job.EndTS != nowMS {
		t.Fatalf("end 缺省应取当前时间, 实际=%d", job.EndTS)
	}
}

func TestRunRemoteJobToCompletion(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	src := newFakeSource(720)
	svc := newTestService(t, store, src, nil)
	step := market.IntervalMillis(60)
	start := nowMS - 100*step

	job, err := svc.SubmitJob(ctx, JobParams{
		Intervals: []int{60}, StartTS: start, EndTS: nowMS, RemoteBackfill: true,
	})
	if err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}
	if err := svc.Run(ctx, job.ID); err != nil {
		t.Fatalf("执行任务失败: %v", err)
	}

	final, _, _ := store.GetJob(ctx, job.ID)
	if final.Status != database.JobStatusCompleted {
		t.Fatalf("任务应 completed, 实际=%v", final.Status)
	}
	if final.Counters.RecordsIngested != 100 {
		t.Fatalf("应摄取 100 条, 实际=%d", final.Counters.RecordsIngested)
	}
	if final.Counters.GapsDetected != 0 {
		t.Fatalf("全量回填后不应有缺口, 实际=%d", final.Counters.GapsDetected)
	}
	ranges, _ := store.ListCoverage(ctx, "BTCUSDT", 60)
	if len(ranges) != 1 || ranges[0].Start != start || ranges[0].End != nowMS {
		t.Fatalf("覆盖应为单段 [%d, %d), 实际=%+v", start, nowMS, ranges)
	}
	if ranges[0].Source != database.SourceRemoteAPI {
		t.Fatalf("来源应为 remote_api, 实际=%v", ranges[0].Source)
	}
}

func writeBulkCSV(t *testing.T, dir string, start int64, units int64) string {
	t.Helper()
	step := market.IntervalMillis(60)
	body := "open_time,open,high,low,close,volume\n"
	for i := int64(0); i < units; i++ {
		body += fmt.Sprintf("%d,1.0,2.0,0.5,1.5,10\n", start+i*step)
	}
	path := filepath.Join(dir, "BTCUSDT_1h.csv")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("写入批量文件失败: %v", err)
	}
	return path
}

func TestRunBulkJobAndHashDedup(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	step := market.IntervalMillis(60)
	cutoff := nowMS - 720*step
	start := cutoff - 100*step
	end := cutoff - 90*step

	path := writeBulkCSV(t, t.TempDir(), start, 10)
	bulk := func(context.Context) (map[string][]bulkfile.FileRef, error) {
		return map[string][]bulkfile.FileRef{
			bulkfile.IndexKey("BTCUSDT", 60): {{Path: path, Ticker: "BTCUSDT", IntervalMin: 60}},
		}, nil
	}
	svc := newTestService(t, store, newFakeSource(720), bulk)

	job1, err := svc.SubmitJob(ctx, JobParams{Intervals: []int{60}, StartTS: start, EndTS: end})
	if err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}
	if err := svc.Run(ctx, job1.ID); err != nil {
		t.Fatalf("首跑失败: %v", err)
	}
	final1, _, _ := store.GetJob(ctx, job1.ID)
	if final1.Status != database.JobStatusCompleted {
		t.Fatalf("首跑应 completed, 实际=%v", final1.Status)
	}
	if final1.Counters.FilesIngested != 1 || final1.Counters.RecordsIngested != 10 {
		t.Fatalf("首跑应摄取 1 文件 10 条, 实际=%+v", final1.Counters)
	}

	// 同一内容重跑必须是 no-op：零新纪录，直接进入对账
	job2, err := svc.SubmitJob(ctx, JobParams{Intervals: []int{60}, StartTS: start, EndTS: end})
	if err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}
	if err := svc.Run(ctx, job2.ID); err != nil {
		t.Fatalf("重跑失败: %v", err)
	}
	final2, _, _ := store.GetJob(ctx, job2.ID)
	if final2.Status != database.JobStatusCompleted {
		t.Fatalf("重跑应 completed, 实际=%v", final2.Status)
	}
	if final2.Counters.FilesIngested != 0 || final2.Counters.RecordsIngested != 0 {
		t.Fatalf("重跑不应摄取新数据, 实际=%+v", final2.Counters)
	}
	files, _ := store.ListFilesForJob(ctx, job2.ID)
	if len(files) != 1 || files[0].Status != database.FileStatusSkipped {
		t.Fatalf("重跑文件应标记 skipped, 实际=%+v", files)
	}
	if n, _ := store.CountInRange(ctx, "BTCUSDT", 60, start, end); n != 10 {
		t.Fatalf("数据量不应变化, 实际=%d", n)
	}
	if final2.Counters.GapsDetected != 0 {
		t.Fatalf("覆盖完整时重跑不应检出缺口, 实际=%d", final2.Counters.GapsDetected)
	}
}

func TestRunReportsUnfillable(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc := newTestService(t, store, newFakeSource(720), nil)
	step := market.IntervalMillis(60)
	cutoff := nowMS - 720*step
	start := cutoff - 100*step
	end := cutoff - 90*step

	job, err := svc.SubmitJob(ctx, JobParams{Intervals: []int{60}, StartTS: start, EndTS: end})
	if err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}
	if err := svc.Run(ctx, job.ID); err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	final, _, _ := store.GetJob(ctx, job.ID)
	if final.Status != database.JobStatusCompleted {
		t.Fatalf("无源任务仍应 completed, 实际=%v", final.Status)
	}
	if final.Counters.GapsDetected != 1 {
		t.Fatalf("应检出 1 个缺口, 实际=%d", final.Counters.GapsDetected)
	}
	gaps, err := svc.UnfillableGaps(ctx)
	if err != nil {
		t.Fatalf("查询不可回填缺口失败: %v", err)
	}
	if len(gaps) != 1 || gaps[0].SuggestedFile == "" {
		t.Fatalf("应有 1 条带建议文件的缺口, 实际=%+v", gaps)
	}
	rows := svc.Recommendations(gaps)
	if len(rows) != 1 || rows[0].Ticker != "BTCUSDT" || rows[0].Tier != 1 {
		t.Fatalf("建议行异常: %+v", rows)
	}
}

func TestRunPauseAndResume(t *testing.T) {
	store := newMemStore()
	src := newFakeSource(720)
	svc := newTestService(t, store, src, nil)
	step := market.IntervalMillis(60)
	start := nowMS - 50*step

	job, err := svc.SubmitJob(context.Background(), JobParams{
		Intervals: []int{60}, StartTS: start, EndTS: nowMS, RemoteBackfill: true,
	})
	if err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}

	// 拉取途中触发取消：状态回写发生在 ctx 已失效之后，
	// paused 仍必须落进存储（存储写入对取消敏感）。
	cancelled, cancel := context.WithCancel(context.Background())
	src.onFetch = cancel
	if err := svc.Run(cancelled, job.ID); !errors.Is(err, context.Canceled) {
		t.Fatalf("取消执行应返回 Canceled, 实际=%v", err)
	}
	paused, _, _ := store.GetJob(context.Background(), job.ID)
	if paused.Status != database.JobStatusPaused {
		t.Fatalf("取消后应 paused, 实际=%v", paused.Status)
	}

	// 续跑走到终态
	src.onFetch = nil
	if err := svc.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("续跑失败: %v", err)
	}
	resumed, _, _ := store.GetJob(context.Background(), job.ID)
	if resumed.Status != database.JobStatusCompleted {
		t.Fatalf("续跑后应 completed, 实际=%v", resumed.Status)
	}
	if resumed.Counters.RecordsIngested != 50 {
		t.Fatalf("续跑应补齐 50 条, 实际=%d", resumed.Counters.RecordsIngested)
	}
}

func TestRunRejectsBadState(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc := newTestService(t, store, newFakeSource(720), nil)

	if err := svc.Run(ctx, "no-such-job"); err == nil {
		t.Fatalf("不存在的任务应报错")
	}

	job, _ := svc.SubmitJob(ctx, JobParams{Intervals: []int{60}, StartTS: nowMS - 1000, EndTS: nowMS})
	if moved, _ := store.TransitionJob(ctx, job.ID, []database.JobStatus{database.JobStatusPending}, database.JobStatusRunning); !moved {
		t.Fatalf("预置 running 失败")
	}
	if err := svc.Run(ctx, job.ID); err == nil {
		t.Fatalf("running 任务不应允许再次执行")
	}
}

func TestAutoGapFill(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	src := newFakeSource(720)
	svc := newTestService(t, store, src, nil)
	step := market.IntervalMillis(60)
	start := nowMS - 100*step

	// 预置后半段数据，留出前 50 根的缺口
	var candles []market.Candle
	for i := int64(50); i < 100; i++ {
		candles = append(candles, market.Candle{OpenTime: start + i*step})
	}
	if _, err := store.InsertKlines(ctx, "BTCUSDT", 60, candles); err != nil {
		t.Fatalf("预置 K 线失败: %v", err)
	}

	job, err := svc.SubmitJob(ctx, JobParams{
		Intervals: []int{60}, StartTS: start, EndTS: nowMS, AutoGapFill: true,
	})
	if err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}
	if err := svc.Run(ctx, job.ID); err != nil {
		t.Fatalf("执行失败: %v", err)
	}

	final, _, _ := store.GetJob(ctx, job.ID)
	if final.Status != database.JobStatusCompleted {
		t.Fatalf("任务应 completed, 实际=%v", final.Status)
	}
	if final.Counters.GapsDetected != 1 || final.Counters.GapsFilled != 1 {
		t.Fatalf("应检出并回填 1 个缺口, 实际=%+v", final.Counters)
	}
	if n, _ := store.CountInRange(ctx, "BTCUSDT", 60, start, nowMS); n != 100 {
		t.Fatalf("回填后应有 100 条, 实际=%d", n)
	}
	filled, _ := store.ListGapsByStatus(ctx, database.GapStatusFilled)
	if len(filled) != 1 {
		t.Fatalf("缺口应标记 filled, 实际=%d", len(filled))
	}
	ranges, _ := store.ListCoverage(ctx, "BTCUSDT", 60)
	if len(ranges) != 1 || ranges[0].Start != start || ranges[0].End != nowMS {
		t.Fatalf("回填后覆盖应为单段 [%d, %d), 实际=%+v", start, nowMS, ranges)
	}
}

func TestAutoGapFillSkipsDataNotFound(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	src := newFakeSource(720)
	src.fail = &market.DataNotFoundError{Symbol: "BTCUSDT", IntervalMin: 60}
	svc := newTestService(t, store, src, nil)
	step := market.IntervalMillis(60)
	start := nowMS - 100*step

	// 后半段有数据，前 50 根是缺口；源报无数据时按跳过处理
	var candles []market.Candle
	for i := int64(50); i < 100; i++ {
		candles = append(candles, market.Candle{OpenTime: start + i*step})
	}
	if _, err := store.InsertKlines(ctx, "BTCUSDT", 60, candles); err != nil {
		t.Fatalf("预置 K 线失败: %v", err)
	}

	job, err := svc.SubmitJob(ctx, JobParams{
		Intervals: []int{60}, StartTS: start, EndTS: nowMS, AutoGapFill: true,
	})
	if err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}
	if err := svc.Run(ctx, job.ID); err != nil {
		t.Fatalf("源无数据不应判任务失败: %v", err)
	}
	final, _, _ := store.GetJob(ctx, job.ID)
	if final.Status != database.JobStatusCompleted {
		t.Fatalf("任务应 completed, 实际=%v", final.Status)
	}
	if final.Counters.GapsFilled != 0 {
		t.Fatalf("跳过的缺口不应计入 filled, 实际=%d", final.Counters.GapsFilled)
	}
	failed, _ := store.ListGapsByStatus(ctx, database.GapStatusFailed)
	if len(failed) != 0 {
		t.Fatalf("无数据跳过不应标记 failed, 实际=%+v", failed)
	}
	detected, _ := store.ListGapsByStatus(ctx, database.GapStatusDetected)
	if len(detected) != 1 {
		t.Fatalf("缺口应放回 detected, 实际=%+v", detected)
	}
}

func TestSourceDisabledStopsRemote(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	src := newFakeSource(720)
	src.fail = &market.SourceDisabledError{Source: "binance", ConsecutiveFails: 5}
	svc := newTestService(t, store, src, nil)
	step := market.IntervalMillis(60)
	start := nowMS - 10*step

	job, err := svc.SubmitJob(ctx, JobParams{
		Intervals: []int{60}, StartTS: start, EndTS: nowMS, RemoteBackfill: true,
	})
	if err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}
	if err := svc.Run(ctx, job.ID); err != nil {
		t.Fatalf("源禁用不应判任务失败: %v", err)
	}
	final, _, _ := store.GetJob(ctx, job.ID)
	if final.Status != database.JobStatusCompleted {
		t.Fatalf("任务应 completed, 实际=%v", final.Status)
	}
	if final.Counters.GapsDetected != 1 {
		t.Fatalf("未覆盖部分应成为缺口, 实际=%d", final.Counters.GapsDetected)
	}
	if final.LastError == "" {
		t.Fatalf("last_error 应记录源禁用原因")
	}
}

func TestRemoteRetriesTransient(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	src := newFakeSource(720)
	src.failures = 2 // 前两次网络抖动，第三次成功
	svc := newTestService(t, store, src, nil)
	step := market.IntervalMillis(60)
	start := nowMS - 20*step

	job, err := svc.SubmitJob(ctx, JobParams{
		Intervals: []int{60}, StartTS: start, EndTS: nowMS, RemoteBackfill: true,
	})
	if err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}
	if err := svc.Run(ctx, job.ID); err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	final, _, _ := store.GetJob(ctx, job.ID)
	if final.Counters.RecordsIngested != 20 {
		t.Fatalf("重试后应摄取 20 条, 实际=%d", final.Counters.RecordsIngested)
	}
	if src.callCount() != 3 {
		t.Fatalf("应恰好调用 3 次, 实际=%d", src.callCount())
	}
}
