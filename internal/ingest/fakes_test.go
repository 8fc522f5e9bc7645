package ingest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"harvest/internal/gateway/database"
	"harvest/internal/market"
)

// memStore 以内存 map 伪造全部存储接口，语义对齐 sqlite 实现。
type memStore struct {
	mu       sync.Mutex
	klines   map[string]map[int64]market.Candle
	coverage map[string][]database.CoverageRange
	gaps     map[int64]database.GapRecord
	nextGap  int64
	jobs     map[string]database.IngestionJobRecord
	files    map[int64]database.FileIngestionRecord
	nextFile int64

	seriesErr error // 注入时序查询故障
}

func newMemStore() *memStore {
	return &memStore{
		klines:   make(map[string]map[int64]market.Candle),
		coverage: make(map[string][]database.CoverageRange),
		gaps:     make(map[int64]database.GapRecord),
		jobs:     make(map[string]database.IngestionJobRecord),
		files:    make(map[int64]database.FileIngestionRecord),
	}
}

func pairKey(assetID string, intervalMin int) string {
	return assetID + "@" + strconv.Itoa(intervalMin)
}

func (m *memStore) InsertKlines(ctx context.Context, assetID string, intervalMin int, candles []market.Candle) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seriesErr != nil {
		return 0, m.seriesErr
	}
	k := pairKey(assetID, intervalMin)
	if m.klines[k] == nil {
		m.klines[k] = make(map[int64]market.Candle)
	}
	var inserted int64
	for _, c := range candles {
		if _, dup := m.klines[k][c.OpenTime]; dup {
			continue
		}
		m.klines[k][c.OpenTime] = c
		inserted++
	}
	return inserted, nil
}

func (m *memStore) SeriesRange(ctx context.Context, assetID string, intervalMin int) (int64, int64, int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seriesErr != nil {
		return 0, 0, 0, false, m.seriesErr
	}
	series := m.klines[pairKey(assetID, intervalMin)]
	if len(series) == 0 {
		return 0, 0, 0, false, nil
	}
	var minTS, maxTS int64
	first := true
	for ts := range series {
		if first {
			minTS, maxTS = ts, ts
			first = false
			continue
		}
		if ts < minTS {
			minTS = ts
		}
		if ts > maxTS {
			maxTS = ts
		}
	}
	return minTS, maxTS, int64(len(series)), true, nil
}

func (m *memStore) CountInRange(ctx context.Context, assetID string, intervalMin int, start, end int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seriesErr != nil {
		return 0, m.seriesErr
	}
	var n int64
	for ts := range m.klines[pairKey(assetID, intervalMin)] {
		if ts >= start && ts < end {
			n++
		}
	}
	return n, nil
}

func (m *memStore) LoadOpenTimes(ctx context.Context, assetID string, intervalMin int, start, end int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int64
	for ts := range m.klines[pairKey(assetID, intervalMin)] {
		if ts >= start && ts < end {
			out = append(out, ts)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *memStore) ListCoverage(ctx context.Context, assetID string, intervalMin int) ([]database.CoverageRange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.coverage[pairKey(assetID, intervalMin)]
	out := make([]database.CoverageRange, len(src))
	copy(out, src)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, nil
}

func (m *memStore) ReplaceCoverage(ctx context.Context, assetID string, intervalMin int, ranges []database.CoverageRange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]database.CoverageRange, len(ranges))
	copy(cp, ranges)
	m.coverage[pairKey(assetID, intervalMin)] = cp
	return nil
}

func (m *memStore) ReplaceGapsInWindow(ctx context.Context, assetID string, intervalMin int, start, end int64, gaps []database.GapRecord) ([]database.GapRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, g := range m.gaps {
		if g.AssetID != assetID || g.IntervalMin != intervalMin {
			continue
		}
		// 与窗口相交即删，对齐 sqlite 实现
		if g.End > start && g.Start < end &&
			(g.Status == database.GapStatusDetected || g.Status == database.GapStatusUnfillable) {
			delete(m.gaps, id)
		}
	}
	out := make([]database.GapRecord, 0, len(gaps))
	for _, g := range gaps {
		m.nextGap++
		g.ID = m.nextGap
		m.gaps[g.ID] = g
		out = append(out, g)
	}
	return out, nil
}

func (m *memStore) ListGaps(ctx context.Context, assetID string, intervalMin int, start, end int64) ([]database.GapRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.GapRecord
	for _, g := range m.gaps {
		if g.AssetID == assetID && g.IntervalMin == intervalMin && g.End > start && g.Start < end {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, nil
}

func (m *memStore) ListGapsByStatus(ctx context.Context, statuses ...database.GapStatus) ([]database.GapRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.GapRecord
	for _, g := range m.gaps {
		for _, st := range statuses {
			if g.Status == st {
				out = append(out, g)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AssetID != out[j].AssetID {
			return out[i].AssetID < out[j].AssetID
		}
		return out[i].Start < out[j].Start
	})
	return out, nil
}

func (m *memStore) MarkGapBackfilling(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gaps[id]
	if !ok || (g.Status != database.GapStatusDetected && g.Status != database.GapStatusFailed) {
		return false, nil
	}
	g.Status = database.GapStatusBackfilling
	g.AttemptedAt = time.Now().UnixMilli()
	m.gaps[id] = g
	return true, nil
}

func (m *memStore) RequeueGap(ctx context.Context, id int64, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gaps[id]
	if !ok || g.Status != database.GapStatusBackfilling {
		return nil
	}
	g.Status = database.GapStatusDetected
	g.Error = note
	m.gaps[id] = g
	return nil
}

func (m *memStore) ResolveGap(ctx context.Context, id int64, filled bool, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gaps[id]
	if !ok {
		return fmt.Errorf("缺口不存在: %d", id)
	}
	if filled {
		g.Status = database.GapStatusFilled
		g.FilledAt = time.Now().UnixMilli()
		g.Error = ""
	} else {
		g.Status = database.GapStatusFailed
		g.Error = errText
	}
	m.gaps[id] = g
	return nil
}

func (m *memStore) PurgeResolvedGaps(ctx context.Context, before int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, g := range m.gaps {
		if (g.Status == database.GapStatusFilled || g.Status == database.GapStatusFailed) && g.DetectedAt < before {
			delete(m.gaps, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) CreateJob(ctx context.Context, job database.IngestionJobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.jobs[job.ID]; dup {
		return fmt.Errorf("任务已存在: %s", job.ID)
	}
	job.CreatedAt = time.Now().UnixMilli()
	m.jobs[job.ID] = job
	return nil
}

func (m *memStore) GetJob(ctx context.Context, id string) (database.IngestionJobRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	return job, ok, nil
}

func (m *memStore) ListJobs(ctx context.Context, limit int) ([]database.IngestionJobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]database.IngestionJobRecord, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) TransitionJob(ctx context.Context, id string, from []database.JobStatus, to database.JobStatus) (bool, error) {
	// 对齐 ExecContext：取消后的写入直接失败
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return false, nil
	}
	allowed := false
	for _, f := range from {
		if job.Status == f {
			allowed = true
			break
		}
	}
	if !allowed || !database.CanTransition(job.Status, to) {
		return false, nil
	}
	job.Status = to
	now := time.Now().UnixMilli()
	switch to {
	case database.JobStatusRunning:
		if job.StartedAt == 0 {
			job.StartedAt = now
		}
	case database.JobStatusCompleted, database.JobStatusFailed, database.JobStatusPaused:
		job.CompletedAt = now
	}
	job.UpdatedAt = now
	m.jobs[id] = job
	return true, nil
}

func (m *memStore) UpdateJobProgress(ctx context.Context, id string, c database.JobCounters, lastError string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("任务不存在: %s", id)
	}
	job.Counters = c
	job.LastError = lastError
	job.UpdatedAt = time.Now().UnixMilli()
	m.jobs[id] = job
	return nil
}

func (m *memStore) UpsertFileRecord(ctx context.Context, rec database.FileIngestionRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.files {
		if existing.JobID == rec.JobID && existing.ContentHash == rec.ContentHash {
			return id, nil
		}
	}
	m.nextFile++
	rec.ID = m.nextFile
	if rec.Status == "" {
		rec.Status = database.FileStatusPending
	}
	m.files[rec.ID] = rec
	return rec.ID, nil
}

func (m *memStore) CompletedHashExists(ctx context.Context, contentHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.files {
		if rec.ContentHash == contentHash && rec.Status == database.FileStatusCompleted {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) ListFilesForJob(ctx context.Context, jobID string) ([]database.FileIngestionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []database.FileIngestionRecord
	for _, rec := range m.files {
		if rec.JobID == jobID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) UpdateFileResult(ctx context.Context, id int64, status database.FileStatus, records, rangeStart, rangeEnd int64, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.files[id]
	if !ok {
		return fmt.Errorf("文件记录不存在: %d", id)
	}
	rec.Status = status
	rec.Records = records
	rec.RangeStart = rangeStart
	rec.RangeEnd = rangeEnd
	rec.Error = errText
	m.files[id] = rec
	return nil
}

// fakeSource 伪造远端数据源：按 (symbol, interval) 预置可返回的区间。
type fakeSource struct {
	mu       sync.Mutex
	maxUnits int
	calls    int
	fail     error  // 非 nil 时所有调用返回该错误
	failures int    // 前 N 次调用返回 TransientIOError
	onFetch  func() // 每次拉取前回调（模拟拉取途中取消）
}

func newFakeSource(maxUnits int) *fakeSource {
	return &fakeSource{maxUnits: maxUnits}
}

func (f *fakeSource) FetchRange(ctx context.Context, symbol string, intervalMin int, start, end int64) ([]market.Candle, error) {
	f.mu.Lock()
	f.calls++
	if f.onFetch != nil {
		f.onFetch()
	}
	if err := ctx.Err(); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	if f.fail != nil {
		err := f.fail
		f.mu.Unlock()
		return nil, err
	}
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, &TransientIOError{Op: "fetch", Err: fmt.Errorf("网络抖动")}
	}
	f.mu.Unlock()

	step := market.IntervalMillis(intervalMin)
	var out []market.Candle
	for ts := market.AlignUp(start, intervalMin); ts < end; ts += step {
		out = append(out, market.Candle{
			OpenTime: ts, CloseTime: ts + step - 1,
			Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10,
		})
	}
	return out, nil
}

func (f *fakeSource) MaxLookbackUnits() int { return f.maxUnits }

func (f *fakeSource) Stats() market.SourceStats { return market.SourceStats{} }

func (f *fakeSource) Close() error { return nil }

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
