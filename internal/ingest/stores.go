package ingest

import (
	"context"

	"harvest/internal/gateway/database"
	"harvest/internal/market"
)

// SeriesStore 抽象 K 线时序存储的查询/写入，永远以实际落库数据为准。
type SeriesStore interface {
	InsertKlines(ctx context.Context, assetID string, intervalMin int, candles []market.Candle) (int64, error)
	SeriesRange(ctx context.Context, assetID string, intervalMin int) (minTS, maxTS, count int64, ok bool, err error)
	CountInRange(ctx context.Context, assetID string, intervalMin int, start, end int64) (int64, error)
}

// CoverageStore 抽象 (asset, interval) 覆盖区间的读与整体替换。
type CoverageStore interface {
	ListCoverage(ctx context.Context, assetID string, intervalMin int) ([]database.CoverageRange, error)
	ReplaceCoverage(ctx context.Context, assetID string, intervalMin int, ranges []database.CoverageRange) error
}

// GapStore 抽象缺口记录的持久化。
type GapStore interface {
	ReplaceGapsInWindow(ctx context.Context, assetID string, intervalMin int, start, end int64, gaps []database.GapRecord) ([]database.GapRecord, error)
	ListGaps(ctx context.Context, assetID string, intervalMin int, start, end int64) ([]database.GapRecord, error)
	ListGapsByStatus(ctx context.Context, statuses ...database.GapStatus) ([]database.GapRecord, error)
	MarkGapBackfilling(ctx context.Context, id int64) (bool, error)
	RequeueGap(ctx context.Context, id int64, note string) error
	ResolveGap(ctx context.Context, id int64, filled bool, errText string) error
	PurgeResolvedGaps(ctx context.Context, before int64) (int64, error)
}

// JobStore 抽象任务信封的持久化；状态迁移必须是单行原子读改写。
type JobStore interface {
	CreateJob(ctx context.Context, job database.IngestionJobRecord) error
	GetJob(ctx context.Context, id string) (database.IngestionJobRecord, bool, error)
	ListJobs(ctx context.Context, limit int) ([]database.IngestionJobRecord, error)
	TransitionJob(ctx context.Context, id string, from []database.JobStatus, to database.JobStatus) (bool, error)
	UpdateJobProgress(ctx context.Context, id string, c database.JobCounters, lastError string) error
}

// FileStore 抽象批量文件处理单元的登记与去重查询。
type FileStore interface {
	UpsertFileRecord(ctx context.Context, rec database.FileIngestionRecord) (int64, error)
	CompletedHashExists(ctx context.Context, contentHash string) (bool, error)
	ListFilesForJob(ctx context.Context, jobID string) ([]database.FileIngestionRecord, error)
	UpdateFileResult(ctx context.Context, id int64, status database.FileStatus, records, rangeStart, rangeEnd int64, errText string) error
}
