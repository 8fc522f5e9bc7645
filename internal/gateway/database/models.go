package database

// JobStatus 摄取任务状态机：pending → running → {completed|failed|paused}，
// failed/paused 可被 resume 拉回 running。
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusPaused    JobStatus = "paused"
)

// CanTransition 判断状态迁移是否合法。
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusRunning
	case JobStatusRunning:
		return to == JobStatusCompleted || to == JobStatusFailed || to == JobStatusPaused
	case JobStatusFailed, JobStatusPaused:
		return to == JobStatusRunning
	default:
		return false
	}
}

// JobCounters 汇总一次任务的进度计数。
type JobCounters struct {
	Assets          int   `json:"assets"`
	FilesTotal      int   `json:"files_total"`
	FilesIngested   int   `json:"files_ingested"`
	FilesFailed     int   `json:"files_failed"`
	RecordsIngested int64 `json:"records_ingested"`
	GapsDetected    int   `json:"gaps_detected"`
	GapsFilled      int   `json:"gaps_filled"`
}

// IngestionJobRecord 是一次协调摄取的持久化信封，保留用于审计与续跑。
type IngestionJobRecord struct {
	ID             string      `json:"id"`
	TierFilter     int         `json:"tier_filter"`
	Intervals      []int       `json:"intervals"`
	StartTS        int64       `json:"start_ts"`
	EndTS          int64       `json:"end_ts"`
	Status         JobStatus   `json:"status"`
	RemoteBackfill bool        `json:"remote_backfill_enabled"`
	AutoGapFill    bool        `json:"auto_gap_fill_enabled"`
	Counters       JobCounters `json:"counters"`
	LastError      string      `json:"last_error"`
	StartedAt      int64       `json:"started_at"`
	CompletedAt    int64       `json:"completed_at"`
	CreatedAt      int64       `json:"created_at"`
	UpdatedAt      int64       `json:"updated_at"`
}

// FileStatus 单个批量文件处理单元的状态。
type FileStatus string

const (
	FileStatusPending   FileStatus = "pending"
	FileStatusIngesting FileStatus = "ingesting"
	FileStatusCompleted FileStatus = "completed"
	FileStatusFailed    FileStatus = "failed"
	FileStatusSkipped   FileStatus = "skipped"
)

// FileIngestionRecord 跟踪任务内的一个批量文件；(job, content_hash) 唯一，
// 已 completed 的 hash 在任意任务中重跑都是 no-op。
type FileIngestionRecord struct {
	ID          int64      `json:"id"`
	JobID       string     `json:"job_id"`
	Path        string     `json:"path"`
	ContentHash string     `json:"content_hash"`
	AssetID     string     `json:"asset_id"`
	IntervalMin int        `json:"interval_min"`
	Status      FileStatus `json:"status"`
	Records     int64      `json:"records_written"`
	RangeStart  int64      `json:"range_start"`
	RangeEnd    int64      `json:"range_end"`
	Error       string     `json:"error"`
	CreatedAt   int64      `json:"created_at"`
	UpdatedAt   int64      `json:"updated_at"`
}

// CoverageSource 标注覆盖区间的数据来源。
type CoverageSource string

const (
	SourceBulkFile  CoverageSource = "bulk_file"
	SourceRemoteAPI CoverageSource = "remote_api"
	SourceMixed     CoverageSource = "mixed"
)

// CoverageRange 表示 (asset, interval) 上一段已知有数据的半开区间 [Start, End)。
// 同一 (asset, interval) 下的区间互不重叠。
type CoverageRange struct {
	ID          int64          `json:"id"`
	AssetID     string         `json:"asset_id"`
	IntervalMin int            `json:"interval_min"`
	Start       int64          `json:"start"`
	End         int64          `json:"end"`
	Source      CoverageSource `json:"source"`
	Records     int64          `json:"records"`
	VerifiedAt  int64          `json:"verified_at"`
}

// GapStatus 缺口生命周期：detected → backfilling → {filled|failed}，
// 或 detected 时即判定 unfillable。
type GapStatus string

const (
	GapStatusDetected    GapStatus = "detected"
	GapStatusBackfilling GapStatus = "backfilling"
	GapStatusFilled      GapStatus = "filled"
	GapStatusFailed      GapStatus = "failed"
	GapStatusUnfillable  GapStatus = "unfillable"
)

// GapRecord 表示一段检测到的缺失区间。Fillable 在检测时一次性判定，
// 之后只随重新检测刷新。
type GapRecord struct {
	ID            int64     `json:"id"`
	AssetID       string    `json:"asset_id"`
	IntervalMin   int       `json:"interval_min"`
	Start         int64     `json:"start"`
	End           int64     `json:"end"`
	MissingUnits  int64     `json:"missing_units"`
	Fillable      bool      `json:"fillable"`
	OverflowUnits int64     `json:"overflow_units"`
	Status        GapStatus `json:"status"`
	SuggestedFile string    `json:"suggested_file"`
	Error         string    `json:"error"`
	DetectedAt    int64     `json:"detected_at"`
	AttemptedAt   int64     `json:"attempted_at"`
	FilledAt      int64     `json:"filled_at"`
}
