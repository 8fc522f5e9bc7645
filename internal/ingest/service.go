package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"harvest/internal/asset"
	"harvest/internal/bulkfile"
	"harvest/internal/gateway/database"
	"harvest/internal/logger"
	"harvest/internal/market"
)

// ServiceConfig 汇集任务编排所需的全部协作方。
type ServiceConfig struct {
	Jobs     JobStore
	Files    FileStore
	Series   SeriesStore
	Coverage CoverageStore
	Gaps     GapStore
	Registry *asset.Registry
	Source   market.Source
	// BulkIndex 由外部文件发现协作方提供 (ticker, interval) → 可用文件。
	BulkIndex func(ctx context.Context) (map[string][]bulkfile.FileRef, error)
	// OpenTimes 可选，提供完整性抽查所需的逐根查询。
	OpenTimes OpenTimeLister
	Retry     RetryPolicy
	// Workers 限制并发处理的 (asset, interval) 对数。
	Workers int
	// OpTimeout 是单次外部调用（远端拉取、存储写入）的超时。
	OpTimeout time.Duration
	// GapRetention 控制 filled/failed 缺口的保留时长；unfillable 永久保留。
	GapRetention time.Duration
	Now          func() time.Time
}

// Service 是摄取任务的编排器：一个任务 = 一串顺序阶段，
// 阶段内部按 (asset, interval) 有界并发。重试权只在这一层。
type Service struct {
	cfg      ServiceConfig
	router   *Router
	tracker  *Tracker
	detector *Detector
	reporter *Reporter

	mu      sync.Mutex
	lastErr string
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Jobs == nil || cfg.Files == nil || cfg.Series == nil ||
		cfg.Coverage == nil || cfg.Gaps == nil {
		return nil, fmt.Errorf("存储依赖不完整")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry 不能为空")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("远端数据源不能为空")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 30 * time.Second
	}
	if cfg.GapRetention <= 0 {
		cfg.GapRetention = 30 * 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.Retry = cfg.Retry.withDefaults()

	s := &Service{cfg: cfg}
	s.router = NewRouter(cfg.Source.MaxLookbackUnits, cfg.Now)
	s.tracker = NewTracker(cfg.Series, cfg.Coverage, cfg.Now)
	s.detector = NewDetector(cfg.Coverage, cfg.Gaps, cfg.Source.MaxLookbackUnits, cfg.Now)
	s.reporter = NewReporter(cfg.Series, cfg.Gaps, cfg.Registry, cfg.Now)
	return s, nil
}

// Reporter 暴露完整度报告器，供 HTTP 层直接生成报告。
func (s *Service) Reporter() *Reporter { return s.reporter }

// JobParams 是创建任务的请求参数。
type JobParams struct {
	TierFilter     int   `json:"tier_filter"`
	Intervals      []int `json:"intervals"`
	StartTS        int64 `json:"start_ts"`
	EndTS          int64 `json:"end_ts"`
	RemoteBackfill bool  `json:"remote_backfill_enabled"`
	AutoGapFill    bool  `json:"auto_gap_fill_enabled"`
}

// SubmitJob 校验参数并登记一条 pending 任务。
func (s *Service) SubmitJob(ctx context.Context, p JobParams) (database.IngestionJobRecord, error) {
	if len(p.Intervals) == 0 {
		return database.IngestionJobRecord{}, &ValidationError{Field: "intervals", Detail: "不能为空"}
	}
	for _, iv := range p.Intervals {
		if iv <= 0 {
			return database.IngestionJobRecord{}, &ValidationError{Field: "intervals", Detail: fmt.Sprintf("interval 必须为正: %d", iv)}
		}
	}
	if p.EndTS == 0 {
		p.EndTS = s.cfg.Now().UnixMilli()
	}
	if p.StartTS > p.EndTS {
		return database.IngestionJobRecord{}, &ValidationError{Field: "start/end", Detail: "start 晚于 end"}
	}
	job := database.IngestionJobRecord{
		ID:             uuid.NewString(),
		TierFilter:     p.TierFilter,
		Intervals:      p.Intervals,
		StartTS:        p.StartTS,
		EndTS:          p.EndTS,
		Status:         database.JobStatusPending,
		RemoteBackfill: p.RemoteBackfill,
		AutoGapFill:    p.AutoGapFill,
	}
	if err := s.cfg.Jobs.CreateJob(ctx, job); err != nil {
		return database.IngestionJobRecord{}, transientOp("登记任务", err)
	}
	return job, nil
}

// Run 执行（或续跑）一个任务直至终态。取消时任务落在 paused，
// 可重复调用 Run 恢复；致命错误落在 failed 并保留错误文本。
func (s *Service) Run(ctx context.Context, jobID string) error {
	job, ok, err := s.cfg.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return transientOp("读取任务", err)
	}
	if !ok {
		return &ValidationError{Field: "job_id", Detail: "任务不存在: " + jobID}
	}
	moved, err := s.cfg.Jobs.TransitionJob(ctx, jobID,
		[]database.JobStatus{database.JobStatusPending, database.JobStatusFailed, database.JobStatusPaused},
		database.JobStatusRunning)
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("任务 %s 当前状态 %s 不允许运行", jobID, job.Status)
	}
	s.setLastErr("")

	execErr := s.execute(ctx, &job)
	switch {
	case execErr == nil:
		_, err = s.cfg.Jobs.TransitionJob(ctx, jobID,
			[]database.JobStatus{database.JobStatusRunning}, database.JobStatusCompleted)
		return err
	case errors.Is(execErr, context.Canceled) || ctx.Err() != nil:
		// 协作式取消：状态落 paused，已写入的数据保持一致，后续可续跑。
		// ctx 此时已取消，终态回写必须用剥离取消信号的 context。
		bg := context.WithoutCancel(ctx)
		if _, err := s.cfg.Jobs.TransitionJob(bg, jobID,
			[]database.JobStatus{database.JobStatusRunning}, database.JobStatusPaused); err != nil {
			logger.Errorf("[job] %s 暂停状态回写失败: %v", jobID, err)
		}
		logger.Infof("[job] %s 已暂停: %v", jobID, execErr)
		return execErr
	default:
		bg := context.WithoutCancel(ctx)
		_ = s.cfg.Jobs.UpdateJobProgress(bg, jobID, job.Counters, execErr.Error())
		_, _ = s.cfg.Jobs.TransitionJob(bg, jobID,
			[]database.JobStatus{database.JobStatusRunning}, database.JobStatusFailed)
		logger.Errorf("[job] %s 失败: %v", jobID, execErr)
		return execErr
	}
}

func (s *Service) execute(ctx context.Context, job *database.IngestionJobRecord) error {
	assets := s.cfg.Registry.ListByTier(job.TierFilter)
	job.Counters.Assets = len(assets)

	var files map[string][]bulkfile.FileRef
	if s.cfg.BulkIndex != nil {
		var err error
		files, err = s.cfg.BulkIndex(ctx)
		if err != nil {
			return transientOp("索引批量文件", err)
		}
	}

	plan, err := s.router.Plan(assets, job.Intervals, job.StartTS, job.EndTS, files)
	if err != nil {
		return err
	}
	job.Counters.FilesTotal = len(plan.BulkFiles)
	for _, m := range plan.Missing {
		logger.Warnf("[job] %s %s [%d, %d) 无批量文件且超出远端深度，待检测为缺口",
			m.Asset.Ticker, market.FormatInterval(m.IntervalMin), m.Start, m.End)
	}
	s.progress(ctx, job)

	if err := s.ingestBulk(ctx, job, plan.BulkFiles); err != nil {
		return err
	}
	s.progress(ctx, job)

	if job.RemoteBackfill {
		if err := s.ingestRemote(ctx, job, plan.Remote); err != nil {
			return err
		}
		s.progress(ctx, job)
	}

	// 覆盖对账：整体成功或整体留待下次，内部不做部分提交。
	pairSources := planPairSources(plan)
	if err := Retry(ctx, s.cfg.Retry, func(ctx context.Context) error {
		for _, p := range plan.Pairs() {
			if err := ctx.Err(); err != nil {
				return err
			}
			src := pairSources[bulkfile.IndexKey(p.Asset.Ticker, p.IntervalMin)]
			if _, _, err := s.tracker.ReconcileAsset(ctx, p.Asset.ID, p.IntervalMin, src); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	detected, err := s.detector.DetectForJob(ctx, assets, job.Intervals, job.StartTS, job.EndTS)
	if err != nil {
		return err
	}
	job.Counters.GapsDetected = len(detected.Fillable) + len(detected.Unfillable)
	s.progress(ctx, job)

	if job.AutoGapFill {
		if err := s.backfillGaps(ctx, job, detected.Fillable); err != nil {
			return err
		}
		s.progress(ctx, job)
	}

	cutoff := s.cfg.Now().Add(-s.cfg.GapRetention).UnixMilli()
	if n, err := s.cfg.Gaps.PurgeResolvedGaps(ctx, cutoff); err == nil && n > 0 {
		logger.Debugf("[job] 清理已解决缺口 %d 条", n)
	}
	return nil
}

// planPairSources 计算每个 (asset, interval) 本次计划涉及的来源标签。
func planPairSources(plan *IngestionPlan) map[string]database.CoverageSource {
	out := make(map[string]database.CoverageSource)
	for _, e := range plan.BulkFiles {
		out[bulkfile.IndexKey(e.Asset.Ticker, e.IntervalMin)] = database.SourceBulkFile
	}
	for _, e := range plan.Remote {
		k := bulkfile.IndexKey(e.Asset.Ticker, e.IntervalMin)
		if _, ok := out[k]; ok {
			out[k] = database.SourceMixed
		} else {
			out[k] = database.SourceRemoteAPI
		}
	}
	for _, e := range plan.Missing {
		k := bulkfile.IndexKey(e.Asset.Ticker, e.IntervalMin)
		if _, ok := out[k]; !ok {
			out[k] = database.SourceBulkFile
		}
	}
	return out
}

// ingestBulk 顺序处理批量文件：hash 去重、流式写入、逐文件记账。
// 单个文件失败不终止任务，计入 files_failed 与 last_error。
func (s *Service) ingestBulk(ctx context.Context, job *database.IngestionJobRecord, entries []PlanEntry) error {
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.File == nil {
			continue
		}
		hash, err := bulkfile.HashFile(e.File.Path)
		if err != nil {
			job.Counters.FilesFailed++
			s.setLastErr(err.Error())
			logger.Errorf("[bulk] %s hash 失败: %v", e.File.Path, err)
			continue
		}
		recID, err := s.cfg.Files.UpsertFileRecord(ctx, database.FileIngestionRecord{
			JobID:       job.ID,
			Path:        e.File.Path,
			ContentHash: hash,
			AssetID:     e.Asset.ID,
			IntervalMin: e.IntervalMin,
		})
		if err != nil {
			return transientOp("登记文件记录", err)
		}

		done, err := s.cfg.Files.CompletedHashExists(ctx, hash)
		if err != nil {
			return transientOp("查询文件去重", err)
		}
		if done {
			// 同一内容此前已成功摄取，重跑是 no-op。
			if err := s.cfg.Files.UpdateFileResult(ctx, recID, database.FileStatusSkipped, 0, 0, 0, ""); err != nil {
				return transientOp("更新文件记录", err)
			}
			logger.Debugf("[bulk] %s 内容已摄取过，跳过", e.File.Path)
			continue
		}

		if err := s.cfg.Files.UpdateFileResult(ctx, recID, database.FileStatusIngesting, 0, 0, 0, ""); err != nil {
			return transientOp("更新文件记录", err)
		}
		inserted, obsStart, obsEnd, ingestErr := s.ingestOneFile(ctx, e)
		if ingestErr != nil {
			job.Counters.FilesFailed++
			s.setLastErr(ingestErr.Error())
			if err := s.cfg.Files.UpdateFileResult(ctx, recID, database.FileStatusFailed, 0, 0, 0, ingestErr.Error()); err != nil {
				return transientOp("更新文件记录", err)
			}
			logger.Errorf("[bulk] %s 摄取失败: %v", e.File.Path, ingestErr)
			continue
		}
		job.Counters.FilesIngested++
		job.Counters.RecordsIngested += inserted
		if err := s.cfg.Files.UpdateFileResult(ctx, recID, database.FileStatusCompleted, inserted, obsStart, obsEnd, ""); err != nil {
			return transientOp("更新文件记录", err)
		}
	}
	return nil
}

func (s *Service) ingestOneFile(ctx context.Context, e PlanEntry) (inserted, obsStart, obsEnd int64, err error) {
	candles, err := bulkfile.ReadCandlesFile(e.File.Path, e.IntervalMin)
	if err != nil {
		return 0, 0, 0, err
	}
	// 只保留计划子区间内的 K 线
	filtered := candles[:0]
	for _, c := range candles {
		if c.OpenTime >= e.Start && c.OpenTime < e.End {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) == 0 {
		return 0, 0, 0, nil
	}
	obsStart = filtered[0].OpenTime
	obsEnd = filtered[len(filtered)-1].OpenTime + market.IntervalMillis(e.IntervalMin)

	err = Retry(ctx, s.cfg.Retry, func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
		defer cancel()
		n, err := s.cfg.Series.InsertKlines(opCtx, e.Asset.ID, e.IntervalMin, filtered)
		if err != nil {
			return transientOp("写入 K 线", err)
		}
		inserted = n
		return nil
	})
	if err != nil {
		return 0, 0, 0, err
	}
	return inserted, obsStart, obsEnd, nil
}

// ingestRemote 并发回填远端子区间；每个 (asset, interval) 由单个
// goroutine 处理，写入互不干扰。源被熔断时停止剩余拉取但不判任务失败，
// 未覆盖的部分会在检测阶段成为缺口。
func (s *Service) ingestRemote(ctx context.Context, job *database.IngestionJobRecord, entries []PlanEntry) error {
	var disabled sync.Once
	var stop bool
	var stopMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	var recordsMu sync.Mutex
	for _, e := range entries {
		stopMu.Lock()
		skip := stop
		stopMu.Unlock()
		if skip {
			break
		}
		if err := gctx.Err(); err != nil {
			break
		}
		e := e
		g.Go(func() error {
			n, err := s.fetchAndStore(gctx, e.Asset, e.IntervalMin, e.Start, e.End)
			if err != nil {
				switch {
				case errors.Is(err, context.Canceled):
					return err
				case IsDataNotFound(err):
					logger.Debugf("[remote] %s %s 无数据，跳过",
						e.Asset.Ticker, market.FormatInterval(e.IntervalMin))
					return nil
				case IsSourceDisabled(err):
					disabled.Do(func() {
						s.setLastErr(err.Error())
						logger.Errorf("[remote] 数据源已禁用，停止剩余拉取: %v", err)
					})
					stopMu.Lock()
					stop = true
					stopMu.Unlock()
					return nil
				default:
					s.setLastErr(err.Error())
					logger.Errorf("[remote] %s %s 拉取失败: %v",
						e.Asset.Ticker, market.FormatInterval(e.IntervalMin), err)
					return nil
				}
			}
			recordsMu.Lock()
			job.Counters.RecordsIngested += n
			recordsMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// fetchAndStore 拉取一个子区间并写入时序存储，重试只在这一层。
func (s *Service) fetchAndStore(ctx context.Context, a asset.Asset, intervalMin int, start, end int64) (int64, error) {
	var inserted int64
	err := Retry(ctx, s.cfg.Retry, func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
		defer cancel()
		candles, err := s.cfg.Source.FetchRange(opCtx, a.Ticker, intervalMin, start, end)
		if err != nil {
			return err
		}
		opCtx2, cancel2 := context.WithTimeout(ctx, s.cfg.OpTimeout)
		defer cancel2()
		n, err := s.cfg.Series.InsertKlines(opCtx2, a.ID, intervalMin, candles)
		if err != nil {
			return transientOp("写入 K 线", err)
		}
		inserted = n
		return nil
	})
	return inserted, err
}

// backfillGaps 回填可填缺口：按 (asset, interval) 分组并发，
// 组内顺序执行以保证同键写入串行。重试耗尽标记 failed（区别于 unfillable）。
func (s *Service) backfillGaps(ctx context.Context, job *database.IngestionJobRecord, gaps []database.GapRecord) error {
	grouped := make(map[string][]database.GapRecord)
	var order []string
	for _, gap := range gaps {
		k := gap.AssetID + "@" + market.FormatInterval(gap.IntervalMin)
		if _, ok := grouped[k]; !ok {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], gap)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	var filledMu sync.Mutex
	for _, k := range order {
		pairGaps := grouped[k]
		g.Go(func() error {
			for _, gap := range pairGaps {
				if err := gctx.Err(); err != nil {
					return err
				}
				taken, err := s.cfg.Gaps.MarkGapBackfilling(gctx, gap.ID)
				if err != nil {
					return transientOp("标记缺口回填", err)
				}
				if !taken {
					continue
				}
				a, ok := s.cfg.Registry.Get(gap.AssetID)
				if !ok {
					a = asset.Asset{ID: gap.AssetID, Ticker: gap.AssetID}
				}
				_, fetchErr := s.fetchAndStore(gctx, a, gap.IntervalMin, gap.Start, gap.End)
				if fetchErr != nil {
					switch {
					case errors.Is(fetchErr, context.Canceled):
						return fetchErr
					case IsDataNotFound(fetchErr):
						// 源无该区间数据按跳过处理，缺口放回 detected。
						logger.Debugf("[gapfill] %s %s 源无数据，跳过",
							gap.AssetID, market.FormatInterval(gap.IntervalMin))
						if err := s.cfg.Gaps.RequeueGap(gctx, gap.ID, fetchErr.Error()); err != nil {
							return transientOp("回写缺口结果", err)
						}
						continue
					case IsSourceDisabled(fetchErr):
						_ = s.cfg.Gaps.ResolveGap(gctx, gap.ID, false, fetchErr.Error())
						s.setLastErr(fetchErr.Error())
						return nil // 源禁用，放弃本轮剩余回填
					default:
						s.setLastErr(fetchErr.Error())
						if err := s.cfg.Gaps.ResolveGap(gctx, gap.ID, false, fetchErr.Error()); err != nil {
							return transientOp("回写缺口结果", err)
						}
						continue
					}
				}
				if err := s.cfg.Gaps.ResolveGap(gctx, gap.ID, true, ""); err != nil {
					return transientOp("回写缺口结果", err)
				}
				// 回填成功后立刻对账该键，保持覆盖与数据同步
				if _, _, err := s.tracker.ReconcileAsset(gctx, gap.AssetID, gap.IntervalMin, database.SourceRemoteAPI); err != nil {
					return err
				}
				filledMu.Lock()
				job.Counters.GapsFilled++
				filledMu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// progress 尽力回写进度，不因回写失败打断任务。
func (s *Service) progress(ctx context.Context, job *database.IngestionJobRecord) {
	if err := s.cfg.Jobs.UpdateJobProgress(ctx, job.ID, job.Counters, s.getLastErr()); err != nil {
		logger.Warnf("[job] 回写进度失败: %v", err)
	}
}

func (s *Service) setLastErr(msg string) {
	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()
}

func (s *Service) getLastErr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Job 读取任务当前快照。
func (s *Service) Job(ctx context.Context, id string) (database.IngestionJobRecord, bool, error) {
	return s.cfg.Jobs.GetJob(ctx, id)
}

// Jobs 列出最近的任务。
func (s *Service) Jobs(ctx context.Context, limit int) ([]database.IngestionJobRecord, error) {
	return s.cfg.Jobs.ListJobs(ctx, limit)
}

// Integrity 逐根抽查 (asset, interval) 在区间内的实际 K 线存在情况。
func (s *Service) Integrity(ctx context.Context, assetID string, intervalMin int, start, end int64) (IntegrityReport, error) {
	if s.cfg.OpenTimes == nil {
		return IntegrityReport{}, fmt.Errorf("未配置 open_time 查询")
	}
	return CheckIntegrity(ctx, s.cfg.OpenTimes, assetID, intervalMin, start, end)
}

// Recommendations 把缺口映射成人工处理建议行。
func (s *Service) Recommendations(gaps []database.GapRecord) []RecommendationRow {
	return BuildRecommendations(gaps, s.cfg.Registry, s.cfg.Now().UnixMilli())
}

// UnfillableGaps 返回待人工处理的缺口清单（建议下载文件的依据）。
func (s *Service) UnfillableGaps(ctx context.Context) ([]database.GapRecord, error) {
	return s.cfg.Gaps.ListGapsByStatus(ctx, database.GapStatusUnfillable)
}

// FailedGaps 返回回填重试耗尽的缺口，供人工再次触发。
func (s *Service) FailedGaps(ctx context.Context) ([]database.GapRecord, error) {
	return s.cfg.Gaps.ListGapsByStatus(ctx, database.GapStatusFailed)
}
