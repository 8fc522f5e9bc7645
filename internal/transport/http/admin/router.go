package admin

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"harvest/internal/gateway/binance"
	"harvest/internal/ingest"
	"harvest/internal/logger"
	"harvest/internal/market"
)

// Router 暴露摄取任务与数据源的管理接口。
type Router struct {
	svc    *ingest.Service
	source *binance.Source

	mu      sync.Mutex
	baseCtx context.Context
	running map[string]context.CancelFunc
}

func NewRouter(svc *ingest.Service, source *binance.Source) *Router {
	return &Router{
		svc:     svc,
		source:  source,
		baseCtx: context.Background(),
		running: make(map[string]context.CancelFunc),
	}
}

// Bind 绑定后台任务的基准 context；服务关停时未完成的任务随之暂停。
func (r *Router) Bind(ctx context.Context) {
	r.mu.Lock()
	r.baseCtx = ctx
	r.mu.Unlock()
}

// Register 注册管理接口路由。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.POST("/jobs", r.handleSubmit)
	group.GET("/jobs", r.handleJobs)
	group.GET("/jobs/:id", r.handleJob)
	group.POST("/jobs/:id/resume", r.handleResume)
	group.POST("/jobs/:id/pause", r.handlePause)
	group.GET("/report", r.handleReport)
	group.GET("/integrity", r.handleIntegrity)
	group.GET("/recommendations.csv", r.handleRecommendations)
	group.GET("/gaps/failed", r.handleFailedGaps)
	group.GET("/source/stats", r.handleSourceStats)
	group.POST("/source/reset", r.handleSourceReset)
}

// launch 在后台执行任务；同一任务同时只允许一个执行者。
func (r *Router) launch(jobID string) bool {
	r.mu.Lock()
	if _, busy := r.running[jobID]; busy {
		r.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(r.baseCtx)
	r.running[jobID] = cancel
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.running, jobID)
			r.mu.Unlock()
			cancel()
		}()
		if err := r.svc.Run(ctx, jobID); err != nil {
			logger.Warnf("[admin] 任务 %s 结束: %v", jobID, err)
		}
	}()
	return true
}

func (r *Router) handleSubmit(c *gin.Context) {
	var req struct {
		TierFilter     int      `json:"tier_filter"`
		Intervals      []string `json:"intervals" binding:"required"`
		StartTS        int64    `json:"start_ts" binding:"required"`
		EndTS          int64    `json:"end_ts"`
		RemoteBackfill bool     `json:"remote_backfill_enabled"`
		AutoGapFill    bool     `json:"auto_gap_fill_enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求格式错误: " + err.Error()})
		return
	}
	intervals, err := parseIntervals(req.Intervals)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := r.svc.SubmitJob(c.Request.Context(), ingest.JobParams{
		TierFilter:     req.TierFilter,
		Intervals:      intervals,
		StartTS:        req.StartTS,
		EndTS:          req.EndTS,
		RemoteBackfill: req.RemoteBackfill,
		AutoGapFill:    req.AutoGapFill,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	r.launch(job.ID)
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

func (r *Router) handleJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	jobs, err := r.svc.Jobs(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (r *Router) handleJob(c *gin.Context) {
	job, ok, err := r.svc.Job(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "任务不存在"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (r *Router) handleResume(c *gin.Context) {
	id := c.Param("id")
	job, ok, err := r.svc.Job(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "任务不存在"})
		return
	}
	if !r.launch(id) {
		c.JSON(http.StatusConflict, gin.H{"error": "任务正在执行中"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

func (r *Router) handlePause(c *gin.Context) {
	id := c.Param("id")
	r.mu.Lock()
	cancel, ok := r.running[id]
	r.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "任务未在执行"})
		return
	}
	cancel()
	c.JSON(http.StatusAccepted, gin.H{"success": true})
}

func (r *Router) handleReport(c *gin.Context) {
	tier, _ := strconv.Atoi(c.DefaultQuery("tier", "0"))
	start, err1 := strconv.ParseInt(c.Query("start_ts"), 10, 64)
	end, err2 := strconv.ParseInt(c.Query("end_ts"), 10, 64)
	if err1 != nil || err2 != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start_ts/end_ts 必填且为毫秒时间戳"})
		return
	}
	intervals, err := parseIntervals(strings.Split(c.DefaultQuery("intervals", "1h"), ","))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	report, err := r.svc.Reporter().GenerateReport(c.Request.Context(), tier, intervals, start, end)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if c.DefaultQuery("format", "json") == "table" {
		c.String(http.StatusOK, ingest.RenderReportTable(report))
		return
	}
	c.JSON(http.StatusOK, report)
}

func (r *Router) handleIntegrity(c *gin.Context) {
	assetID := c.Query("asset")
	start, err1 := strconv.ParseInt(c.Query("start_ts"), 10, 64)
	end, err2 := strconv.ParseInt(c.Query("end_ts"), 10, 64)
	if assetID == "" || err1 != nil || err2 != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "asset/start_ts/end_ts 必填"})
		return
	}
	intervals, err := parseIntervals([]string{c.DefaultQuery("interval", "1h")})
	if err != nil || len(intervals) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "interval 非法"})
		return
	}
	report, err := r.svc.Integrity(c.Request.Context(), assetID, intervals[0], start, end)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (r *Router) handleRecommendations(c *gin.Context) {
	gaps, err := r.svc.UnfillableGaps(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	rows := r.svc.Recommendations(gaps)
	var buf bytes.Buffer
	if err := ingest.WriteRecommendationsCSV(&buf, rows); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Header("Content-Disposition", `attachment; filename="recommendations.csv"`)
	c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}

func (r *Router) handleFailedGaps(c *gin.Context) {
	gaps, err := r.svc.FailedGaps(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"gaps": gaps})
}

func (r *Router) handleSourceStats(c *gin.Context) {
	if r.source == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "未配置远端数据源"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": r.source.Stats(), "disabled": r.source.Disabled()})
}

func (r *Router) handleSourceReset(c *gin.Context) {
	if r.source == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "未配置远端数据源"})
		return
	}
	r.source.ResetBreaker()
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// parseIntervals 接受 "15"（分钟数）或 "1h" 两种写法。
func parseIntervals(raw []string) ([]int, error) {
	out := make([]int, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if n, err := strconv.Atoi(s); err == nil {
			out = append(out, n)
			continue
		}
		n, err := market.ParseInterval(s)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
