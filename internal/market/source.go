package market

import "context"

// SourceStats 记录数据源运行期的一些指标。
type SourceStats struct {
	Calls            int64  `json:"calls"`
	Throttled        int64  `json:"throttled"`
	ConsecutiveFails int    `json:"consecutive_fails"`
	Disabled         bool   `json:"disabled"`
	LastError        string `json:"last_error"`
}

// Source 统一对接外部历史行情供应商。
type Source interface {
	// FetchRange 拉取 [start, end) 内的 K 线并按时间升序返回。
	// 实现内部做全局限速；历史深度受 MaxLookbackUnits 限制。
	FetchRange(ctx context.Context, symbol string, intervalMin int, start, end int64) ([]Candle, error)
	// MaxLookbackUnits 返回该源单个周期可回溯的最大 K 线根数。
	MaxLookbackUnits() int
	// Stats 返回当前运行状态。
	Stats() SourceStats
	// Close 释放底层资源。
	Close() error
}

// Gate 抽象熔断闸门：每次远程调用前询问，调用后回报结果。
type Gate interface {
	CanCall() bool
	RecordResult(success bool)
}
