package binance

import "time"

// Config 描述 Binance 历史行情源运行所需的参数。
type Config struct {
	APIKey           string
	APISecret        string
	// RatePeriod 全局限速周期：所有并发调用共享，每个周期放行一次请求。
	RatePeriod       time.Duration
	HTTPTimeout      time.Duration
	// MaxLookbackUnits 单个周期可回溯的最大 K 线根数（API 的历史深度上限）。
	MaxLookbackUnits int
	// DisableThreshold 连续失败多少次后熔断该数据源。
	DisableThreshold uint32
	// DisableCooldown 熔断后允许探测恢复前的冷却时长；人工 Reset 可立即恢复。
	DisableCooldown  time.Duration
	PageLimit        int
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.RatePeriod <= 0 {
		out.RatePeriod = time.Second
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	if out.MaxLookbackUnits <= 0 {
		out.MaxLookbackUnits = 720
	}
	if out.DisableThreshold == 0 {
		out.DisableThreshold = 5
	}
	if out.DisableCooldown <= 0 {
		out.DisableCooldown = time.Hour
	}
	if out.PageLimit <= 0 || out.PageLimit > 1000 {
		out.PageLimit = 1000
	}
	return out
}
