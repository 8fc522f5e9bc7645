package ingest

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy 控制任务编排层对暂时性错误的重试行为。
// 重试权只在这里：各组件内部不做自己的重试。
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Jitter 在 [1-Jitter, 1+Jitter] 间随机缩放退避时长，0 表示不抖动。
	Jitter float64
}

// DefaultRetryPolicy 返回默认重试配置。
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    time.Minute,
		Multiplier:  2.0,
		Jitter:      0.2,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	out := p
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.BaseDelay <= 0 {
		out.BaseDelay = 2 * time.Second
	}
	if out.MaxDelay <= 0 {
		out.MaxDelay = time.Minute
	}
	if out.Multiplier <= 1 {
		out.Multiplier = 2.0
	}
	if out.Jitter < 0 || out.Jitter >= 1 {
		out.Jitter = 0.2
	}
	return out
}

// Backoff 返回第 attempt 次（从 1 起）失败后的等待时长。
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		d *= 1 - p.Jitter + 2*p.Jitter*rand.Float64()
	}
	return time.Duration(d)
}

// Retry 执行 op，对可重试错误做指数退避；不可重试错误立即返回。
func Retry(ctx context.Context, p RetryPolicy, op func(ctx context.Context) error) error {
	p = p.withDefaults()
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) || attempt == p.MaxAttempts {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Backoff(attempt)):
		}
	}
	return lastErr
}
