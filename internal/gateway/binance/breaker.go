package binance

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"harvest/internal/logger"
)

// Breaker 把 gobreaker 的两段式熔断收敛成 CanCall/RecordResult 闸门。
// 连续失败达到阈值后打开，冷却期内拒绝所有调用；Reset 立即人工恢复。
type Breaker struct {
	name      string
	threshold uint32
	cooldown  time.Duration

	mu      sync.Mutex
	cb      *gobreaker.TwoStepCircuitBreaker
	pending []func(bool)
	fails   int
}

// NewBreaker 创建熔断闸门。threshold 为 0 时取 5。
func NewBreaker(name string, threshold uint32, cooldown time.Duration) *Breaker {
	if threshold == 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = time.Hour
	}
	b := &Breaker{name: name, threshold: threshold, cooldown: cooldown}
	b.cb = b.newCircuit()
	return b
}

func (b *Breaker) newCircuit() *gobreaker.TwoStepCircuitBreaker {
	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        b.name,
		MaxRequests: 1,
		Timeout:     b.cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= b.threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnf("[breaker] %s: %s → %s", name, from, to)
		},
	})
}

// CanCall 询问是否允许发起一次调用；允许时登记一次待回报的结果。
// 并发调用按 FIFO 配对 RecordResult。
func (b *Breaker) CanCall() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	done, err := b.cb.Allow()
	if err != nil {
		return false
	}
	b.pending = append(b.pending, done)
	return true
}

// RecordResult 回报最早一次放行调用的结果。
func (b *Breaker) RecordResult(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) > 0 {
		b.pending[0](success)
		b.pending = b.pending[1:]
	}
	if success {
		b.fails = 0
	} else {
		b.fails++
	}
}

// Disabled 返回数据源当前是否被熔断。
func (b *Breaker) Disabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cb.State() == gobreaker.StateOpen
}

// ConsecutiveFails 返回当前连续失败次数。
func (b *Breaker) ConsecutiveFails() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fails
}

// Reset 人工清除熔断状态（gobreaker 不提供重置，整体重建）。
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cb = b.newCircuit()
	b.pending = nil
	b.fails = 0
	logger.Infof("[breaker] %s: 人工重置", b.name)
}
