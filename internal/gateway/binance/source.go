package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"golang.org/x/time/rate"

	"harvest/internal/logger"
	"harvest/internal/market"
)

// Source 实现了 market.Source，通过 Binance REST 拉取历史 K 线。
// 限速是全局的：不管多少个 (asset, interval) 并发，共用一个令牌桶。
type Source struct {
	cfg     Config
	client  *gobinance.Client
	limiter *rate.Limiter
	breaker *Breaker

	mu    sync.Mutex
	stats market.SourceStats
}

func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	client := gobinance.NewClient(final.APIKey, final.APISecret)
	client.HTTPClient = &http.Client{Timeout: final.HTTPTimeout}
	return &Source{
		cfg:     final,
		client:  client,
		limiter: rate.NewLimiter(rate.Every(final.RatePeriod), 1),
		breaker: NewBreaker("binance", final.DisableThreshold, final.DisableCooldown),
	}, nil
}

// Gate 暴露熔断闸门，供回填执行方注入使用。
func (s *Source) Gate() market.Gate { return s.breaker }

// ResetBreaker 人工清除熔断状态。
func (s *Source) ResetBreaker() { s.breaker.Reset() }

// Disabled 报告数据源当前是否被熔断。
func (s *Source) Disabled() bool { return s.breaker.Disabled() }

// MaxLookbackUnits 返回该源单个周期可回溯的最大 K 线根数。
func (s *Source) MaxLookbackUnits() int { return s.cfg.MaxLookbackUnits }

// FetchRange 分页拉取 [start, end) 内的 K 线，升序返回。
func (s *Source) FetchRange(ctx context.Context, symbol string, intervalMin int, start, end int64) ([]market.Candle, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, fmt.Errorf("symbol 不能为空")
	}
	if intervalMin <= 0 {
		return nil, fmt.Errorf("interval 非法: %d", intervalMin)
	}
	if start >= end {
		return nil, nil
	}
	interval := market.FormatInterval(intervalMin)
	step := market.IntervalMillis(intervalMin)

	var out []market.Candle
	cursor := start
	for cursor < end {
		page, err := s.fetchPage(ctx, symbol, interval, intervalMin, cursor, end)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		out = append(out, page...)
		next := page[len(page)-1].OpenTime + step
		if next <= cursor {
			break
		}
		cursor = next
		if len(page) < s.cfg.PageLimit {
			break
		}
	}
	if len(out) == 0 {
		return nil, &market.DataNotFoundError{Symbol: symbol, IntervalMin: intervalMin}
	}
	return out, nil
}

func (s *Source) fetchPage(ctx context.Context, symbol, interval string, intervalMin int, start, end int64) ([]market.Candle, error) {
	if !s.breaker.CanCall() {
		s.setDisabled(true)
		return nil, &market.SourceDisabledError{
			Source:           "binance",
			ConsecutiveFails: s.breaker.ConsecutiveFails(),
		}
	}
	if err := s.limiter.Wait(ctx); err != nil {
		s.breaker.RecordResult(true) // 取消不算数据源失败
		return nil, err
	}

	logger.Debugf("[binance] klines %s %s [%d, %d)", symbol, interval, start, end)
	raw, err := s.client.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		StartTime(start).
		EndTime(end - 1).
		Limit(s.cfg.PageLimit).
		Do(ctx)
	s.trackCall(err)
	if err != nil {
		return nil, s.classify(symbol, intervalMin, err)
	}
	out := make([]market.Candle, 0, len(raw))
	for _, k := range raw {
		if k == nil {
			continue
		}
		out = append(out, market.Candle{
			OpenTime:  k.OpenTime,
			CloseTime: k.CloseTime,
			Open:      toFloat(k.Open),
			High:      toFloat(k.High),
			Low:       toFloat(k.Low),
			Close:     toFloat(k.Close),
			Volume:    toFloat(k.Volume),
			Trades:    k.TradeNum,
		})
	}
	return out, nil
}

// classify 把交易所错误翻译成调用方可区分的类型。
func (s *Source) classify(symbol string, intervalMin int, err error) error {
	var api *common.APIError
	if errors.As(err, &api) {
		switch api.Code {
		case -1003, -1015: // TOO_MANY_REQUESTS / TOO_MANY_ORDERS
			s.noteThrottle()
			return &market.RateLimitError{Source: "binance", Detail: api.Message}
		case -1121, -1100: // 无效 symbol
			return &market.DataNotFoundError{Symbol: symbol, IntervalMin: intervalMin}
		}
	}
	return fmt.Errorf("binance klines 失败: %w", err)
}

func (s *Source) trackCall(err error) {
	success := err == nil
	var api *common.APIError
	if !success && errors.As(err, &api) && (api.Code == -1121 || api.Code == -1100) {
		// 无效 symbol 是请求方的问题，不计入数据源健康度
		success = true
	}
	s.breaker.RecordResult(success)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Calls++
	s.stats.ConsecutiveFails = s.breaker.ConsecutiveFails()
	s.stats.Disabled = s.breaker.Disabled()
	if err != nil {
		s.stats.LastError = err.Error()
	}
}

func (s *Source) noteThrottle() {
	s.mu.Lock()
	s.stats.Throttled++
	s.mu.Unlock()
}

func (s *Source) setDisabled(v bool) {
	s.mu.Lock()
	s.stats.Disabled = v
	s.mu.Unlock()
}

func (s *Source) Stats() market.SourceStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.Disabled = s.breaker.Disabled()
	out.ConsecutiveFails = s.breaker.ConsecutiveFails()
	return out
}

func (s *Source) Close() error { return nil }

func toFloat(v string) float64 {
	f, _ := strconv.ParseFloat(v, 64)
	return f
}
