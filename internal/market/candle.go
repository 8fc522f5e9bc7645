package market

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Candle 表示一根固定周期的 OHLCV 记录，时间均为毫秒时间戳。
type Candle struct {
	OpenTime  int64   `json:"open_time" csv:"open_time"`
	CloseTime int64   `json:"close_time" csv:"close_time"`
	Open      float64 `json:"open" csv:"open"`
	High      float64 `json:"high" csv:"high"`
	Low       float64 `json:"low" csv:"low"`
	Close     float64 `json:"close" csv:"close"`
	Volume    float64 `json:"volume" csv:"volume"`
	Trades    int64   `json:"trades" csv:"trades"`
}

// IntervalMillis 返回 interval（分钟）对应的毫秒数。
func IntervalMillis(intervalMin int) int64 {
	return int64(intervalMin) * int64(time.Minute/time.Millisecond)
}

// FormatInterval 把分钟数转成交易所风格的周期字符串（15 -> "15m"，60 -> "1h"，1440 -> "1d"）。
func FormatInterval(intervalMin int) string {
	switch {
	case intervalMin <= 0:
		return ""
	case intervalMin%10080 == 0:
		return strconv.Itoa(intervalMin/10080) + "w"
	case intervalMin%1440 == 0:
		return strconv.Itoa(intervalMin/1440) + "d"
	case intervalMin%60 == 0:
		return strconv.Itoa(intervalMin/60) + "h"
	default:
		return strconv.Itoa(intervalMin) + "m"
	}
}

// ParseInterval 解析 "15m"/"1h"/"1d" 风格的周期字符串，返回分钟数。
func ParseInterval(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("interval 不能为空")
	}
	unit := s[len(s)-1]
	num, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || num <= 0 {
		return 0, fmt.Errorf("interval 非法: %q", s)
	}
	switch unit {
	case 'm':
		return num, nil
	case 'h':
		return num * 60, nil
	case 'd':
		return num * 1440, nil
	case 'w':
		return num * 10080, nil
	default:
		return 0, fmt.Errorf("interval 单位非法: %q", s)
	}
}

// AlignDown 把毫秒时间戳向下对齐到 interval 边界。
func AlignDown(ts int64, intervalMin int) int64 {
	step := IntervalMillis(intervalMin)
	if step <= 0 {
		return ts
	}
	if ts >= 0 {
		return ts - ts%step
	}
	r := ts % step
	if r == 0 {
		return ts
	}
	return ts - r - step
}

// AlignUp 把毫秒时间戳向上对齐到 interval 边界。
func AlignUp(ts int64, intervalMin int) int64 {
	down := AlignDown(ts, intervalMin)
	if down == ts {
		return ts
	}
	return down + IntervalMillis(intervalMin)
}
