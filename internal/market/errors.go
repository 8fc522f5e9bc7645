package market

import "fmt"

// RateLimitError 表示远端限流，应退避后重试。
type RateLimitError struct {
	Source string
	Detail string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s 限流: %s", e.Source, e.Detail)
}

// SourceDisabledError 表示数据源因连续失败被熔断，在人工恢复前不可用。
type SourceDisabledError struct {
	Source           string
	ConsecutiveFails int
}

func (e *SourceDisabledError) Error() string {
	return fmt.Sprintf("数据源 %s 已禁用（连续失败 %d 次）", e.Source, e.ConsecutiveFails)
}

// DataNotFoundError 表示远端没有该 symbol/区间的数据，不重试，按 skip 记录。
type DataNotFoundError struct {
	Symbol      string
	IntervalMin int
}

func (e *DataNotFoundError) Error() string {
	return fmt.Sprintf("%s %s 无数据", e.Symbol, FormatInterval(e.IntervalMin))
}
