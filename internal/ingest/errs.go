package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"

	"harvest/internal/market"
)

// ValidationError 表示入参非法，在任何 I/O 之前拒绝。
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("参数非法 %s: %s", e.Field, e.Detail)
}

// TransientIOError 表示存储/网络的暂时性故障，可由任务编排层重试。
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("%s 暂时性失败: %v", e.Op, e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// transientOp 把底层错误包装成 TransientIOError；nil 原样返回。
func transientOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientIOError{Op: op, Err: err}
}

// IsRetryable 判断错误是否应由任务编排层退避重试。
// 限流与暂时性 I/O 失败重试；参数错误、无数据、源被禁用不重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var transient *TransientIOError
	if errors.As(err, &transient) {
		return true
	}
	var rateLimited *market.RateLimitError
	if errors.As(err, &rateLimited) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsSourceDisabled 判断远端数据源是否已被熔断。
func IsSourceDisabled(err error) bool {
	var disabled *market.SourceDisabledError
	return errors.As(err, &disabled)
}

// IsDataNotFound 判断是否为远端无数据（按 skip 处理，不重试）。
func IsDataNotFound(err error) bool {
	var notFound *market.DataNotFoundError
	return errors.As(err, &notFound)
}
