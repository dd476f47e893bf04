package broker

import (
	"context"
	"errors"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

var (
	// ErrReplaceRejected 表示券商拒绝了改单请求，调用方应撤旧建新。
	ErrReplaceRejected = errors.New("券商拒绝改单")

	// ErrOrderNotFound 表示券商侧不存在该订单。
	ErrOrderNotFound = errors.New("券商侧订单不存在")

	// ErrUnknownOutcome 表示提交结果未知（超时），必须先对账再重试。
	ErrUnknownOutcome = errors.New("提交结果未知，需要对账确认")
)

// IsRetryable 判断券商错误是否可重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return true
		default:
			return false
		}
	}

	return false
}

// IsUnknownOutcome 判断错误是否属于"结果未知"类：调用超时或被取消后，
// 券商可能已经受理了订单。
func IsUnknownOutcome(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnknownOutcome) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		return ccxtErr.Type == ccxt.RequestTimeoutErrType
	}
	return false
}
