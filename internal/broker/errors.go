package broker

import (
	"context"
	"errors"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

var (
	// ErrOrderNotFound 表示券商侧查询不到该订单。
	ErrOrderNotFound = errors.New("broker: order not found")
	// ErrQuoteUnavailable 表示当前无法获得有效盘口。
	ErrQuoteUnavailable = errors.New("broker: quote unavailable")
)

// IsRetryable 判断错误是否可重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
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
