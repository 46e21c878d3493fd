package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// SideBuy 为券商侧的买入方向。
	SideBuy = "buy"
	// SideSell 为券商侧的卖出方向。
	SideSell = "sell"
)

// OrderState 表示券商侧订单状态。
type OrderState string

const (
	StateOpen            OrderState = "open"
	StatePartiallyFilled OrderState = "partially_filled"
	StateFilled          OrderState = "filled"
	StateCanceled        OrderState = "canceled"
	StateExpired         OrderState = "expired"
	StateRejected        OrderState = "rejected"
	StateUnknown         OrderState = "unknown"
)

// Order 为券商订单的不可变快照，所有派生状态在适配层一次性拷贝。
type Order struct {
	ID             string
	Symbol         string
	Side           string
	Type           string
	State          OrderState
	Quantity       decimal.Decimal
	FilledQuantity decimal.Decimal
	Remaining      decimal.Decimal
	AvgFillPrice   decimal.Decimal
	LimitPrice     decimal.Decimal
	SubmittedAt    time.Time
	UpdatedAt      time.Time
}

// Terminal 判断订单是否已到达终态。
func (o Order) Terminal() bool {
	switch o.State {
	case StateFilled, StateCanceled, StateExpired, StateRejected:
		return true
	default:
		return false
	}
}

// IsOpen 判断订单是否仍在撮合中。
func (o Order) IsOpen() bool {
	return o.State == StateOpen || o.State == StatePartiallyFilled
}

// Position 表示单个标的的持仓快照。
type Position struct {
	Symbol    string
	Quantity  decimal.Decimal
	Timestamp time.Time
}

// Instrument 描述标的的交易约束。
type Instrument struct {
	Symbol         string
	Fractionable   bool
	MinQuantity    decimal.Decimal
	MinNotional    decimal.Decimal
	PriceIncrement decimal.Decimal
}

// Quote 为买卖盘口快照。
type Quote struct {
	Symbol    string
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Timestamp time.Time
}

// Valid 校验盘口数据有效且未过期，过期或非正价格一律拒绝。
func (q Quote) Valid(maxAge time.Duration) bool {
	if q.Bid.Sign() <= 0 || q.Ask.Sign() <= 0 {
		return false
	}
	if q.Timestamp.IsZero() {
		return false
	}
	return time.Since(q.Timestamp) <= maxAge
}

// Mid 返回中间价。
func (q Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// Broker 抽象券商下单通道，所有实现都必须在调用内部处理超时。
type Broker interface {
	PlaceMarketOrder(ctx context.Context, symbol, side string, quantity decimal.Decimal) (Order, error)
	PlaceLimitOrder(ctx context.Context, symbol, side string, quantity, price decimal.Decimal) (Order, error)
	CancelOrder(ctx context.Context, orderID, symbol string) error
	GetOrderStatus(ctx context.Context, orderID, symbol string) (Order, error)
	GetOpenOrders(ctx context.Context) ([]Order, error)
	GetPosition(ctx context.Context, symbol string) (Position, error)
	GetBuyingPower(ctx context.Context) (decimal.Decimal, error)
	GetInstrument(ctx context.Context, symbol string) (Instrument, error)
}

// QuoteProvider 抽象行情订阅与最新盘口获取。
type QuoteProvider interface {
	Subscribe(ctx context.Context, symbols []string) error
	Unsubscribe(ctx context.Context, symbols []string) error
	GetLatestQuote(ctx context.Context, symbol string) (Quote, error)
}
