package execution

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"rebalancer/internal/broker"
)

// Side 表示订单方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide 将外部输入规范化为 Side，非法输入必须报错，绝不默认为买入。
func ParseSide(raw string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(SideBuy):
		return SideBuy, nil
	case string(SideSell):
		return SideSell, nil
	default:
		return "", fmt.Errorf("execution: 无法识别的订单方向 %q", raw)
	}
}

// BrokerSide 转换为券商侧方向。
func (s Side) BrokerSide() string {
	if s == SideSell {
		return broker.SideSell
	}
	return broker.SideBuy
}

// OrderIntent 为单个计划项生成的下单意图，创建后不再修改；
// 校验调整数量时会产出新的 OrderIntent。
type OrderIntent struct {
	Symbol        string
	Side          Side
	Quantity      decimal.Decimal
	Notional      decimal.Decimal
	CorrelationID string
}

// WithQuantity 以副本方式替换数量。
func (i OrderIntent) WithQuantity(quantity decimal.Decimal) OrderIntent {
	next := i
	next.Quantity = quantity
	return next
}

// SmartOrderRequest 描述一次智能限价下单的参数。
// 改价与升级节奏由监控侧控制，不在单次请求中携带。
type SmartOrderRequest struct {
	Symbol         string
	Side           Side
	Quantity       decimal.Decimal
	LimitPriceSeed decimal.Decimal
	CorrelationID  string
}

// SmartOrderResult 为单次下单/改价/升级尝试的结果，不可变；
// 多个结果串联构成一笔订单的完整历史。
type SmartOrderResult struct {
	Success    bool
	OrderID    string
	LimitPrice decimal.Decimal
	Error      string
	PlacedAt   time.Time
}

// OrderResult 为单笔订单的冻结结果。订单号因改价或升级变化时，
// 通过 ReplaceOrder 构造新值替换，绝不原地修改。
type OrderResult struct {
	Symbol       string
	Side         Side
	Shares       decimal.Decimal
	TradeAmount  decimal.Decimal
	Price        decimal.Decimal
	OrderID      string
	Success      bool
	ErrorMessage string
	OrderType    string
	PlacedAt     time.Time
	FilledAt     time.Time
}

// ReplaceOrder 生成替换结果：保持 symbol/side 不变，更新订单号、数量与价格。
func (r OrderResult) ReplaceOrder(orderID string, shares, price decimal.Decimal, filledAt time.Time) OrderResult {
	next := r
	next.OrderID = orderID
	next.Shares = shares
	next.Price = price
	next.TradeAmount = shares.Mul(price)
	next.FilledAt = filledAt
	next.Success = true
	next.ErrorMessage = ""
	return next
}

// WithOrderID 以副本方式替换订单号。
func (r OrderResult) WithOrderID(orderID string) OrderResult {
	next := r
	next.OrderID = orderID
	return next
}

// MarkFailed 生成失败副本，保留已成交信息用于部分成交上报。
func (r OrderResult) MarkFailed(reason string) OrderResult {
	next := r
	next.Success = false
	next.ErrorMessage = reason
	return next
}

// FailedOrderResult 构造一个结构化失败结果。
func FailedOrderResult(symbol string, side Side, reason string) OrderResult {
	return OrderResult{
		Symbol:       symbol,
		Side:         side,
		Shares:       decimal.Zero,
		TradeAmount:  decimal.Zero,
		Price:        decimal.Zero,
		Success:      false,
		ErrorMessage: reason,
		PlacedAt:     time.Now().UTC(),
	}
}

// Status 表示整体执行结果分类。
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusPartial Status = "PARTIAL_SUCCESS"
	StatusFailure Status = "FAILURE"
)

// ClassifyStatus 按成功数量分类：无订单或全部失败为 FAILURE，
// 全部成功为 SUCCESS，部分成功为 PARTIAL_SUCCESS。
func ClassifyStatus(placed, succeeded int) Status {
	switch {
	case placed == 0:
		return StatusFailure
	case succeeded == placed:
		return StatusSuccess
	case succeeded > 0:
		return StatusPartial
	default:
		return StatusFailure
	}
}

// ExecutionResult 为一次完整调仓执行的聚合结果，构建后不再修改。
type ExecutionResult struct {
	Success         bool
	Status          Status
	Orders          []OrderResult
	OrdersPlaced    int
	OrdersSucceeded int
	TotalTradeValue decimal.Decimal
	CorrelationID   string
	PlanID          string
	ExecutedAt      time.Time
}

// NewExecutionResult 从最终订单列表构建聚合结果。
func NewExecutionResult(planID, correlationID string, orders []OrderResult) ExecutionResult {
	succeeded := 0
	total := decimal.Zero
	for _, order := range orders {
		if order.Success {
			succeeded++
			total = total.Add(order.TradeAmount.Abs())
		}
	}

	status := ClassifyStatus(len(orders), succeeded)

	return ExecutionResult{
		Success:         status == StatusSuccess,
		Status:          status,
		Orders:          orders,
		OrdersPlaced:    len(orders),
		OrdersSucceeded: succeeded,
		TotalTradeValue: total,
		CorrelationID:   correlationID,
		PlanID:          planID,
		ExecutedAt:      time.Now().UTC(),
	}
}
