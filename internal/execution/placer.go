package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rebalancer/internal/broker"
)

// Placer 负责实际下单：智能限价路径优先，异常时回退市价路径。
type Placer struct {
	broker       broker.Broker
	smart        *SmartStrategy
	smartEnabled bool
	logger       *zap.Logger
}

// NewPlacer 创建下单器。
func NewPlacer(b broker.Broker, smart *SmartStrategy, smartEnabled bool, logger *zap.Logger) *Placer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Placer{
		broker:       b,
		smart:        smart,
		smartEnabled: smartEnabled,
		logger:       logger,
	}
}

// Place 提交订单并返回冻结的下单结果，任何异常都转化为失败结果而不向上抛出。
func (p *Placer) Place(ctx context.Context, intent OrderIntent) OrderResult {
	if p.smartEnabled && p.smart != nil {
		result, ok := p.placeSmart(ctx, intent)
		if ok {
			return result
		}
	}
	return p.placeMarket(ctx, intent)
}

func (p *Placer) placeSmart(ctx context.Context, intent OrderIntent) (OrderResult, bool) {
	req := SmartOrderRequest{
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Quantity:      intent.Quantity,
		CorrelationID: intent.CorrelationID,
	}

	attempt := p.smart.Place(ctx, req)
	if !attempt.Success {
		p.logger.Warn("智能执行失败，回退市价单",
			zap.String("symbol", intent.Symbol),
			zap.String("side", string(intent.Side)),
			zap.String("reason", attempt.Error),
		)
		return OrderResult{}, false
	}

	return OrderResult{
		Symbol:      intent.Symbol,
		Side:        intent.Side,
		Shares:      intent.Quantity,
		TradeAmount: intent.Quantity.Mul(attempt.LimitPrice),
		Price:       attempt.LimitPrice,
		OrderID:     attempt.OrderID,
		Success:     true,
		OrderType:   "limit",
		PlacedAt:    attempt.PlacedAt,
	}, true
}

func (p *Placer) placeMarket(ctx context.Context, intent OrderIntent) OrderResult {
	order, err := p.broker.PlaceMarketOrder(ctx, intent.Symbol, intent.Side.BrokerSide(), intent.Quantity)
	if err != nil {
		return FailedOrderResult(intent.Symbol, intent.Side,
			fmt.Sprintf("市价下单失败: %v", err))
	}
	return p.buildResult(intent, order, "market")
}

// buildResult 将券商响应映射为系统自身的不可变结果。
// 已成交订单的均价可能缺失，此时金额按零计而不是带着空价格做乘法。
func (p *Placer) buildResult(intent OrderIntent, order broker.Order, orderType string) OrderResult {
	shares := order.FilledQuantity
	if shares.Sign() <= 0 {
		shares = order.Quantity
	}
	if shares.Sign() <= 0 {
		shares = intent.Quantity
	}

	price := order.AvgFillPrice
	if price.Sign() <= 0 {
		price = order.LimitPrice
	}

	tradeAmount := decimal.Zero
	if price.Sign() > 0 {
		tradeAmount = shares.Mul(price)
	} else if order.State == broker.StateFilled {
		p.logger.Warn("成交订单缺少有效均价，金额按零记录",
			zap.String("symbol", intent.Symbol),
			zap.String("order_id", order.ID),
		)
	}

	var filledAt time.Time
	if order.State == broker.StateFilled {
		filledAt = order.UpdatedAt
	}

	return OrderResult{
		Symbol:      intent.Symbol,
		Side:        intent.Side,
		Shares:      shares,
		TradeAmount: tradeAmount,
		Price:       price,
		OrderID:     order.ID,
		Success:     order.ID != "" && order.State != broker.StateRejected,
		OrderType:   orderType,
		PlacedAt:    order.SubmittedAt,
		FilledAt:    filledAt,
	}
}
