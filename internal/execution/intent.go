package execution

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rebalancer/internal/broker"
	"rebalancer/internal/plan"
)

// IntentBuilder 将计划项转化为下单意图，不产生任何副作用。
type IntentBuilder struct {
	fallbackQuantity decimal.Decimal
	logger           *zap.Logger
}

// NewIntentBuilder 创建意图构建器。
func NewIntentBuilder(fallbackQuantity decimal.Decimal, logger *zap.Logger) *IntentBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if fallbackQuantity.Sign() <= 0 {
		fallbackQuantity = decimal.NewFromInt(1)
	}
	return &IntentBuilder{
		fallbackQuantity: fallbackQuantity,
		logger:           logger,
	}
}

// Build 根据计划项、持仓快照与最新价格生成意图。
// HOLD 返回 ok=false；空符号为校验错误而不是静默跳过。
func (b *IntentBuilder) Build(item plan.Item, position broker.Position, price decimal.Decimal, correlationID string) (OrderIntent, bool, error) {
	if strings.TrimSpace(item.Symbol) == "" {
		return OrderIntent{}, false, fmt.Errorf("execution: 计划项缺少标的符号")
	}

	if item.Action == plan.ActionHold {
		return OrderIntent{}, false, nil
	}

	side := SideBuy
	if item.Action == plan.ActionSell {
		side = SideSell
	}

	notional := item.TradeAmount.Abs()

	// 全额清仓用实际持仓数量，避免按价格反推造成的舍入残留。
	if item.IsLiquidation() {
		if position.Quantity.Sign() <= 0 {
			return OrderIntent{}, false, fmt.Errorf("execution: %s 清仓但无可用持仓", item.Symbol)
		}
		return OrderIntent{
			Symbol:        item.Symbol,
			Side:          SideSell,
			Quantity:      position.Quantity,
			Notional:      notional,
			CorrelationID: correlationID,
		}, true, nil
	}

	quantity := b.fallbackQuantity
	if price.Sign() > 0 {
		quantity = notional.Div(price)
	} else {
		b.logger.Warn("价格不可用，使用保守兜底数量",
			zap.String("symbol", item.Symbol),
			zap.String("side", string(side)),
			zap.String("fallback_quantity", b.fallbackQuantity.String()),
		)
	}

	if quantity.Sign() <= 0 {
		quantity = b.fallbackQuantity
	}

	return OrderIntent{
		Symbol:        item.Symbol,
		Side:          side,
		Quantity:      quantity,
		Notional:      notional,
		CorrelationID: correlationID,
	}, true, nil
}
