package execution

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rebalancer/internal/broker"
)

// GuardStatus 为购买力检查的类型化结论，调用方按类型分支而不是匹配错误文本。
type GuardStatus string

const (
	// GuardApproved 表示购买力充足或无需检查。
	GuardApproved GuardStatus = "APPROVED"
	// GuardBlocked 表示确认资金不足，订单必须拦截。
	GuardBlocked GuardStatus = "BLOCKED"
	// GuardUnverified 表示购买力数据暂不可得，放行并告警。
	GuardUnverified GuardStatus = "UNVERIFIED"
)

// GuardVerdict 为一次购买力检查的结果。
type GuardVerdict struct {
	Status    GuardStatus
	Required  decimal.Decimal
	Available decimal.Decimal
	Reason    string
}

// BuyingPowerGuard 在买入前估算所需资金并对照可用购买力。
// 确认超支时拦截（fail-closed）；查询失败时放行并告警（fail-open），
// 因为在账户信息抖动时阻塞交易比让券商拒单更糟。
type BuyingPowerGuard struct {
	broker    broker.Broker
	tolerance decimal.Decimal
	logger    *zap.Logger
}

// NewBuyingPowerGuard 创建购买力守卫。
func NewBuyingPowerGuard(b broker.Broker, tolerance decimal.Decimal, logger *zap.Logger) *BuyingPowerGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tolerance.Sign() < 0 {
		tolerance = decimal.Zero
	}
	return &BuyingPowerGuard{
		broker:    b,
		tolerance: tolerance,
		logger:    logger,
	}
}

// Check 检查买入意图的资金占用，卖出直接放行。
func (g *BuyingPowerGuard) Check(ctx context.Context, intent OrderIntent, price decimal.Decimal) GuardVerdict {
	if intent.Side != SideBuy {
		return GuardVerdict{Status: GuardApproved}
	}

	required := intent.Notional
	if price.Sign() > 0 {
		required = intent.Quantity.Mul(price)
	}

	available, err := g.broker.GetBuyingPower(ctx)
	if err != nil {
		g.logger.Warn("购买力查询失败，放行并交由券商校验",
			zap.String("symbol", intent.Symbol),
			zap.String("required", required.String()),
			zap.Error(err),
		)
		return GuardVerdict{
			Status:   GuardUnverified,
			Required: required,
			Reason:   fmt.Sprintf("购买力暂不可得: %v", err),
		}
	}

	limit := available.Mul(decimal.NewFromInt(1).Add(g.tolerance))
	if required.GreaterThan(limit) {
		return GuardVerdict{
			Status:    GuardBlocked,
			Required:  required,
			Available: available,
			Reason: fmt.Sprintf("资金不足: 需要 %s，可用 %s",
				required.String(), available.String()),
		}
	}

	return GuardVerdict{
		Status:    GuardApproved,
		Required:  required,
		Available: available,
	}
}
