package execution

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rebalancer/internal/broker"
)

// ValidationResult 携带预检结论：是否通过、调整后的数量与告警列表。
type ValidationResult struct {
	OK       bool
	Quantity decimal.Decimal
	Adjusted bool
	Warnings []string
	Reason   string
}

// Validator 在任何网络调用之前执行预检。
type Validator struct {
	minNotional decimal.Decimal
	logger      *zap.Logger
}

// NewValidator 创建执行校验器。
func NewValidator(minNotional decimal.Decimal, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		minNotional: minNotional,
		logger:      logger,
	}
}

// Validate 检查方向、可分割性与最小名义金额。
// price 可为零（价格不可用），此时跳过名义金额检查。
func (v *Validator) Validate(intent OrderIntent, instrument broker.Instrument, price decimal.Decimal) ValidationResult {
	result := ValidationResult{
		Quantity: intent.Quantity,
		Warnings: make([]string, 0, 2),
	}

	if _, err := ParseSide(string(intent.Side)); err != nil {
		result.Reason = err.Error()
		return result
	}

	if intent.Quantity.Sign() <= 0 {
		result.Reason = fmt.Sprintf("数量必须为正，当前 %s", intent.Quantity.String())
		return result
	}

	quantity := intent.Quantity
	if !instrument.Fractionable {
		whole := quantity.Floor()
		if whole.Sign() <= 0 {
			result.Reason = fmt.Sprintf("%s 不可分割且数量 %s 不足1股", intent.Symbol, quantity.String())
			return result
		}
		if !whole.Equal(quantity) {
			result.Adjusted = true
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("不可分割标的数量由 %s 调整为 %s", quantity.String(), whole.String()))
			quantity = whole
		}
	}

	if instrument.MinQuantity.Sign() > 0 && quantity.LessThan(instrument.MinQuantity) {
		result.Reason = fmt.Sprintf("数量 %s 低于最小下单量 %s", quantity.String(), instrument.MinQuantity.String())
		return result
	}

	minNotional := v.minNotional
	if instrument.MinNotional.GreaterThan(minNotional) {
		minNotional = instrument.MinNotional
	}
	if price.Sign() > 0 && minNotional.Sign() > 0 {
		notional := quantity.Mul(price)
		if notional.LessThan(minNotional) {
			result.Reason = fmt.Sprintf("名义金额 %s 低于最小限制 %s", notional.String(), minNotional.String())
			return result
		}
	}

	result.OK = true
	result.Quantity = quantity
	return result
}
