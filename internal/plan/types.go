package plan

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Action 表示调仓计划项的动作。
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// ParseAction 将外部输入规范化为 Action，未知取值直接报错而不是默认兜底。
func ParseAction(raw string) (Action, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case string(ActionBuy):
		return ActionBuy, nil
	case string(ActionSell):
		return ActionSell, nil
	case string(ActionHold):
		return ActionHold, nil
	default:
		return "", fmt.Errorf("plan: 无法识别的动作 %q", raw)
	}
}

// Item 为单个标的的调仓计划项，由外部规划器产出，这里只读。
type Item struct {
	Symbol        string          `json:"symbol"`
	Action        Action          `json:"action"`
	TradeAmount   decimal.Decimal `json:"trade_amount"`
	TargetWeight  decimal.Decimal `json:"target_weight"`
	CurrentWeight decimal.Decimal `json:"current_weight"`
}

// IsLiquidation 判断该项是否为全额清仓（卖出且目标权重为0）。
func (i Item) IsLiquidation() bool {
	return i.Action == ActionSell && i.TargetWeight.IsZero()
}

// StrategyWeight 记录单个策略对该计划的贡献权重。
type StrategyWeight struct {
	Name   string          `json:"name"`
	Weight decimal.Decimal `json:"weight"`
}

// Plan 为一次完整的调仓计划。
type Plan struct {
	ID            string                 `json:"id"`
	CorrelationID string                 `json:"correlation_id"`
	Items         []Item                 `json:"items"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

// TradableItems 过滤出需要实际下单的计划项（排除 HOLD 与空符号）。
func (p Plan) TradableItems() []Item {
	items := make([]Item, 0, len(p.Items))
	for _, item := range p.Items {
		if item.Action == ActionHold {
			continue
		}
		if strings.TrimSpace(item.Symbol) == "" {
			continue
		}
		items = append(items, item)
	}
	return items
}

// SellItems 返回计划中的卖出项。
func (p Plan) SellItems() []Item {
	return p.itemsByAction(ActionSell)
}

// BuyItems 返回计划中的买入项。
func (p Plan) BuyItems() []Item {
	return p.itemsByAction(ActionBuy)
}

func (p Plan) itemsByAction(action Action) []Item {
	items := make([]Item, 0, len(p.Items))
	for _, item := range p.TradableItems() {
		if item.Action == action {
			items = append(items, item)
		}
	}
	return items
}

// Symbols 返回计划中所有需要下单的符号，保持原始顺序并去重。
func (p Plan) Symbols() []string {
	seen := make(map[string]struct{}, len(p.Items))
	symbols := make([]string, 0, len(p.Items))
	for _, item := range p.TradableItems() {
		if _, ok := seen[item.Symbol]; ok {
			continue
		}
		seen[item.Symbol] = struct{}{}
		symbols = append(symbols, item.Symbol)
	}
	return symbols
}

// Attribution 从计划元数据中提取策略归因，无法解析的条目被跳过。
func (p Plan) Attribution() []StrategyWeight {
	raw, ok := p.Metadata["strategy_weights"]
	if !ok {
		return nil
	}

	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil
	}

	weights := make([]StrategyWeight, 0, len(m))
	for name, v := range m {
		var w decimal.Decimal
		switch value := v.(type) {
		case float64:
			w = decimal.NewFromFloat(value)
		case string:
			parsed, err := decimal.NewFromString(value)
			if err != nil {
				continue
			}
			w = parsed
		default:
			continue
		}
		weights = append(weights, StrategyWeight{Name: name, Weight: w})
	}
	return weights
}
