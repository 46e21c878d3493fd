package execution

import (
	"testing"

	"github.com/shopspring/decimal"

	"rebalancer/internal/broker"
	"rebalancer/internal/plan"
)

func TestBuildLiquidationUsesHeldQuantity(t *testing.T) {
	builder := NewIntentBuilder(decimal.NewFromInt(1), nil)

	item := plan.Item{
		Symbol:       "AAPL",
		Action:       plan.ActionSell,
		TradeAmount:  decimal.NewFromInt(-1500),
		TargetWeight: decimal.Zero,
	}
	position := broker.Position{Symbol: "AAPL", Quantity: decimal.NewFromInt(10)}

	intent, ok, err := builder.Build(item, position, decimal.NewFromInt(150), "corr-1")
	if err != nil {
		t.Fatalf("Build error: %v", err)
	}
	if !ok {
		t.Fatalf("expected tradable intent")
	}
	if intent.Side != SideSell {
		t.Errorf("side = %s, want SELL", intent.Side)
	}
	// 清仓必须卖出实际持仓数量，而不是按金额反推。
	if !intent.Quantity.Equal(decimal.NewFromInt(10)) {
		t.Errorf("liquidation quantity = %s, want 10", intent.Quantity)
	}
}

func TestBuildLiquidationWithoutPositionFails(t *testing.T) {
	builder := NewIntentBuilder(decimal.NewFromInt(1), nil)

	item := plan.Item{
		Symbol:       "AAPL",
		Action:       plan.ActionSell,
		TradeAmount:  decimal.NewFromInt(-1500),
		TargetWeight: decimal.Zero,
	}

	if _, _, err := builder.Build(item, broker.Position{Symbol: "AAPL"}, decimal.NewFromInt(150), "corr-1"); err == nil {
		t.Fatalf("expected error when liquidating with zero position")
	}
}

func TestBuildProportionalSizing(t *testing.T) {
	builder := NewIntentBuilder(decimal.NewFromInt(1), nil)

	item := plan.Item{
		Symbol:       "MSFT",
		Action:       plan.ActionBuy,
		TradeAmount:  decimal.NewFromInt(1000),
		TargetWeight: decimal.NewFromFloat(0.2),
	}

	intent, ok, err := builder.Build(item, broker.Position{}, decimal.NewFromInt(250), "corr-1")
	if err != nil || !ok {
		t.Fatalf("Build failed: ok=%v err=%v", ok, err)
	}
	if !intent.Quantity.Equal(decimal.NewFromInt(4)) {
		t.Errorf("quantity = %s, want 4", intent.Quantity)
	}
	if !intent.Notional.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("notional = %s, want 1000", intent.Notional)
	}
}

func TestBuildFallsBackWhenPriceUnavailable(t *testing.T) {
	builder := NewIntentBuilder(decimal.NewFromInt(1), nil)

	item := plan.Item{
		Symbol:       "MSFT",
		Action:       plan.ActionBuy,
		TradeAmount:  decimal.NewFromInt(1000),
		TargetWeight: decimal.NewFromFloat(0.2),
	}

	intent, ok, err := builder.Build(item, broker.Position{}, decimal.Zero, "corr-1")
	if err != nil || !ok {
		t.Fatalf("Build failed: ok=%v err=%v", ok, err)
	}
	if !intent.Quantity.Equal(decimal.NewFromInt(1)) {
		t.Errorf("fallback quantity = %s, want 1", intent.Quantity)
	}
}

func TestBuildSkipsHold(t *testing.T) {
	builder := NewIntentBuilder(decimal.NewFromInt(1), nil)

	item := plan.Item{Symbol: "AAPL", Action: plan.ActionHold}
	_, ok, err := builder.Build(item, broker.Position{}, decimal.NewFromInt(100), "corr-1")
	if err != nil {
		t.Fatalf("hold must not error: %v", err)
	}
	if ok {
		t.Fatalf("hold must not produce an intent")
	}
}

func TestBuildRejectsEmptySymbol(t *testing.T) {
	builder := NewIntentBuilder(decimal.NewFromInt(1), nil)

	item := plan.Item{Symbol: "  ", Action: plan.ActionBuy, TradeAmount: decimal.NewFromInt(100)}
	if _, _, err := builder.Build(item, broker.Position{}, decimal.NewFromInt(100), "corr-1"); err == nil {
		t.Fatalf("empty symbol must be a validation error, not a silent skip")
	}
}
