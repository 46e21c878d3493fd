package execution

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestGuardApprovesSells(t *testing.T) {
	fake := newFakeBroker()
	guard := NewBuyingPowerGuard(fake, decimal.Zero, nil)

	intent := OrderIntent{Symbol: "AAPL", Side: SideSell, Quantity: decimal.NewFromInt(10)}
	verdict := guard.Check(context.Background(), intent, decimal.NewFromInt(100))

	if verdict.Status != GuardApproved {
		t.Fatalf("sell verdict = %s, want %s", verdict.Status, GuardApproved)
	}
	if fake.countCalls("GetBuyingPower") != 0 {
		t.Errorf("sells must not query buying power")
	}
}

func TestGuardBlocksInsufficientFunds(t *testing.T) {
	fake := newFakeBroker()
	fake.buyingPower = decimal.NewFromInt(500)
	guard := NewBuyingPowerGuard(fake, decimal.Zero, nil)

	intent := OrderIntent{Symbol: "AAPL", Side: SideBuy, Quantity: decimal.NewFromInt(10)}
	verdict := guard.Check(context.Background(), intent, decimal.NewFromInt(100))

	if verdict.Status != GuardBlocked {
		t.Fatalf("verdict = %s, want %s", verdict.Status, GuardBlocked)
	}
	if verdict.Reason == "" {
		t.Errorf("blocked verdict must carry a reason")
	}
	if !verdict.Required.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("required = %s, want 1000", verdict.Required)
	}
}

func TestGuardToleranceAllowsSmallOverrun(t *testing.T) {
	fake := newFakeBroker()
	fake.buyingPower = decimal.NewFromInt(1000)
	guard := NewBuyingPowerGuard(fake, decimal.NewFromFloat(0.05), nil)

	// 需要 1040，可用 1000×1.05=1050，容差内放行。
	intent := OrderIntent{Symbol: "AAPL", Side: SideBuy, Quantity: decimal.NewFromInt(8)}
	verdict := guard.Check(context.Background(), intent, decimal.NewFromInt(130))

	if verdict.Status != GuardApproved {
		t.Fatalf("verdict = %s, want %s", verdict.Status, GuardApproved)
	}
}

func TestGuardFailsOpenWhenUnverifiable(t *testing.T) {
	fake := newFakeBroker()
	fake.buyingPowerErr = errors.New("account service down")
	guard := NewBuyingPowerGuard(fake, decimal.Zero, nil)

	intent := OrderIntent{Symbol: "AAPL", Side: SideBuy, Quantity: decimal.NewFromInt(10)}
	verdict := guard.Check(context.Background(), intent, decimal.NewFromInt(100))

	if verdict.Status != GuardUnverified {
		t.Fatalf("verdict = %s, want %s", verdict.Status, GuardUnverified)
	}
}

func TestGuardUsesNotionalWithoutPrice(t *testing.T) {
	fake := newFakeBroker()
	fake.buyingPower = decimal.NewFromInt(500)
	guard := NewBuyingPowerGuard(fake, decimal.Zero, nil)

	intent := OrderIntent{
		Symbol:   "AAPL",
		Side:     SideBuy,
		Quantity: decimal.NewFromInt(10),
		Notional: decimal.NewFromInt(800),
	}
	verdict := guard.Check(context.Background(), intent, decimal.Zero)

	if verdict.Status != GuardBlocked {
		t.Fatalf("verdict = %s, want %s", verdict.Status, GuardBlocked)
	}
	if !verdict.Required.Equal(decimal.NewFromInt(800)) {
		t.Errorf("required = %s, want notional 800", verdict.Required)
	}
}
