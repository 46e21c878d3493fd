package execution

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rebalancer/internal/broker"
	"rebalancer/internal/config"
)

// defaultConfirmRatio 为结算确认阈值的兜底值：到账比例达到预期的九成即视为释放完成。
const defaultConfirmRatio = 0.9

// SettlementMonitor 在卖出阶段结束后等待资金释放。
// 超时只告警并放行，阻塞整个调仓去等券商结算没有意义。
type SettlementMonitor struct {
	broker       broker.Broker
	cfg          config.SettlementConfig
	confirmRatio decimal.Decimal
	logger       *zap.Logger
}

// NewSettlementMonitor 创建结算监控器。
func NewSettlementMonitor(b broker.Broker, cfg config.SettlementConfig, logger *zap.Logger) *SettlementMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	ratio := cfg.ConfirmRatio
	if ratio <= 0 || ratio > 1 {
		ratio = defaultConfirmRatio
	}
	return &SettlementMonitor{
		broker:       b,
		cfg:          cfg,
		confirmRatio: decimal.NewFromFloat(ratio),
		logger:       logger,
	}
}

// Wait 轮询购买力直到反映预期卖出所得、达到确认阈值或超时。
// 返回是否确认到账；超时同样返回，不会无限阻塞。
func (s *SettlementMonitor) Wait(ctx context.Context, baseline, expectedProceeds decimal.Decimal) bool {
	if !s.cfg.Enabled || expectedProceeds.Sign() <= 0 {
		return true
	}

	target := baseline.Add(expectedProceeds.Mul(s.confirmRatio))
	deadline := time.Now().Add(s.cfg.Timeout)

	for {
		available, err := s.broker.GetBuyingPower(ctx)
		if err != nil {
			s.logger.Warn("结算轮询失败", zap.Error(err))
		} else if available.GreaterThanOrEqual(target) {
			s.logger.Info("卖出资金已释放",
				zap.String("available", available.String()),
				zap.String("target", target.String()),
			)
			return true
		}

		if time.Now().After(deadline) || ctx.Err() != nil {
			s.logger.Warn("等待结算超时，继续执行买入阶段",
				zap.String("expected_proceeds", expectedProceeds.String()),
				zap.String("target", target.String()),
				zap.Duration("timeout", s.cfg.Timeout),
			)
			return false
		}

		select {
		case <-ctx.Done():
			s.logger.Warn("等待结算被取消，继续执行买入阶段")
			return false
		case <-time.After(s.cfg.PollInterval):
		}
	}
}
