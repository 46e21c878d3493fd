package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"rebalancer/internal/config"
	"rebalancer/internal/events"
	"rebalancer/internal/execution"
	"rebalancer/internal/plan"
	"rebalancer/internal/store"
)

// App 聚合核心依赖并驱动单次调仓工作流。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 执行一次完整的调仓工作流：加载计划、执行交易、落盘账本与事件链。
// 返回错误表示工作流整体失败；单笔订单失败不构成工作流失败，
// 除非配置要求把部分成功视为失败。
func (a *App) Run(ctx context.Context, planPath string) error {
	a.logger.Info("调仓系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("broker", a.cfg.Broker.Name),
		zap.Bool("smart_execution", a.cfg.Execution.EnableSmartExecution),
	)

	p, err := plan.LoadFile(planPath)
	if err != nil {
		return err
	}

	pipe, err := newPipeline(a.cfg, a.logger, a.store)
	if err != nil {
		return err
	}

	requested := events.New(events.TypeRebalanceRequested, p.CorrelationID, "", map[string]any{
		"plan_id": p.ID,
		"items":   len(p.Items),
	})
	a.publish(ctx, pipe, requested)

	result, err := pipe.executor.Execute(ctx, p)
	if err != nil {
		a.publish(ctx, pipe, requested.Follow(events.TypeWorkflowFailed, map[string]any{
			"plan_id": p.ID,
			"error":   err.Error(),
		}))
		return fmt.Errorf("执行调仓计划失败: %w", err)
	}

	executed := requested.Follow(events.TypeTradeExecuted, map[string]any{
		"plan_id":           p.ID,
		"status":            string(result.Status),
		"orders_placed":     result.OrdersPlaced,
		"orders_succeeded":  result.OrdersSucceeded,
		"total_trade_value": result.TotalTradeValue.String(),
	})
	a.publish(ctx, pipe, executed)

	if err := pipe.ledger.Persist(ctx); err != nil {
		// 账本落盘失败不影响已完成的交易。
		a.logger.Warn("账本落盘失败", zap.Error(err))
	}

	failed := result.Status == execution.StatusFailure
	if a.cfg.Execution.TreatPartialAsFail && result.Status == execution.StatusPartial {
		failed = true
	}

	if failed {
		a.publish(ctx, pipe, executed.Follow(events.TypeWorkflowFailed, map[string]any{
			"plan_id": p.ID,
			"status":  string(result.Status),
		}))
		return fmt.Errorf("调仓工作流失败: 状态 %s (%d/%d 成功)",
			result.Status, result.OrdersSucceeded, result.OrdersPlaced)
	}

	a.publish(ctx, pipe, executed.Follow(events.TypeWorkflowCompleted, map[string]any{
		"plan_id": p.ID,
		"status":  string(result.Status),
	}))

	a.logger.Info("调仓工作流完成",
		zap.String("plan_id", p.ID),
		zap.String("correlation_id", result.CorrelationID),
		zap.String("status", string(result.Status)),
	)

	return nil
}

func (a *App) publish(ctx context.Context, pipe *pipeline, event events.Event) {
	if err := pipe.journal.Publish(ctx, event); err != nil {
		a.logger.Warn("发布工作流事件失败",
			zap.String("event_type", string(event.Type)),
			zap.Error(err),
		)
	}
}
