package app

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rebalancer/internal/broker"
	"rebalancer/internal/config"
	"rebalancer/internal/events"
	"rebalancer/internal/execution"
	"rebalancer/internal/ledger"
	"rebalancer/internal/store"
)

// pipeline 聚合一次调仓执行需要的全部组件。
type pipeline struct {
	executor *execution.PhaseExecutor
	ledger   *ledger.Ledger
	journal  *events.Journal
}

func newPipeline(cfg *config.Config, logger *zap.Logger, s *store.Store) (*pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := broker.NewClient(cfg.Broker, cfg.Quotes, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化券商客户端失败: %w", err)
	}

	tradeLedger, err := ledger.New(s, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化交易账本失败: %w", err)
	}

	journal, err := events.NewJournal(s, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化事件日志失败: %w", err)
	}

	execCfg := cfg.Execution
	increment := decimal.NewFromFloat(execCfg.MinPriceIncrement)
	factor := decimal.NewFromFloat(execCfg.AdjustmentFactor)
	minNotional := decimal.NewFromFloat(execCfg.MinOrderNotional)

	smart := execution.NewSmartStrategy(client, client, factor, increment, cfg.Quotes.MaxAge, logger)
	intents := execution.NewIntentBuilder(decimal.NewFromFloat(execCfg.FallbackQuantity), logger)
	validator := execution.NewValidator(minNotional, logger)
	guard := execution.NewBuyingPowerGuard(client, decimal.NewFromFloat(execCfg.BuyingPowerTolerance), logger)
	placer := execution.NewPlacer(client, smart, execCfg.EnableSmartExecution, logger)
	monitor := execution.NewMonitor(client, smart, execution.MonitorConfig{
		MaxRepegs:        execCfg.MaxRepegs,
		FillWait:         execCfg.FillWait,
		WaitPerCheck:     execCfg.WaitPerCheck,
		MaxChecks:        execCfg.MaxChecks,
		MinOrderNotional: minNotional,
	}, logger)
	settlement := execution.NewSettlementMonitor(client, cfg.Settlement, logger)

	executor, err := execution.NewPhaseExecutor(execution.PhaseExecutorParams{
		Broker:      client,
		Quotes:      client,
		Intents:     intents,
		Validator:   validator,
		Guard:       guard,
		Placer:      placer,
		Monitor:     monitor,
		Settlement:  settlement,
		Recorder:    tradeLedger,
		QuoteMaxAge: cfg.Quotes.MaxAge,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化阶段执行器失败: %w", err)
	}

	return &pipeline{
		executor: executor,
		ledger:   tradeLedger,
		journal:  journal,
	}, nil
}
