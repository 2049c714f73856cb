package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"crypto-snipper/internal/api"
	"crypto-snipper/internal/events"
	"crypto-snipper/internal/executor"
	"crypto-snipper/internal/model"
	"crypto-snipper/internal/orderbook"
	"crypto-snipper/internal/risk"
	"crypto-snipper/internal/service"
	"crypto-snipper/internal/storage"
	"crypto-snipper/internal/strategy"
	"crypto-snipper/pkg/ta"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

func main() {
	cfg, err := service.LoadConfig("config")
	if err != nil {
		// 日志尚未初始化，用默认的生产配置输出
		service.Logger, _ = zap.NewProduction()
		service.Logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	if err := service.InitLogger(cfg.Log.Level); err != nil {
		service.Logger, _ = zap.NewProduction()
		service.Logger.Fatal("Failed to init logger", zap.Error(err))
	}
	defer service.Logger.Sync()
	logger := service.Logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. 存储
	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		logger.Fatal("Failed to open storage", zap.String("path", cfg.Storage.Path), zap.Error(err))
	}

	// 2. 行情流与 REST 兜底
	bus := events.NewBus(logger)
	rest := api.NewRESTClient(cfg.Exchange.RESTURL, cfg.Exchange.RESTRatePerSecond)
	connector := api.NewConnector(api.StreamConfig{
		URL:             cfg.Exchange.WSURL,
		Token:           cfg.Exchange.Token,
		QuoteCurrency:   cfg.Exchange.QuoteCurrency,
		AuthTimeout:     cfg.Stream.AuthTimeout,
		ReconnectDelay:  cfg.Stream.ReconnectDelay,
		PingInterval:    cfg.Stream.PingInterval,
		TradeBufferSize: cfg.Stream.TradeBufferSize,
		CandleEvery:     cfg.Stream.CandleEvery,
	}, bus, store, logger)

	symbols := make([]string, 0, len(cfg.Scalp.Symbols))
	for _, s := range cfg.Scalp.Symbols {
		symbols = append(symbols, strings.ToLower(s))
	}
	for _, s := range symbols {
		if err := connector.Subscribe(s); err != nil {
			logger.Warn("Subscribe failed", zap.String("symbol", s), zap.Error(err))
		}
	}

	// 3. 分析与信号
	analyzer := orderbook.NewAnalyzer(orderbook.Config{
		CacheMaxAge: cfg.Analyzer.CacheMaxAge,
		Depth:       cfg.Analyzer.Depth,
		BandPercent: cfg.Analyzer.BandPercent,
		WhaleRatio:  cfg.Analyzer.WhaleRatio,
		MaxWalls:    cfg.Analyzer.MaxWalls,
	}, connector, rest, store, logger)

	engineCfg := strategy.DefaultConfig()
	engineCfg.TakeProfitPercent = cfg.Scalp.TakeProfitPercent
	engineCfg.StopLossPercent = cfg.Scalp.StopLossPercent
	engineCfg.MinConfidence = cfg.Scalp.MinConfidence
	engineCfg.MinRiskReward = cfg.Scalp.MinRiskReward
	engineCfg.Cooldown = cfg.Scalp.Cooldown
	engineCfg.MaxHold = cfg.Scalp.MaxHold
	engineCfg.AnalyzeInterval = cfg.Scalp.AnalyzeInterval
	engineCfg.HistoryLimit = cfg.Scalp.HistoryLimit
	engineCfg.WallExit = strategy.WallExitConfig{
		Enabled:          cfg.Scalp.WallExit.Enabled,
		MinProfitPercent: cfg.Scalp.WallExit.MinProfitPercent,
	}
	engine := strategy.NewEngine(engineCfg, connector, analyzer, ta.NewCalculator(), store, bus, logger)

	// 4. 模拟执行网关与持仓风控；行情流断开时按 REST ticker 成交
	prices := executor.NewFallbackPrices(connector, rest, 5*time.Second, logger)
	sim := executor.NewSimulatorExecutor(executor.SimulatorConfig{
		InitialCapital:   cfg.Trading.InitialCapital,
		NotionalPerTrade: cfg.Trading.NotionalPerTrade,
		FeeRate:          cfg.Trading.FeeRate,
	}, prices, logger)
	monitor := risk.NewMonitor(risk.Config{
		SweepInterval: cfg.Monitor.SweepInterval,
		StaleAfter:    cfg.Monitor.StaleAfter,
	}, sim, connector, rest, bus, logger)

	// 5. 消费者
	var wg conc.WaitGroup
	logSub := bus.Subscribe("event_logger", 1024,
		events.Connected, events.Disconnected, events.Error,
		events.Signal, events.Exit, events.PositionAutoClosed, events.PositionCloseFailed)
	archiveSub := bus.Subscribe("exit_archiver", 256, events.Exit)

	wg.Go(func() { engine.Run(ctx, symbols) })
	wg.Go(func() { logEvents(ctx, logSub, logger) })
	wg.Go(func() { archiveExits(ctx, archiveSub, store, logger) })
	if cfg.Trading.AutoExecute {
		execSub := bus.Subscribe("auto_executor", 64, events.Signal)
		wg.Go(func() { autoExecute(ctx, execSub, sim, monitor, cfg.Trading.AccountID, logger) })
	}

	connector.Start(ctx)
	if err := monitor.Start(ctx); err != nil {
		logger.Error("Failed to start risk monitor", zap.Error(err))
	}
	logger.Info("Crypto snipper started",
		zap.Strings("symbols", symbols),
		zap.Bool("autoExecute", cfg.Trading.AutoExecute))

	<-ctx.Done()
	logger.Info("Shutting down...")

	monitor.Stop()
	connector.Disconnect()
	wg.Wait()

	stats := engine.Stats()
	logger.Info("Scalp stats",
		zap.Int("total", stats.Total),
		zap.Int("wins", stats.Wins),
		zap.Float64("winRate", stats.WinRate),
		zap.Float64("avgPnLPercent", stats.AvgPnLPercent),
		zap.Duration("avgDuration", stats.AvgDuration))
	logAccount(sim, logger)

	if err := store.Close(); err != nil {
		logger.Error("Failed to close storage", zap.Error(err))
	}
}

// logEvents 把关键事件写入日志
func logEvents(ctx context.Context, sub *events.Subscription, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			fields := []zap.Field{zap.String("type", string(ev.Type)), zap.String("symbol", ev.Symbol)}
			switch p := ev.Payload.(type) {
			case model.ScalpSignal:
				fields = append(fields, zap.String("signal", p.String()))
			case model.ActiveScalp:
				fields = append(fields, zap.String("status", string(p.Status)), zap.Float64("pnlPercent", p.PnLPercent))
			case risk.AutoClosed:
				fields = append(fields, zap.String("position", p.Position.ID), zap.String("reason", p.Reason))
			case risk.CloseFailed:
				fields = append(fields, zap.String("position", p.PositionID), zap.String("error", p.Err))
			case error:
				fields = append(fields, zap.Error(p))
			}
			logger.Info("Event", fields...)
		}
	}
}

// archiveExits 把结束的剥头皮单写入历史表
func archiveExits(ctx context.Context, sub *events.Subscription, store *storage.Store, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			scalp, ok := ev.Payload.(model.ActiveScalp)
			if !ok {
				continue
			}
			saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := store.SaveScalp(saveCtx, scalp); err != nil {
				logger.Warn("Failed to archive scalp", zap.String("id", scalp.Signal.ID), zap.Error(err))
			}
			cancel()
		}
	}
}

// autoExecute 把信号交给执行网关，成交后交给风控监控
func autoExecute(ctx context.Context, sub *events.Subscription, gw executor.Gateway, monitor *risk.Monitor, accountID string, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			sig, ok := ev.Payload.(model.ScalpSignal)
			if !ok {
				continue
			}
			pos, err := gw.ExecuteScalpSignal(ctx, accountID, sig)
			if err != nil {
				logger.Warn("Auto execution failed", zap.String("symbol", sig.Symbol), zap.Error(err))
				continue
			}
			monitor.Track(*pos)
		}
	}
}

func logAccount(account executor.Account, logger *zap.Logger) {
	equity, err := account.GetBalance(context.Background())
	if err != nil {
		logger.Warn("Failed to read account balance", zap.Error(err))
		return
	}
	trades, _ := account.GetTradeHistory()
	logger.Info("Paper account",
		zap.Float64("equity", equity),
		zap.Float64("maxEquity", account.GetMaxEquity()),
		zap.Int("trades", len(trades)))
}
