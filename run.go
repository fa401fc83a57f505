package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"trading-bot/internal/api"
	"trading-bot/internal/balance"
	"trading-bot/internal/engine"
	"trading-bot/internal/events"
	"trading-bot/internal/leverage"
	"trading-bot/internal/market"
	"trading-bot/internal/monitor"
	"trading-bot/internal/order"
	"trading-bot/internal/persistence"
	"trading-bot/internal/risk"
	"trading-bot/internal/state"
	"trading-bot/pkg/config"
	"trading-bot/pkg/db"
	exchange "trading-bot/pkg/exchanges/common"
	"trading-bot/pkg/i18n"
	"trading-bot/pkg/logger"
)

// journaledTopics are mirrored into engine_events. Bars and decisions are
// left out: decisions have their own table and bars are replayable.
var journaledTopics = []events.Event{
	events.EventPositionChange,
	events.EventOrderQueued, events.EventOrderSubmitted, events.EventOrderFilled,
	events.EventOrderRejected, events.EventOrderRetry, events.EventOrderDropped,
	events.EventApprovalPending, events.EventEngineState, events.EventKillSwitch,
	events.EventRiskAlert,
}

// loadSettings resolves env config and the strategy file, env winning.
func loadSettings(strategyPath string) (*config.Config, config.Strategy, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, config.Strategy{}, fmt.Errorf(i18n.Get("ConfigLoadFailed"), err)
	}
	if strategyPath == "" {
		strategyPath = cfg.StrategyConfig
	}
	strat, err := config.LoadStrategyFile(strategyPath)
	if err != nil {
		return nil, config.Strategy{}, fmt.Errorf(i18n.Get("StrategyLoadFailed"), err)
	}
	strat.ApplyEnv(cfg)
	return cfg, strat, nil
}

func runBot(parent context.Context, strategyPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, strat, err := loadSettings(strategyPath)
	if err != nil {
		return err
	}
	if err := logger.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}
	i18n.SetLanguage(i18n.Language(cfg.Language))
	log.Info().Msg(i18n.Get("Starting"))
	log.Info().Msgf(i18n.Get("ConfigLoaded"), cfg.Port, strings.Join(cfg.Symbols, ","))
	log.Info().Msgf(i18n.Get("UsingDBPath"), cfg.DBPath)
	log.Info().Msg(i18n.Get("DryRunMode"))

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf(i18n.Get("DBInitFailed"), err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf(i18n.Get("DBMigrationsFailed"), err)
	}

	// Events and their sinks
	bus := events.NewBus()
	journal := persistence.NewBatchWriter(database.DB, 100, time.Second)
	defer func() {
		if err := journal.Close(); err != nil {
			log.Error().Msgf(i18n.Get("JournalFlushError"), err)
		}
	}()
	bus.AddSink(persistence.NewEventJournal(journal, journaledTopics...))

	var kafkaSink *events.KafkaSink
	if len(cfg.KafkaBrokers) > 0 {
		kafkaSink, err = events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.InstanceID)
		if err != nil {
			log.Warn().Msgf(i18n.Get("KafkaSinkFailed"), err)
		} else {
			bus.AddSink(kafkaSink)
			go kafkaSink.Run(ctx)
			log.Info().Msgf(i18n.Get("KafkaSinkEnabled"), cfg.KafkaTopic)
		}
	}

	metrics := monitor.NewSystemMetrics()
	mon := &monitor.Monitor{Bus: bus, Sinks: []monitor.AlertSink{monitor.LogSink{}}}
	mon.Start(ctx)

	// Execution: paper broker behind the coordinator
	paper := order.NewPaperGateway(order.PaperConfig{
		InitialBalance: cfg.InitialBalance,
		FeeRate:        cfg.DryRunFeeRate,
		SlippageBps:    cfg.DryRunSlippageBps,
		LatencyMin:     time.Duration(cfg.DryRunGwLatencyMinMs) * time.Millisecond,
		LatencyMax:     time.Duration(cfg.DryRunGwLatencyMaxMs) * time.Millisecond,
	})
	var broker exchange.Gateway = paper
	if cfg.BrokerRateLimit > 0 {
		broker = exchange.NewRateLimitedGateway(paper, cfg.BrokerRateLimit, int(math.Max(1, math.Ceil(cfg.BrokerRateLimit))))
	}

	coordCfg := order.DefaultConfig()
	coordCfg.MaxPendingOrders = cfg.MaxPendingOrders
	coordCfg.OrderTimeout = cfg.OrderTimeout
	coordCfg.ManualApprovalDefault = cfg.ManualApprovalDefault
	coordCfg.MaxRetries = cfg.MaxRetries
	approvals := order.NewApprovalBoard(cfg.ApprovalTimeout, bus)
	coord := order.NewCoordinator(coordCfg, order.NewExecutor(database, bus, cfg.InstanceID), broker, approvals, bus)
	coord.SetRecorder(metrics)
	if cfg.ManualApprovalDefault {
		log.Info().Msg(i18n.Get("ManualApprovalOn"))
	}

	// Account, risk and sizing
	balances := balance.NewManager(balance.FromAccount(paper), cfg.InitialBalance, 5*time.Second)
	balances.Start(ctx)

	riskMgr, err := risk.NewManager(database, strat.Risk)
	if err != nil {
		log.Warn().Err(err).Str("component", "risk").Msg("persistent risk metrics unavailable, using in-memory")
		riskMgr = risk.NewInMemory(strat.Risk)
	}
	lev, err := leverage.NewCalculator(strat.Leverage)
	if err != nil {
		return fmt.Errorf("leverage config: %w", err)
	}
	if cfg.KillSwitchEnabled {
		log.Info().Msg(i18n.Get("KillSwitchArmed"))
	} else {
		log.Info().Msg(i18n.Get("KillSwitchDisarmed"))
	}

	bot, err := engine.NewBot(engine.Config{
		Symbols:           cfg.Symbols,
		Lifecycle:         strat.Lifecycle,
		Indicators:        strat.Indicators,
		KillSwitchEnabled: cfg.KillSwitchEnabled,
		Meta: engine.SystemStatus{
			Mode:       "paper",
			DryRun:     cfg.DryRun,
			Symbols:    cfg.Symbols,
			Version:    version,
			InstanceID: cfg.InstanceID,
		},
	}, engine.Deps{
		Bus:         bus,
		Coordinator: coord,
		Leverage:    lev,
		Trailing:    risk.NewTrailingCalculator(strat.Trailing),
		Risk:        riskMgr,
		Balance:     balances,
		State:       state.NewManager(database),
		Journal:     journal,
		Metrics:     metrics,
		Marks:       paper,
		Broker:      broker,
		DB:          database,
	})
	if err != nil {
		return err
	}
	if err := bot.Restore(ctx); err != nil {
		return fmt.Errorf(i18n.Get("StateLoadFailed"), err)
	}
	restored := 0
	for _, sym := range bot.Symbols() {
		if p := sym.Position; p != nil && !p.Pending {
			qty := p.Size
			if p.Side == market.Short {
				qty = -qty
			}
			paper.Seed(sym.Symbol, qty, p.EntryPrice)
			restored++
		}
	}
	log.Info().Msgf(i18n.Get("PositionsRestored"), restored)

	if err := bot.Run(ctx); err != nil {
		return err
	}
	log.Info().Msgf(i18n.Get("EngineStarted"), len(cfg.Symbols))

	if cfg.UseMockFeed {
		feed := &market.MockFeed{Bus: bus, Symbols: cfg.Symbols, StartPrice: 100, Interval: cfg.BarInterval}
		feed.Start(ctx)
		log.Info().Msgf(i18n.Get("MockFeedStarted"), cfg.BarInterval)
	} else {
		log.Warn().Str("component", "market").Msg("mock feed disabled and no live feed configured; waiting for bars on the bus")
	}

	// Surfaces
	health := api.NewHealthServer()
	health.SetState(coord.State())
	go health.Follow(ctx, bus)
	if cfg.GRPCHealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCHealthAddr)
		if err != nil {
			return fmt.Errorf("grpc health listen: %w", err)
		}
		log.Info().Msgf(i18n.Get("GRPCHealthListen"), cfg.GRPCHealthAddr)
		go func() {
			if err := health.Serve(lis); err != nil {
				log.Error().Err(err).Str("component", "grpc").Msg("health server stopped")
			}
		}()
	}

	gin.SetMode(gin.ReleaseMode)
	server := api.NewServer(bot, bus, metrics, cfg.JWTSecret, api.Options{})
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Msgf(i18n.Get("ServerListening"), cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Msgf(i18n.Get("APIServerError"), err)
			stop()
		}
	}()
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				server.SweepLimiters()
			}
		}
	}()

	<-ctx.Done()
	log.Info().Msg(i18n.Get("ShuttingDown"))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	health.Stop()
	if err := coord.Stop(); err != nil && !errors.Is(err, order.ErrStopped) {
		log.Warn().Err(err).Msg("coordinator stop")
	}
	coord.Wait()
	bot.Wait()
	mon.Wait()
	if kafkaSink != nil {
		kafkaSink.Wait()
	}
	log.Info().Msg(i18n.Get("ShutdownComplete"))
	return nil
}
