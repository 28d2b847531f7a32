package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/bosonprotocol/resale-engine/params"
	"github.com/bosonprotocol/resale-engine/pkg/api"
	"github.com/bosonprotocol/resale-engine/pkg/custody"
	"github.com/bosonprotocol/resale-engine/pkg/exchange"
	"github.com/bosonprotocol/resale-engine/pkg/settlement"
	"github.com/bosonprotocol/resale-engine/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	logger, err := util.NewLoggerWithFile(cfg.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.LogFile)

	// ---- Stores ----
	custodyMgr, err := custody.NewManager(cfg.Storage.CustodyDBPath, cfg.Engine.WrappedNative)
	if err != nil {
		sugar.Fatalw("custody_init_failed", "err", err)
	}
	defer custodyMgr.Close()

	registry, err := exchange.NewRegistry(cfg.Storage.ExchangeDBPath)
	if err != nil {
		sugar.Fatalw("registry_init_failed", "err", err)
	}
	defer registry.Close()

	journal, err := settlement.NewJournal(cfg.Storage.JournalDBPath)
	if err != nil {
		sugar.Fatalw("journal_init_failed", "err", err)
	}
	defer journal.Close()

	// ---- Settlement engine ----
	// External price-discovery targets register here at runtime; the engine
	// itself ships none.
	targets := settlement.NewTargetRegistry()

	orch := settlement.NewOrchestrator(custodyMgr, targets, cfg.Engine.Escrow, sugar)

	emitter := settlement.MultiEmitter{
		settlement.LogEmitter{Log: sugar},
		journal,
	}

	handler := settlement.NewHandler(registry, custodyMgr, orch,
		cfg.Fees, cfg.Engine.Escrow, cfg.Engine.Treasury,
		util.RealClock{}, sugar, emitter)

	sugar.Infow("engine_configured",
		"protocol_fee_bps", cfg.Fees.ProtocolBps,
		"max_royalty_bps", cfg.Fees.MaxRoyaltyBps,
		"max_total_fee_bps", cfg.Fees.MaxTotalBps,
		"escrow", cfg.Engine.Escrow.Hex(),
		"treasury", cfg.Engine.Treasury.Hex())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- API Server ----
	apiServer := api.NewServer(handler, custodyMgr, registry, journal, cfg.API.AllowedOrigins, sugar)

	// Hook settlement events to WebSocket broadcast
	handler.OnEvent = apiServer.BroadcastEvent

	go func() {
		if err := apiServer.Start(cfg.API.Addr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	<-ctx.Done()
	sugar.Info("shutting down")
}
