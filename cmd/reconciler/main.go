package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/agrilink/escrow-settlement/internal/config"
	kafkax "github.com/agrilink/escrow-settlement/internal/kafka"
	"github.com/agrilink/escrow-settlement/internal/ledger"
	"github.com/agrilink/escrow-settlement/internal/orders"
	"github.com/agrilink/escrow-settlement/internal/postgres"
	"github.com/agrilink/escrow-settlement/internal/redisx"
	"github.com/agrilink/escrow-settlement/internal/settlement"
)

func main() {
	_ = godotenv.Load()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	eth, err := ledger.DialEth(ctx, ledger.EthConfig{
		RPCURL:        cfg.LedgerRPCURL,
		ContractAddr:  cfg.ContractAddr,
		OperatorKey:   cfg.OperatorKeyHex,
		ChainID:       cfg.ChainID,
		GasLimit:      cfg.GasLimit,
		Confirmations: cfg.Confirmations,
	}, log)
	if err != nil {
		log.Fatal("ledger dial", zap.Error(err))
	}
	defer eth.Close()

	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
	prod.Start(ctx)

	service := cfg.ServiceName + "-reconciler"
	repo := &orders.Repo{DB: db}
	exec := settlement.NewExecutor(eth, repo, cfg.ConfirmTimeout, log)
	rec := settlement.NewReconciler(repo, exec, eth, prod, rdb, service, log)

	worker := &settlement.RecheckWorker{
		Rec:         rec,
		Redis:       rdb,
		Delay:       cfg.RecheckInterval,
		ServiceName: service,
		Log:         log,
	}

	group := getenv("RECONCILER_GROUP", "settlement-reconciler")
	workers := mustAtoi(os.Getenv("RECONCILER_WORKERS"), "4")

	recheckCons := kafkax.NewConsumer(cfg.KafkaBrokers, group, orders.TopicSettlementRecheck, workers, log)
	changedCons := kafkax.NewConsumer(cfg.KafkaBrokers, group+"-cache", orders.TopicOrderChanged, workers, log)

	go func() {
		log.Info("recheck consumer started",
			zap.String("group", group), zap.String("topic", orders.TopicSettlementRecheck), zap.Int("workers", workers))
		if err := recheckCons.Start(ctx, worker.HandleRecheck); err != nil {
			log.Warn("recheck consumer exit", zap.Error(err))
			cancel()
		}
	}()
	go func() {
		if err := changedCons.Start(ctx, worker.HandleOrderChanged); err != nil {
			log.Warn("order-changed consumer exit", zap.Error(err))
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	log.Info("shutting down reconciler")
	cancel()
	time.Sleep(500 * time.Millisecond)
	prod.Close()
	prod.WaitClosed()
}

func mustAtoi(s, def string) int {
	if s == "" {
		s = def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 1
	}
	return i
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
