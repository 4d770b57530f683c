package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/agrilink/escrow-settlement/internal/config"
	"github.com/agrilink/escrow-settlement/internal/httpx"
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

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Ledger
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

	// Kafka producer
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, log)
	prod.Start(ctx)

	// Core
	repo := &orders.Repo{DB: db}
	exec := settlement.NewExecutor(eth, repo, cfg.ConfirmTimeout, log)
	rec := settlement.NewReconciler(repo, exec, eth, prod, rdb, cfg.ServiceName, log)

	// HTTP
	router := httpx.NewRouter()
	(&httpx.SettlementHandler{Reconciler: rec, Orders: repo, AdminToken: cfg.AdminToken, Log: log}).Register(router)
	(&httpx.ViewsHandler{Repo: repo, Redis: rdb}).Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	go func() {
		log.Info("HTTP listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	prod.Close()      // close inbox -> flush & close writer
	cancel()          // stop producer loop
	prod.WaitClosed() // drain
}
