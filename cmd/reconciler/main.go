package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nexgate-io/console/internal/reconcile"
	"github.com/nexgate-io/console/modules/policy/infrastructure/gateway"
)

func main() {
	_ = godotenv.Load()

	var once bool
	var interval time.Duration
	var batch int
	flag.BoolVar(&once, "once", false, "run a single pass and exit")
	flag.DurationVar(&interval, "interval", time.Minute, "delay between passes")
	flag.IntVar(&batch, "batch", 100, "max entries per pass")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		log.Fatal("pool init failed", zap.Error(err))
	}
	defer pool.Close()

	gw, err := gateway.New(os.Getenv("GATEWAY_URL"), os.Getenv("GATEWAY_SECRET"))
	if err != nil {
		log.Fatal("gateway client init failed", zap.Error(err))
	}

	replayer := reconcile.NewReplayer(reconcile.NewPGStore(pool), gw, log)

	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		resolved, err := replayer.Run(ctx, batch)
		cancel()
		if err != nil {
			log.Error("reconciliation pass failed", zap.Error(err))
		} else {
			log.Info("reconciliation pass done", zap.Int("resolved", resolved))
		}
		if once {
			return
		}
		time.Sleep(interval)
	}
}
