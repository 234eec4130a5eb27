package main

import (
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nexgate-io/console/internal/server"
)

func main() {
	_ = godotenv.Load()

	log, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	h, err := server.NewHandlerWithOptions(server.HandlerOptions{Logger: log})
	if err != nil {
		log.Fatal("handler init failed", zap.Error(err))
	}

	log.Info("listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, h); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}
