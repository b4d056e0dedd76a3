package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "auctionstore").Logger()
	ctx := context.Background()

	// allow overriding Redis address via REDIS_ADDR env var, default to localhost:6379
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Str("addr", redisAddr).Msg("could not connect to redis")
	}
	defer rdb.Close()

	catalog := NewCatalog(rdb)
	ledger := NewLedger(rdb)

	if os.Getenv("DISABLE_SEED") == "" {
		if err := seedCatalog(ctx, catalog, logger); err != nil {
			logger.Fatal().Err(err).Msg("could not seed catalog")
		}
	}

	handler := NewHandler(catalog, ledger, rdb, logger)
	mux := http.NewServeMux()
	mux.HandleFunc("/items", handler.itemsHandler)
	mux.HandleFunc("/items/", handler.itemHandler)
	mux.HandleFunc("/offers", handler.offersHandler)
	mux.HandleFunc("/healthz", handler.healthHandler)

	var root http.Handler = mux
	// API-key auth is opt-in: set API_KEYS to a comma-separated list
	if keys := parseAPIKeys(os.Getenv("API_KEYS")); len(keys) > 0 {
		root = authMiddleware(keys)(root)
	}
	root = loggingMiddleware()(root)
	root = requestIDMiddleware(logger)(root)

	// allow overriding HTTP listen address via HTTP_ADDR env var, default to :9090
	httpAddr := os.Getenv("HTTP_ADDR")
	if httpAddr == "" {
		httpAddr = ":9090"
	}
	server := &http.Server{
		Addr:         httpAddr,
		Handler:      root,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("server is listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("could not listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit
	logger.Info().Msg("server is shutting down")

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctxShutdown); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}
