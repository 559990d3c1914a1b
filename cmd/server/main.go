package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"bookshop/internal/app"
	"bookshop/internal/config"
	"bookshop/internal/server"
	"bookshop/internal/usertoken"
	"bookshop/internal/util"
	"bookshop/pkg/queue"
)

func main() {
	cfgPath := os.Getenv("SHOP_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	lineTTL, err := config.ParseCartLineTTL(cfg.CartLineTTL)
	if err != nil {
		log.Fatalf("failed to parse cart line TTL: %v", err)
	}
	leeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse jwt leeway: %v", err)
	}

	receipts, err := queue.NewRedisReceiptQueue(queue.ReceiptQueueConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		MaxLen:   cfg.ReceiptStreamMaxLen,
	})
	if err != nil {
		log.Fatalf("failed to init receipt queue: %v", err)
	}

	appCore, err := app.New(app.Config{
		DatabaseURL: cfg.DatabaseURL,
		LineTTL:     lineTTL,
		Receipts:    receipts,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	verifier, err := usertoken.NewVerifier(usertoken.Config{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   leeway,
	})
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                        appCore,
		TokenVerifier:              verifier,
		RedisAddr:                  cfg.RedisAddr,
		RedisPassword:              cfg.RedisPassword,
		CartRateLimitPerMinute:     cfg.CartRateLimitPerMinute,
		PurchaseRateLimitPerMinute: cfg.PurchaseRateLimitPerMinute,
		RatingRateLimitPerMinute:   cfg.RatingRateLimitPerMinute,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	consumers := cfg.ReceiptConsumers
	if consumers <= 0 {
		consumers = 2
	}
	receipts.Start(util.ContextWithLogger(ctx, logger), consumers, appCore.ProcessReceipt)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("shop server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
}
