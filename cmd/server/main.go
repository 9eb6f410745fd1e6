// Command server runs the HTTP API, the outbound event worker, and the daily
// aging precompute under one lifecycle.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"erp-core/internal/adapters/web"
	"erp-core/internal/core"
	"erp-core/internal/db"
	"erp-core/internal/events"
)

func main() {
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		logger.Fatal("DATABASE_URL is required")
	}

	pool, err := db.Connect(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	var rdb *redis.Client
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return err
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
	} else {
		logger.Info("REDIS_URL not set, aging reports computed without cache")
	}

	stock := core.NewStockService(pool)
	approvals := core.NewApprovalService(pool)
	audit := core.NewAuditService(pool)
	eventQueue := core.NewEventService(pool)
	posting := core.NewPostingService(pool, stock, approvals, audit, eventQueue, logger)
	credit := core.NewCreditService(pool)
	invoices := core.NewInvoiceService(pool, posting, credit, logger)
	reversal := core.NewReversalService(pool, stock, invoices, audit, eventQueue, logger)
	payments := core.NewPaymentService(pool, posting, invoices, logger)
	orders := core.NewOrderService(pool, stock, credit, approvals, invoices, posting, audit, eventQueue, logger)
	aging := core.NewAgingService(pool, rdb, logger)
	reporting := core.NewReportingService(pool)
	years := core.NewFinancialYearService(pool, audit, logger)

	router := web.NewRouter(web.Services{
		Posting:   posting,
		Reversal:  reversal,
		Approvals: approvals,
		Invoices:  invoices,
		Payments:  payments,
		Orders:    orders,
		Stock:     stock,
		Credit:    credit,
		Aging:     aging,
		Reporting: reporting,
		Audit:     audit,
		Events:    eventQueue,
		Years:     years,
	}, logger, allowedOrigins())

	server := &http.Server{
		Addr:              ":" + envOr("SERVER_PORT", "8080"),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	worker := events.NewWorker(eventQueue, events.NewWebhookTransport(pool), logger, pollInterval())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return worker.Run(gctx)
	})

	g.Go(func() error {
		// Warm the cache at startup so the first day is not served stale.
		if err := aging.PrecomputeAll(gctx, time.Now().UTC()); err != nil {
			logger.Error("startup aging precompute failed", zap.Error(err))
		}
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				if err := aging.PrecomputeAll(gctx, time.Now().UTC()); err != nil {
					logger.Error("daily aging precompute failed", zap.Error(err))
				}
			}
		}
	})

	return g.Wait()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func allowedOrigins() []string {
	raw := envOr("ALLOWED_ORIGINS", "*")
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func pollInterval() time.Duration {
	if raw := os.Getenv("EVENT_POLL_INTERVAL"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 5 * time.Second
}
