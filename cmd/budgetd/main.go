package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/duetware/budgetd/internal/cache"
	"github.com/duetware/budgetd/internal/config"
	dbFailover "github.com/duetware/budgetd/internal/db/failover"
	dbLocal "github.com/duetware/budgetd/internal/db/local"
	dbRedis "github.com/duetware/budgetd/internal/db/redis"
	logpkg "github.com/duetware/budgetd/internal/logger"
	"github.com/duetware/budgetd/internal/metrics"
	inboxrepo "github.com/duetware/budgetd/internal/repository/inbox"
	ledgerrepo "github.com/duetware/budgetd/internal/repository/ledger"
	manifestrepo "github.com/duetware/budgetd/internal/repository/manifest"
	chiTransport "github.com/duetware/budgetd/internal/transport/chi"
	admissionuc "github.com/duetware/budgetd/internal/usecase/admission"
	coordinationuc "github.com/duetware/budgetd/internal/usecase/coordination"
	reserveuc "github.com/duetware/budgetd/internal/usecase/reserve"
	statsuc "github.com/duetware/budgetd/internal/usecase/stats"
	"github.com/duetware/budgetd/internal/version"
)

func main() {
	// Load configuration based on ENV
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting budgetd server",
		zap.String("version", version.Version),
		zap.String("commit", version.Commit),
		zap.String("env", env),
		zap.String("principal", cfg.Principal.Name),
		zap.String("peer", cfg.Principal.Peer),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.Strings("db_addrs", cfg.Database.Addrs),
	)

	primary, err := dbRedis.NewStore(dbRedis.Config{
		Addrs:    cfg.Database.Addrs,
		Password: cfg.Database.Password,
	})
	if err != nil {
		logger.Fatal("Failed to create database store", zap.Error(err))
	}

	fallback, err := dbLocal.NewStore(cfg.Database.FallbackDir, cfg.Database.KeyPrefix)
	if err != nil {
		logger.Fatal("Failed to open local fallback store", zap.Error(err))
	}

	store := dbFailover.NewStore(primary, fallback, dbFailover.Config{
		OpTimeout: time.Duration(cfg.Database.OpTimeoutSec) * time.Second,
		OnFailover: func(op string) {
			metrics.StorageFailoversTotal.WithLabelValues(op).Inc()
		},
		Logger: logger,
	})
	defer store.Close()

	// Reachability of either backend is enough to serve.
	ctx := context.Background()
	if err := store.WaitForReady(ctx, time.Duration(cfg.Database.ReadinessTimeout)*time.Second); err != nil {
		logger.Fatal("No storage backend ready", zap.Error(err))
	}
	logger.Info("Connected to storage", zap.Bool("degraded", store.Degraded()))

	// Register budget metrics explicitly (no init())
	metrics.RegisterBudgetMetrics()

	// Create repositories
	dayLoc := cfg.BudgetDayLocation()
	ledger := ledgerrepo.New(store, cfg.Database.KeyPrefix, dayLoc)
	manifests := manifestrepo.New(store, cfg.Database.KeyPrefix)
	inbox := inboxrepo.New(store, cfg.Database.KeyPrefix)

	// Create use case services
	engine := reserveuc.New(ledger, reserveuc.Config{
		DailyLimit:         cfg.Budget.DailyLimit,
		MaxSingleOperation: cfg.Budget.MaxSingleOperation,
	}, logger)
	gate := admissionuc.New(engine, admissionuc.Config{
		DailyLimit:         cfg.Budget.DailyLimit,
		MaxSingleOperation: cfg.Budget.MaxSingleOperation,
		WarningThreshold:   cfg.Budget.WarningThreshold,
		EmergencyThreshold: cfg.Budget.EmergencyThreshold,
	}, logger)
	coordinator := coordinationuc.New(manifests, inbox, engine, coordinationuc.Config{
		Self:                   cfg.Principal.Name,
		Peer:                   cfg.Principal.Peer,
		DailyLimit:             cfg.Budget.DailyLimit,
		StalenessWindow:        time.Duration(cfg.Coordination.StalenessWindowHours) * time.Hour,
		PollInterval:           time.Duration(cfg.Coordination.PollIntervalSec) * time.Second,
		CombinedUsageThreshold: cfg.Coordination.CombinedUsageThreshold,
		HealthFloor:            cfg.Coordination.HealthFloor,
		MessageTTL:             time.Duration(cfg.Coordination.MessageTTLHours) * time.Hour,
	}, logger)
	statsSvc := statsuc.New(ledger, statsuc.Config{
		DailyLimit:         cfg.Budget.DailyLimit,
		WarningThreshold:   cfg.Budget.WarningThreshold,
		EmergencyThreshold: cfg.Budget.EmergencyThreshold,
	})

	memo, err := cache.New(cache.Config{
		Dir:            cfg.Cache.Dir,
		MemoryCapacity: cfg.Cache.MemoryCapacity,
		MemoryTTL:      time.Duration(cfg.Cache.MemoryTTLSec) * time.Second,
		DiskTTL:        time.Duration(cfg.Cache.DiskTTLSec) * time.Second,
		MaxDiskBytes:   cfg.Cache.MaxDiskBytes,
		SweepInterval:  time.Duration(cfg.Cache.SweepIntervalSec) * time.Second,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to open cache", zap.Error(err))
	}

	// Create chi server
	server := chiTransport.NewServer(cfg.Principal.Name, engine, gate, coordinator, statsSvc, memo, store, logger)

	r := chi.NewRouter()
	r.Use(jsonRecoverer(logger))
	r.Use(chiMiddleware.RequestID)
	r.Use(wideEventMiddleware(logger))
	r.Use(chiTransport.BearerAuthMiddleware(cfg.Auth.APIKeys))
	r.Use(metrics.Middleware())
	server.Routes(r)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	logger.Info("Server stopped gracefully")
}

// jsonRecoverer is a recovery middleware that returns JSON instead of a plain text stacktrace.
func jsonRecoverer(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rvr),
						zap.Stack("stacktrace"),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"code":    "internal_error",
						"message": "internal error",
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// wideEventMiddleware emits a canonical log line per request and propagates X-Request-ID.
func wideEventMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// chi.middleware.RequestID already placed request_id in context
			requestID := chiMiddleware.GetReqID(r.Context())

			if requestID != "" {
				w.Header().Set("X-Request-ID", requestID)
			}

			// Per-request logger with request_id
			reqLogger := logger.With(zap.String("request_id", requestID))
			ctx := logpkg.ContextWithLogger(r.Context(), reqLogger)

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			// Canonical log line — one line per request
			reqLogger.Info("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
				zap.String("ip", r.RemoteAddr),
				zap.Int64("content_length", r.ContentLength),
				zap.String("user_agent", r.UserAgent()),
				zap.Int("response_bytes", ww.BytesWritten()),
			)
		})
	}
}
