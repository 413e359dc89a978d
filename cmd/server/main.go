package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/usagegate/usagegate/internal/adapters/generator"
	httpHandlers "github.com/usagegate/usagegate/internal/adapters/http/handlers"
	httpMiddleware "github.com/usagegate/usagegate/internal/adapters/http/middleware"
	memorystorage "github.com/usagegate/usagegate/internal/adapters/storage/memory"
	redisstorage "github.com/usagegate/usagegate/internal/adapters/storage/redis"
	sqlstorage "github.com/usagegate/usagegate/internal/adapters/storage/sql"
	"github.com/usagegate/usagegate/internal/clock"
	"github.com/usagegate/usagegate/internal/config"
	"github.com/usagegate/usagegate/internal/core/ports"
	"github.com/usagegate/usagegate/internal/core/services"
)

type stores struct {
	windows ports.WindowStore
	quotas  ports.QuotaStore
	codes   ports.CodeStore
	grants  ports.GrantStore
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	st, closeFn, err := initStores(cfg.Storage)
	if err != nil {
		log.Fatalf("failed to init storage: %v", err)
	}
	defer closeFn()

	clk := clock.System()

	limiter, err := services.NewRateLimiterService(st.windows, cfg.Gate.ActionRules, clk)
	if err != nil {
		log.Fatalf("failed to create rate limiter: %v", err)
	}

	ledger, err := services.NewQuotaLedgerService(st.quotas, cfg.Gate.PlanLimits, cfg.Gate.DefaultPlan, clk)
	if err != nil {
		log.Fatalf("failed to create quota ledger: %v", err)
	}

	redemption, err := services.NewRedemptionService(st.codes, st.grants, cfg.Gate.CodePattern, clk, logger)
	if err != nil {
		log.Fatalf("failed to create redemption engine: %v", err)
	}

	gen, err := initGenerator(cfg.Generator)
	if err != nil {
		log.Fatalf("failed to init generator: %v", err)
	}

	gate, err := services.NewGateService(limiter, ledger, redemption, gen, cfg.Gate.StoreTimeout, logger)
	if err != nil {
		log.Fatalf("failed to create gate: %v", err)
	}

	handler := httpHandlers.New(gate, logger)
	adminHandler := httpHandlers.NewAdmin(redemption, logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(httpMiddleware.NewSubjectResolver())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/generate", handler.Generate)
		r.Post("/redeem", handler.Redeem)
		r.Get("/usage", handler.Usage)
		r.Get("/features", handler.Features)
	})
	r.Route("/admin", func(r chi.Router) {
		r.Use(httpMiddleware.NewAdminAuth(cfg.Admin.Token))
		r.Post("/codes", adminHandler.CreateCode)
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go runJanitor(ctx, st.quotas, ledger, logger)

	errCh := make(chan error, 1)
	go func() {
		err := srv.ListenAndServe()
		if err != nil {
			errCh <- err
		}
	}()
	logger.Info("listening", "port", cfg.Server.Port, "storage", cfg.Storage.Type)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

func initStores(cfg config.StorageConfig) (stores, func(), error) {
	switch cfg.Type {
	case "redis":
		windows, err := redisstorage.New(redisstorage.Config{
			Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return stores{}, nil, err
		}

		db, err := openDatabase(cfg.Database)
		if err != nil {
			_ = windows.Close()
			return stores{}, nil, err
		}

		relational, err := sqlstorage.New(db, cfg.Database.Driver)
		if err != nil {
			_ = windows.Close()
			_ = db.Close()
			return stores{}, nil, err
		}

		closeFn := func() {
			if err := windows.Close(); err != nil {
				log.Printf("failed to close redis storage: %v", err)
			}
			if err := db.Close(); err != nil {
				log.Printf("failed to close database: %v", err)
			}
		}
		return stores{windows: windows, quotas: relational, codes: relational, grants: relational}, closeFn, nil

	case "memory":
		clk := clock.System()
		return stores{
			windows: memorystorage.NewWindowStore(clk),
			quotas:  memorystorage.NewQuotaStore(clk),
			codes:   memorystorage.NewCodeStore(),
			grants:  memorystorage.NewGrantStore(),
		}, func() {}, nil

	default:
		return stores{}, nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	driver := cfg.Driver
	if driver == "sqlite" {
		driver = "sqlite3"
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return db, nil
}

func initGenerator(cfg config.GeneratorConfig) (ports.Generator, error) {
	if cfg.URL == "" {
		return generator.Echo{}, nil
	}
	return generator.NewHTTP(cfg.URL, cfg.APIKey, cfg.Timeout)
}

// runJanitor periodically drops quota ledgers from superseded periods. Pure
// housekeeping; admission never depends on it.
func runJanitor(ctx context.Context, quotas ports.QuotaStore, ledger *services.QuotaLedgerService, logger *slog.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cleanupCtx, cancel := context.WithTimeout(ctx, time.Minute)
			if err := quotas.DeleteExpired(cleanupCtx, ledger.CurrentPeriod()); err != nil {
				logger.Warn("quota cleanup failed", "error", err)
			}
			cancel()
		}
	}
}
