package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/liamcoop/rulesengine/internal/config"
	"github.com/liamcoop/rulesengine/internal/logger"
	"github.com/liamcoop/rulesengine/multitenantengine"
	"github.com/liamcoop/rulesengine/rules"
	"github.com/liamcoop/rulesengine/workflowstore"
)

// fileTenantID derives a stable tenant id for a workflow directory
func fileTenantID(dir string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+dir)).String()
}

// redisStoreFactory keeps each tenant's workflows under its own key prefix
func redisStoreFactory(client redis.UniversalClient, prefix string) multitenantengine.StoreFactory {
	return func(tenantID string) rules.WorkflowStore {
		return workflowstore.NewRedisStore(client, workflowstore.WithPrefix(prefix+":"+tenantID))
	}
}

// addFileTenant serves the workflows of dir as a read-only tenant
func addFileTenant(ctx context.Context, m *multitenantengine.MultiTenantEngineManager, dir string, watch bool) (stop func(), err error) {
	loader, err := workflowstore.NewFileLoader(dir)
	if err != nil {
		return nil, err
	}
	te, err := m.AddTenant(ctx, fileTenantID(dir), "files", nil, loader)
	if err != nil {
		return nil, err
	}
	logger.Info("file workflows loaded", "tenant", te.TenantID, "dir", dir, "workflows", len(loader.Workflows()))

	if !watch {
		return func() {}, nil
	}
	loader.OnChange(func(wfs []*rules.Workflow) {
		if err := m.Reload(ctx, te.TenantID); err != nil {
			logger.Warn("file workflows reload failed", "dir", dir, "error", err)
			return
		}
		logger.Info("file workflows reloaded", "dir", dir, "workflows", len(wfs))
	})
	return loader.Watch()
}

func run(ctx context.Context, cfg *config.Config) error {
	var db *sql.DB
	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()

		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("failed to ping database: %w", err)
		}
	}

	opts := []multitenantengine.Option{multitenantengine.WithSettings(cfg.EngineSettings())}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()

		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to ping redis: %w", err)
		}
		opts = append(opts, multitenantengine.WithStoreFactory(redisStoreFactory(client, cfg.RedisPrefix)))
	}

	logger.Info("loading tenants", "database", db != nil, "redis", cfg.RedisAddr != "")
	server, err := NewServerWithDB(ctx, db, opts...)
	if err != nil {
		return err
	}

	server.tenantCreated = func(te *multitenantengine.TenantEngine) {
		server.watchWorkflows(ctx, te)
	}
	for _, te := range server.engineManager.ListTenants() {
		server.tenantCreated(te)
	}

	if cfg.WorkflowDir != "" {
		stopWatch, err := addFileTenant(ctx, server.engineManager, cfg.WorkflowDir, cfg.WatchWorkflows)
		if err != nil {
			return fmt.Errorf("failed to load workflows from %s: %w", cfg.WorkflowDir, err)
		}
		defer stopWatch()
	}

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      server,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", httpServer.Addr, "tenants", len(server.engineManager.ListTenants()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", "error", err)
	}

	if err := logger.Setup(context.Background(), cfg.LoggerOptions()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to setup OTEL logging, falling back to JSON: %v\n", err)
		opts := cfg.LoggerOptions()
		opts.OTELEnabled = false
		_ = logger.Setup(context.Background(), opts)
	}
	defer logger.Shutdown(context.Background())

	logger.Info("configuration loaded", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Fatal("server exited", "error", err)
	}
}
