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
	"go.uber.org/zap"

	"github.com/storefrontlab/cartsync/internal/cartcore"
	"github.com/storefrontlab/cartsync/internal/httpapi"
)

func main() {
	_ = godotenv.Load()

	logger, err := buildLogger(strings.TrimSpace(os.Getenv("CARTSYNC_APP_ENV")))
	if err != nil {
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	coreLog := zap.NewStdLog(logger)

	addr := envOrDefault("CARTSYNC_ADDR", ":8080")
	stateDSN := envOrDefault("CARTSYNC_STATE_DSN", "cartsync-state.json")
	catalogURL := envOrDefault("CARTSYNC_CATALOG_URL", "http://127.0.0.1:8081")
	partitions := splitCSV(envOrDefault("CARTSYNC_PARTITIONS", strings.Join(cartcore.DefaultPartitions, ",")))
	ttl := durationEnv("CARTSYNC_REVALIDATE_TTL", cartcore.DefaultRevalidateTTL)
	revalidateInterval := durationEnv("CARTSYNC_REVALIDATE_INTERVAL", cartcore.DefaultRevalidateTTL)

	backend, err := cartcore.BuildStateBackendFromDSN(stateDSN)
	if err != nil {
		logger.Fatal("state backend init failed", zap.String("dsn", stateDSN), zap.Error(err))
	}
	store := cartcore.NewStore(cartcore.StoreOptions{Backend: backend, Logger: coreLog})
	defer func() { _ = store.Close() }()

	// fix any legacy carts before serving
	if _, err := store.Normalize(); err != nil {
		logger.Fatal("cart normalization failed", zap.Error(err))
	}

	client := cartcore.NewHTTPCatalogClient(catalogURL, nil)
	catalog := cartcore.NewCatalog(client, coreLog)
	reconciler, err := cartcore.NewReconciler(cartcore.ReconcilerOptions{
		Store:      store,
		Catalog:    catalog,
		Partitions: partitions,
		TTL:        ttl,
		Logger:     coreLog,
	})
	if err != nil {
		logger.Fatal("reconciler init failed", zap.Error(err))
	}

	registry := cartcore.NewRegistry(cartcore.RegistryOptions{
		MaxEntries:  intEnv("CARTSYNC_REGISTRY_MAX", 0),
		SearchLimit: intEnv("CARTSYNC_SEARCH_LIMIT", 0),
	})

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// seed the search registry so disk records win later key collisions
	seedCtx, cancelSeed := context.WithTimeout(rootCtx, 30*time.Second)
	products, partErrs := catalog.LoadPartitions(seedCtx, partitions)
	cancelSeed()
	for _, perr := range partErrs {
		logger.Warn("catalog partition skipped", zap.String("partition", perr.Partition), zap.Error(perr.Err))
	}
	registry.Register(products)
	logger.Info("search registry seeded", zap.Int("products", registry.Len()))

	go func() {
		err := store.WatchBackend(rootCtx)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, cartcore.ErrNotImplemented) {
			logger.Warn("state change watch stopped", zap.Error(err))
		}
	}()

	if revalidateInterval > 0 {
		go func() {
			ticker := time.NewTicker(revalidateInterval)
			defer ticker.Stop()
			for {
				select {
				case <-rootCtx.Done():
					return
				case <-ticker.C:
					result, err := reconciler.Revalidate(rootCtx, cartcore.RevalidateOptions{})
					if err != nil {
						logger.Warn("periodic revalidation failed", zap.Error(err))
						continue
					}
					if result.Updated {
						logger.Info("cart adjusted by revalidation", zap.Int("adjustments", len(result.Adjustments)))
					}
				}
			}
		}()
	}

	server := &http.Server{
		Addr:    addr,
		Handler: httpapi.NewServer(store, registry, reconciler, logger),
	}
	go func() {
		<-rootCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("cartsync listening", zap.String("addr", addr), zap.String("catalog", catalogURL))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func buildLogger(appEnv string) (*zap.Logger, error) {
	if appEnv == "development" || appEnv == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func envOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func durationEnv(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
