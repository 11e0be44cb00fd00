// cartsync-revalidate runs one reconciliation pass against a catalog
// and prints the adjustments, for cron jobs and debugging.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/storefrontlab/cartsync/internal/cartcore"
)

func main() {
	_ = godotenv.Load()

	stateDSN := flag.String("state", envOrDefault("CARTSYNC_STATE_DSN", "cartsync-state.json"), "cart state DSN")
	catalogURL := flag.String("catalog-url", envOrDefault("CARTSYNC_CATALOG_URL", "http://127.0.0.1:8081"), "catalog base URL")
	partitionsCSV := flag.String("partitions", envOrDefault("CARTSYNC_PARTITIONS", strings.Join(cartcore.DefaultPartitions, ",")), "comma-separated catalog partitions")
	ttl := flag.Duration("ttl", cartcore.DefaultRevalidateTTL, "revalidation TTL")
	force := flag.Bool("force", false, "ignore the TTL gate")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout")
	flag.Parse()

	backend, err := cartcore.BuildStateBackendFromDSN(*stateDSN)
	if err != nil {
		log.Fatalf("state backend init failed: %v", err)
	}
	store := cartcore.NewStore(cartcore.StoreOptions{Backend: backend, Logger: log.Default()})
	defer func() { _ = store.Close() }()

	catalog := cartcore.NewCatalog(cartcore.NewHTTPCatalogClient(*catalogURL, nil), log.Default())
	reconciler, err := cartcore.NewReconciler(cartcore.ReconcilerOptions{
		Store:      store,
		Catalog:    catalog,
		Partitions: splitCSV(*partitionsCSV),
		TTL:        *ttl,
		Logger:     log.Default(),
	})
	if err != nil {
		log.Fatalf("reconciler init failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	result, err := reconciler.Revalidate(ctx, cartcore.RevalidateOptions{Force: *force})
	if err != nil {
		log.Fatalf("revalidation failed: %v", err)
	}
	switch {
	case result.Skipped:
		fmt.Println("skipped: within TTL")
	case !result.Updated:
		fmt.Println("cart already consistent with catalog")
	default:
		fmt.Printf("applied %d adjustment(s):\n", len(result.Adjustments))
		for _, adj := range result.Adjustments {
			fmt.Printf("  %s: %d -> %d\n", adj.Name, adj.OldQuantity, adj.NewQuantity)
		}
	}
}

func envOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
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
