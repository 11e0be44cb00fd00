package cartcore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var redisIntegrationCounter uint64

func TestRedisIntegrationStateBackendRoundTrip(t *testing.T) {
	dsn := redisIntegrationDSN(t)

	backend, err := NewRedisStateBackend(dsn)
	if err != nil {
		t.Fatalf("new redis state backend: %v", err)
	}
	rb := backend.(*RedisStateBackend)
	rb.key = redisIntegrationName("cartsync:state:it")
	rb.channel = redisIntegrationName("cartsync:state-changed:it")
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rb.client.Del(ctx, rb.key).Err()
		_ = rb.Close()
	})

	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	if snapshot != nil {
		t.Fatalf("expected nil initial snapshot, got %+v", snapshot)
	}

	saved := &persistedState{
		Version:       stateVersion,
		Cart:          Cart{{ID: "sku_1", Name: "Paper Towels", Quantity: 3, Price: 4.49}},
		LastCheckedAt: 1_700_000_000_000,
	}
	if err := backend.Save(saved); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := backend.Load()
	if err != nil {
		t.Fatalf("load after save failed: %v", err)
	}
	if loaded == nil {
		t.Fatalf("expected non-nil snapshot after save")
	}
	if loaded.Version != stateVersion || loaded.LastCheckedAt != 1_700_000_000_000 {
		t.Fatalf("unexpected snapshot metadata: %+v", loaded)
	}
	if len(loaded.Cart) != 1 || loaded.Cart[0].ID != "sku_1" || loaded.Cart[0].Quantity != 3 {
		t.Fatalf("unexpected loaded cart: %+v", loaded.Cart)
	}

	loaded.Cart[0].Quantity = 1
	if err := backend.Save(loaded); err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	reloaded, err := backend.Load()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded == nil || len(reloaded.Cart) != 1 || reloaded.Cart[0].Quantity != 1 {
		t.Fatalf("expected quantity 1 after update, got %+v", reloaded)
	}
}

func TestRedisIntegrationWatchSeesExternalSave(t *testing.T) {
	dsn := redisIntegrationDSN(t)
	key := redisIntegrationName("cartsync:state:watch-it")
	channel := redisIntegrationName("cartsync:state-changed:watch-it")

	watchBackend, err := NewRedisStateBackend(dsn)
	if err != nil {
		t.Fatalf("new redis state backend: %v", err)
	}
	watcher := watchBackend.(*RedisStateBackend)
	watcher.key = key
	watcher.channel = channel

	saveBackend, err := NewRedisStateBackend(dsn)
	if err != nil {
		t.Fatalf("new redis state backend: %v", err)
	}
	saver := saveBackend.(*RedisStateBackend)
	saver.key = key
	saver.channel = channel
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = saver.client.Del(ctx, key).Err()
		_ = watcher.Close()
		_ = saver.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	changes := make(chan struct{}, 4)
	watchErr := make(chan error, 1)
	go func() {
		watchErr <- watcher.Watch(ctx, func() {
			select {
			case changes <- struct{}{}:
			default:
			}
		})
	}()

	// give the subscriber a moment to attach
	time.Sleep(500 * time.Millisecond)

	// a second backend instance plays the part of another process
	state := &persistedState{
		Version: stateVersion,
		Cart:    Cart{{ID: "sku_w", Name: "Notebook", Quantity: 2}},
	}
	if err := saver.Save(state); err != nil {
		t.Fatalf("external save: %v", err)
	}

	select {
	case <-changes:
	case <-ctx.Done():
		t.Fatalf("no change signal observed for external save")
	}

	cancel()
	if err := <-watchErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("watch should end with context cancellation, got %v", err)
	}
}

func redisIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("CARTSYNC_TEST_REDIS_URL"))
	if dsn == "" {
		t.Skip("set CARTSYNC_TEST_REDIS_URL to run Redis integration tests")
	}
	return dsn
}

func redisIntegrationName(prefix string) string {
	n := atomic.AddUint64(&redisIntegrationCounter, 1)
	return fmt.Sprintf("%s:%d:%d", prefix, time.Now().UnixNano(), n)
}
