package cartcore

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeCatalogClient struct {
	partitions map[string][]Product
	errs       map[string]error
	fetches    int
}

func (c *fakeCatalogClient) FetchPartition(_ context.Context, name string) ([]Product, error) {
	c.fetches++
	if err, ok := c.errs[name]; ok {
		return nil, err
	}
	return c.partitions[name], nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestReconciler(t *testing.T, store *Store, client *fakeCatalogClient, partitions []string, clock *fakeClock) *Reconciler {
	t.Helper()
	r, err := NewReconciler(ReconcilerOptions{
		Store:      store,
		Catalog:    NewCatalog(client, nil),
		Partitions: partitions,
		Clock:      clock.Now,
	})
	if err != nil {
		t.Fatalf("reconciler: %v", err)
	}
	return r
}

func TestRevalidateClampsToAvailableStock(t *testing.T) {
	store := newTestStore(&countingBackend{snapshot: &persistedState{
		Version: stateVersion,
		Cart:    Cart{{ID: "a", Name: "Widget", Category: "food", Quantity: 3}},
	}})
	client := &fakeCatalogClient{partitions: map[string][]Product{
		"food": {{ID: "a", Name: "Widget", Category: "food", Stock: intPtr(1)}},
	}}
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	r := newTestReconciler(t, store, client, []string{"food"}, clock)

	result, err := r.Revalidate(context.Background(), RevalidateOptions{Force: true})
	if err != nil {
		t.Fatalf("revalidate: %v", err)
	}
	if !result.Updated {
		t.Fatalf("expected updated result")
	}
	if len(result.Adjustments) != 1 {
		t.Fatalf("expected one adjustment, got %+v", result.Adjustments)
	}
	adj := result.Adjustments[0]
	if adj.ID != "a" || adj.OldQuantity != 3 || adj.NewQuantity != 1 {
		t.Fatalf("unexpected adjustment: %+v", adj)
	}
	cart := store.Get()
	if len(cart) != 1 || cart[0].Quantity != 1 {
		t.Fatalf("cart not clamped: %+v", cart)
	}
}

func TestRevalidateRemovesZeroStockAndMissing(t *testing.T) {
	store := newTestStore(&countingBackend{snapshot: &persistedState{
		Version: stateVersion,
		Cart: Cart{
			{ID: "a", Name: "Widget", Quantity: 2},
			{ID: "b", Name: "Gadget", Quantity: 4},
			{ID: "c", Name: "Sprocket", Quantity: 1},
		},
	}})
	client := &fakeCatalogClient{partitions: map[string][]Product{
		"food": {
			{ID: "a", Name: "Widget", Stock: intPtr(0)},
			{ID: "c", Name: "Sprocket", Stock: intPtr(10)},
		},
	}}
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	r := newTestReconciler(t, store, client, []string{"food"}, clock)

	result, err := r.Revalidate(context.Background(), RevalidateOptions{Force: true})
	if err != nil {
		t.Fatalf("revalidate: %v", err)
	}
	if len(result.Adjustments) != 2 {
		t.Fatalf("expected two adjustments, got %+v", result.Adjustments)
	}
	for _, adj := range result.Adjustments {
		if adj.NewQuantity != 0 {
			t.Fatalf("expected removal adjustment, got %+v", adj)
		}
	}
	cart := store.Get()
	if len(cart) != 1 || cart[0].ID != "c" {
		t.Fatalf("expected only the in-stock line to survive: %+v", cart)
	}
}

func TestRevalidateResolvesByNameFallback(t *testing.T) {
	store := newTestStore(&countingBackend{snapshot: &persistedState{
		Version: stateVersion,
		Cart:    Cart{{ID: "legacy-local-id", Name: "Widget", Quantity: 8}},
	}})
	client := &fakeCatalogClient{partitions: map[string][]Product{
		"food": {{ID: "real-id", Name: "widget", Stock: intPtr(5)}},
	}}
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	r := newTestReconciler(t, store, client, []string{"food"}, clock)

	result, err := r.Revalidate(context.Background(), RevalidateOptions{Force: true})
	if err != nil {
		t.Fatalf("revalidate: %v", err)
	}
	if !result.Updated || len(result.Adjustments) != 1 || result.Adjustments[0].NewQuantity != 5 {
		t.Fatalf("name fallback did not clamp: %+v", result)
	}
}

func TestRevalidateLeavesUnknownStockAlone(t *testing.T) {
	store := newTestStore(&countingBackend{snapshot: &persistedState{
		Version: stateVersion,
		Cart:    Cart{{ID: "a", Name: "Widget", Quantity: 50}},
	}})
	client := &fakeCatalogClient{partitions: map[string][]Product{
		"food": {{ID: "a", Name: "Widget"}},
	}}
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	r := newTestReconciler(t, store, client, []string{"food"}, clock)

	result, err := r.Revalidate(context.Background(), RevalidateOptions{Force: true})
	if err != nil {
		t.Fatalf("revalidate: %v", err)
	}
	if result.Updated || len(result.Adjustments) != 0 {
		t.Fatalf("missing stock figure must not constrain: %+v", result)
	}
	if cart := store.Get(); cart[0].Quantity != 50 {
		t.Fatalf("line mutated: %+v", cart)
	}
}

func TestRevalidateTTLGate(t *testing.T) {
	store := newTestStore(&countingBackend{snapshot: &persistedState{
		Version: stateVersion,
		Cart:    Cart{{ID: "a", Name: "Widget", Quantity: 1}},
	}})
	client := &fakeCatalogClient{partitions: map[string][]Product{
		"food": {{ID: "a", Name: "Widget", Stock: intPtr(9)}},
	}}
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	r := newTestReconciler(t, store, client, []string{"food"}, clock)

	if _, err := r.Revalidate(context.Background(), RevalidateOptions{}); err != nil {
		t.Fatalf("first revalidate: %v", err)
	}
	fetchesAfterFirst := client.fetches
	if fetchesAfterFirst == 0 {
		t.Fatalf("first pass must hit the catalog")
	}

	clock.Advance(time.Minute)
	result, err := r.Revalidate(context.Background(), RevalidateOptions{})
	if err != nil {
		t.Fatalf("second revalidate: %v", err)
	}
	if !result.Skipped {
		t.Fatalf("expected skip within TTL, got %+v", result)
	}
	if client.fetches != fetchesAfterFirst {
		t.Fatalf("skipped pass must not fetch, %d -> %d", fetchesAfterFirst, client.fetches)
	}

	// force breaks through the gate
	forced, err := r.Revalidate(context.Background(), RevalidateOptions{Force: true})
	if err != nil {
		t.Fatalf("forced revalidate: %v", err)
	}
	if forced.Skipped {
		t.Fatalf("forced pass must not skip")
	}

	// past the TTL the gate reopens
	clock.Advance(DefaultRevalidateTTL)
	afterTTL, err := r.Revalidate(context.Background(), RevalidateOptions{})
	if err != nil {
		t.Fatalf("post-TTL revalidate: %v", err)
	}
	if afterTTL.Skipped {
		t.Fatalf("pass after TTL expiry must run")
	}
}

func TestRevalidateEmptyCartMarksTimestamp(t *testing.T) {
	store := newTestStore(&countingBackend{})
	client := &fakeCatalogClient{}
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	r := newTestReconciler(t, store, client, []string{"food"}, clock)

	result, err := r.Revalidate(context.Background(), RevalidateOptions{})
	if err != nil {
		t.Fatalf("revalidate: %v", err)
	}
	if result.Updated || result.Skipped {
		t.Fatalf("empty cart pass should be a clean no-op: %+v", result)
	}
	if client.fetches != 0 {
		t.Fatalf("empty cart must not fetch the catalog")
	}
	if store.LastCheckedAt().IsZero() {
		t.Fatalf("timestamp must advance on a no-op pass")
	}
}

func TestRevalidateTotalFailureLeavesStateUntouched(t *testing.T) {
	store := newTestStore(&countingBackend{snapshot: &persistedState{
		Version: stateVersion,
		Cart:    Cart{{ID: "a", Name: "Widget", Quantity: 3}},
	}})
	client := &fakeCatalogClient{errs: map[string]error{
		"food": errors.New("connection refused"),
		"bbq":  errors.New("connection refused"),
	}}
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	r := newTestReconciler(t, store, client, []string{"food", "bbq"}, clock)

	_, err := r.Revalidate(context.Background(), RevalidateOptions{Force: true})
	if !errors.Is(err, ErrCatalogUnavailable) {
		t.Fatalf("expected ErrCatalogUnavailable, got %v", err)
	}
	if !store.LastCheckedAt().IsZero() {
		t.Fatalf("failed pass must not advance the timestamp")
	}
	if cart := store.Get(); len(cart) != 1 || cart[0].Quantity != 3 {
		t.Fatalf("failed pass must not mutate the cart: %+v", cart)
	}
}

func TestRevalidateToleratesPartialCatalogFailure(t *testing.T) {
	store := newTestStore(&countingBackend{snapshot: &persistedState{
		Version: stateVersion,
		Cart:    Cart{{ID: "a", Name: "Widget", Quantity: 10}},
	}})
	client := &fakeCatalogClient{
		partitions: map[string][]Product{
			"food": {{ID: "a", Name: "Widget", Stock: intPtr(4)}},
		},
		errs: map[string]error{"bbq": errors.New("boom")},
	}
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	r := newTestReconciler(t, store, client, []string{"food", "bbq"}, clock)

	result, err := r.Revalidate(context.Background(), RevalidateOptions{Force: true})
	if err != nil {
		t.Fatalf("partial failure must not abort: %v", err)
	}
	if !result.Updated || result.Adjustments[0].NewQuantity != 4 {
		t.Fatalf("expected clamp from surviving partition: %+v", result)
	}
}
