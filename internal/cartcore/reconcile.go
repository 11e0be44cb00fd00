package cartcore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultRevalidateTTL is how long a reconciliation pass stays fresh
// before the next one is allowed to touch the network.
const DefaultRevalidateTTL = 10 * time.Minute

var ErrCatalogUnavailable = errors.New("catalog unavailable")

// Adjustment records one correction applied to a cart line. NewQuantity
// of zero means the line was removed.
type Adjustment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	OldQuantity int    `json:"oldQuantity"`
	NewQuantity int    `json:"newQuantity"`
}

type RevalidateOptions struct {
	// TTL overrides the reconciler default for this call only.
	TTL time.Duration
	// Force skips the TTL gate.
	Force bool
}

type RevalidateResult struct {
	Skipped     bool         `json:"skipped,omitempty"`
	Updated     bool         `json:"updated"`
	Adjustments []Adjustment `json:"adjustments"`
}

type ReconcilerOptions struct {
	Store      *Store
	Catalog    *Catalog
	Partitions []string
	TTL        time.Duration
	Clock      func() time.Time
	Logger     Logger
}

// Reconciler compares queued cart lines against freshly fetched
// authoritative stock and corrects the cart: discontinued or
// out-of-stock lines are removed, over-committed lines are clamped.
type Reconciler struct {
	store      *Store
	catalog    *Catalog
	partitions []string
	ttl        time.Duration
	clock      func() time.Time
	logger     Logger
}

func NewReconciler(opts ReconcilerOptions) (*Reconciler, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	if opts.Catalog == nil {
		return nil, fmt.Errorf("%w: catalog is required", ErrInvalidInput)
	}
	partitions := opts.Partitions
	if len(partitions) == 0 {
		partitions = DefaultPartitions
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultRevalidateTTL
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Reconciler{
		store:      opts.Store,
		catalog:    opts.Catalog,
		partitions: partitions,
		ttl:        ttl,
		clock:      clock,
		logger:     opts.Logger,
	}, nil
}

// Revalidate runs one reconciliation pass. Under the TTL and without
// Force it returns skipped without touching network or cart. On total
// catalog failure it returns an error and leaves cart and timestamp
// untouched, so a failed attempt never rate-limits the next one.
func (r *Reconciler) Revalidate(ctx context.Context, opts RevalidateOptions) (RevalidateResult, error) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = r.ttl
	}
	now := r.clock()
	if !opts.Force {
		last := r.store.LastCheckedAt()
		if !last.IsZero() && now.Sub(last) < ttl {
			return RevalidateResult{Skipped: true, Adjustments: []Adjustment{}}, nil
		}
	}

	cart := r.store.Get()
	if len(cart) == 0 {
		if err := r.store.touchLastChecked(now); err != nil {
			return RevalidateResult{}, err
		}
		return RevalidateResult{Adjustments: []Adjustment{}}, nil
	}

	products, partErrs := r.catalog.LoadPartitions(ctx, r.partitions)
	if len(partErrs) == len(r.partitions) && len(partErrs) > 0 {
		return RevalidateResult{}, fmt.Errorf("%w: all %d partitions failed, first: %v",
			ErrCatalogUnavailable, len(partErrs), partErrs[0])
	}

	byID := map[string]Product{}
	byName := map[string]Product{}
	for _, p := range products {
		if p.ID != "" {
			byID[p.ID] = p
		}
		if p.Name != "" {
			byName[strings.ToLower(p.Name)] = p
		}
	}

	changed := false
	adjustments := []Adjustment{}
	next := make(Cart, 0, len(cart))
	for _, line := range cart {
		product, found := byID[line.ID]
		if !found && line.Name != "" {
			// lines added before ids were universal resolve by name
			product, found = byName[strings.ToLower(line.Name)]
		}
		if !found {
			adjustments = append(adjustments, Adjustment{ID: line.ID, Name: line.Name, OldQuantity: line.Quantity})
			changed = true
			continue
		}
		if !product.HasStock() {
			// no stock figure means unconstrained, never zero
			next = append(next, line)
			continue
		}
		available := *product.Stock
		if available <= 0 {
			adjustments = append(adjustments, Adjustment{ID: line.ID, Name: line.Name, OldQuantity: line.Quantity})
			changed = true
			continue
		}
		if line.Quantity > available {
			adjustments = append(adjustments, Adjustment{
				ID:          line.ID,
				Name:        line.Name,
				OldQuantity: line.Quantity,
				NewQuantity: available,
			})
			line.Quantity = available
			changed = true
		}
		next = append(next, line)
	}

	if changed {
		if err := r.store.applyReconciliation(next, now); err != nil {
			return RevalidateResult{}, err
		}
	} else {
		if err := r.store.touchLastChecked(now); err != nil {
			return RevalidateResult{}, err
		}
	}
	if changed && r.logger != nil {
		r.logger.Printf("cart reconciled: %d adjustment(s)", len(adjustments))
	}
	return RevalidateResult{Updated: changed, Adjustments: adjustments}, nil
}
