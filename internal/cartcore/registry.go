package cartcore

import (
	"strings"
	"sync"
)

const (
	// DefaultRegistryMax caps retained records; oldest entries are
	// evicted first once the cap is exceeded.
	DefaultRegistryMax = 500
	// DefaultSearchLimit bounds consumer-facing result lists.
	DefaultSearchLimit = 40
)

type RegistryOptions struct {
	MaxEntries  int
	SearchLimit int
	GenerateID  func() string
}

// Registry is a size-bounded, deduplicated index of product records used
// for search. Disk-sourced records are registered first by the caller,
// so they win key collisions against runtime registrations.
type Registry struct {
	mu          sync.RWMutex
	entries     []Product
	keys        map[string]struct{}
	maxEntries  int
	searchLimit int
	genID       func() string
}

func NewRegistry(opts RegistryOptions) *Registry {
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultRegistryMax
	}
	searchLimit := opts.SearchLimit
	if searchLimit <= 0 {
		searchLimit = DefaultSearchLimit
	}
	genID := opts.GenerateID
	if genID == nil {
		genID = NewProductID
	}
	return &Registry{
		keys:        map[string]struct{}{},
		maxEntries:  maxEntries,
		searchLimit: searchLimit,
		genID:       genID,
	}
}

func dedupKey(p Product) string {
	if p.ID != "" {
		return "id:" + p.ID
	}
	return "name:" + strings.ToLower(p.Name)
}

// Register merges incoming records, first registration wins. Records
// lacking an id receive a synthesized one before the key is computed.
func (r *Registry) Register(products []Product) {
	if len(products) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range products {
		if p.Name == "" && p.ID == "" {
			continue
		}
		if p.ID == "" {
			p.ID = r.genID()
		}
		key := dedupKey(p)
		if _, ok := r.keys[key]; ok {
			continue
		}
		r.keys[key] = struct{}{}
		r.entries = append(r.entries, p)
	}
	if len(r.entries) > r.maxEntries {
		evicted := r.entries[:len(r.entries)-r.maxEntries]
		r.entries = r.entries[len(r.entries)-r.maxEntries:]
		for _, p := range evicted {
			delete(r.keys, dedupKey(p))
		}
	}
}

// Snapshot returns all currently retained products.
func (r *Registry) Snapshot() []Product {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Product, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Search matches the query case-insensitively against name, brand and
// tags, returning at most the configured result limit.
func (r *Registry) Search(query string) []Product {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matches []Product
	for _, p := range r.entries {
		hay := strings.ToLower(p.Name + " " + p.Brand + " " + strings.Join(p.Tags, " "))
		if !strings.Contains(hay, q) {
			continue
		}
		matches = append(matches, p)
		if len(matches) >= r.searchLimit {
			break
		}
	}
	return matches
}

// ByCategory returns retained products in the given category, optionally
// narrowed to one brand. An empty category means all categories.
func (r *Registry) ByCategory(category, brand string) []Product {
	category = strings.ToLower(strings.TrimSpace(category))
	brand = strings.ToLower(strings.TrimSpace(brand))
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matches []Product
	for _, p := range r.entries {
		if category != "" && category != "all" && strings.ToLower(p.Category) != category {
			continue
		}
		if brand != "" && strings.ToLower(p.Brand) != brand {
			continue
		}
		matches = append(matches, p)
	}
	return matches
}

// Deals returns the retained products with the deepest markdowns.
func (r *Registry) Deals(limit int) []Product {
	return TopDeals(r.Snapshot(), limit)
}
