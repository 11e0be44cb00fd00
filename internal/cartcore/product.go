package cartcore

import (
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Product is an authoritative catalog record. The core never mutates
// catalog data; products are snapshotted into cart lines on add.
type Product struct {
	ID            string   `json:"id,omitempty"`
	Name          string   `json:"name"`
	Price         float64  `json:"price"`
	OriginalPrice *float64 `json:"originalPrice,omitempty"`
	Stock         *int     `json:"stock,omitempty"`
	Category      string   `json:"category,omitempty"`
	Subcategory   string   `json:"subcategory,omitempty"`
	Brand         string   `json:"brand,omitempty"`
	Tags          []string `json:"tags,omitempty"`
}

// HasStock reports whether the record carries an explicit stock figure.
// Absence means "unknown/unlimited" and must never be read as zero.
func (p Product) HasStock() bool {
	return p.Stock != nil
}

// DiscountPercent returns the rounded markdown percentage, or 0 when the
// product carries no original price above its current price.
func (p Product) DiscountPercent() int {
	if p.OriginalPrice == nil || *p.OriginalPrice <= p.Price || *p.OriginalPrice <= 0 {
		return 0
	}
	return int((*p.OriginalPrice-p.Price)/(*p.OriginalPrice)*100 + 0.5)
}

// CartLine is one persisted cart row: a product snapshot plus quantity.
// The snapshot keeps the cart self-describing even if the catalog later
// changes or disappears.
type CartLine struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Category string  `json:"category,omitempty"`
	Quantity int     `json:"quantity"`
}

// Cart is the ordered sequence of cart lines.
type Cart []CartLine

// TotalQuantity sums the quantities of all lines (the badge count).
func (c Cart) TotalQuantity() int {
	total := 0
	for _, line := range c {
		total += line.Quantity
	}
	return total
}

// lineKey is the semantic identity of a cart line, separate from its id.
// Two lines sharing a key are the same product and must merge.
func lineKey(name, category string) string {
	return strings.ToLower(strings.TrimSpace(name)) + "|" + strings.ToLower(strings.TrimSpace(category))
}

// NewProductID synthesizes a surrogate id for records that arrive without
// one. Every component that needs an id goes through this single function
// so the format stays uniform across the store, registry and reconciler.
func NewProductID() string {
	return uuid.NewString()
}

// TopDeals returns the products with the highest discount percentage,
// best first, at most limit entries. Products without a markdown are
// excluded.
func TopDeals(products []Product, limit int) []Product {
	if limit <= 0 {
		limit = 5
	}
	deals := make([]Product, 0, len(products))
	for _, p := range products {
		if p.DiscountPercent() > 0 {
			deals = append(deals, p)
		}
	}
	sort.SliceStable(deals, func(i, j int) bool {
		return deals[i].DiscountPercent() > deals[j].DiscountPercent()
	})
	if len(deals) > limit {
		deals = deals[:limit]
	}
	return deals
}
