package cartcore

import (
	"context"
	"fmt"
)

// QuantityNegotiator obtains a quantity for a product, interactively or
// programmatically. ok is false when the user cancelled. The core never
// cares which implementation answered.
type QuantityNegotiator interface {
	Negotiate(ctx context.Context, product Product, defaultQuantity int) (quantity int, ok bool, err error)
}

type NegotiatorFunc func(ctx context.Context, product Product, defaultQuantity int) (int, bool, error)

func (f NegotiatorFunc) Negotiate(ctx context.Context, product Product, defaultQuantity int) (int, bool, error) {
	return f(ctx, product, defaultQuantity)
}

// StaticQuantity always answers with the given quantity. Useful for
// tests and non-interactive callers.
func StaticQuantity(quantity int) QuantityNegotiator {
	return NegotiatorFunc(func(context.Context, Product, int) (int, bool, error) {
		return quantity, true, nil
	})
}

// ValidateQuantity applies the negotiation rules in order: the quantity
// must be a positive integer, and when the product carries an explicit
// stock figure the quantity must not exceed it.
func ValidateQuantity(product Product, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidQuantity, quantity)
	}
	if product.HasStock() && quantity > *product.Stock {
		return fmt.Errorf("%w: requested %d, available %d", ErrInsufficientStock, quantity, *product.Stock)
	}
	return nil
}

// NegotiateAdd runs one negotiation round and hands a validated quantity
// to the store. It returns the added quantity, or ok=false when the
// negotiator cancelled, in which case nothing happens.
func NegotiateAdd(ctx context.Context, negotiator QuantityNegotiator, store *Store, product Product, defaultQuantity int) (int, bool, error) {
	if negotiator == nil || store == nil {
		return 0, false, ErrInvalidInput
	}
	if defaultQuantity <= 0 {
		defaultQuantity = 1
	}
	quantity, ok, err := negotiator.Negotiate(ctx, product, defaultQuantity)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}
	if err := ValidateQuantity(product, quantity); err != nil {
		return 0, false, err
	}
	if err := store.Add(product, quantity); err != nil {
		return 0, false, err
	}
	return quantity, true, nil
}
