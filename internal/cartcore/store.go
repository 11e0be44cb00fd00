package cartcore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrInvalidQuantity   = errors.New("invalid quantity")
	ErrOutOfStock        = errors.New("out of stock")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("not found")
	ErrNotImplemented    = errors.New("not implemented")
)

// Logger is the minimal logging surface the core depends on. A
// *log.Logger satisfies it, as does zap via zap.NewStdLog.
type Logger interface {
	Printf(format string, args ...any)
}

type StoreOptions struct {
	Backend    StateBackend
	GenerateID func() string
	Logger     Logger
}

// Store owns the persisted cart and its merge/normalize invariants.
// Storage and id generation are injected so tests can substitute
// in-memory fakes. Reconciliation timestamps come from the caller, so
// the store itself needs no clock.
type Store struct {
	mu      sync.Mutex
	backend StateBackend
	genID   func() string
	logger  Logger

	listenerMu sync.Mutex
	listeners  map[int]func(Cart)
	nextToken  int
}

func NewStore(opts StoreOptions) *Store {
	backend := opts.Backend
	if backend == nil {
		backend = NewInMemoryStateBackend()
	}
	genID := opts.GenerateID
	if genID == nil {
		genID = NewProductID
	}
	return &Store{
		backend:   backend,
		genID:     genID,
		logger:    opts.Logger,
		listeners: map[int]func(Cart){},
	}
}

// Subscribe registers a listener invoked after every successful persisted
// change, with the cart as written. The returned function cancels the
// subscription.
func (s *Store) Subscribe(listener func(Cart)) (cancel func()) {
	if listener == nil {
		return func() {}
	}
	s.listenerMu.Lock()
	token := s.nextToken
	s.nextToken++
	s.listeners[token] = listener
	s.listenerMu.Unlock()
	return func() {
		s.listenerMu.Lock()
		delete(s.listeners, token)
		s.listenerMu.Unlock()
	}
}

func (s *Store) notify(cart Cart) {
	s.listenerMu.Lock()
	listeners := make([]func(Cart), 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.listenerMu.Unlock()
	for _, listener := range listeners {
		listener(cloneCart(cart))
	}
}

// loadState reads the persisted snapshot, treating corruption or a read
// failure as an empty state. A broken cart must never take the page down.
func (s *Store) loadState() persistedState {
	snapshot, err := s.backend.Load()
	if err != nil {
		s.logf("cart state unreadable, starting empty: %v", err)
		return persistedState{Version: stateVersion}
	}
	if snapshot == nil {
		return persistedState{Version: stateVersion}
	}
	state := *snapshot
	if state.Version == 0 {
		state.Version = stateVersion
	}
	return state
}

func (s *Store) saveState(state persistedState) error {
	state.Version = stateVersion
	state.Cart = dropEmptyLines(state.Cart)
	return s.backend.Save(&state)
}

// Get returns the persisted cart. Corrupt storage reads as an empty
// cart; Get never fails.
func (s *Store) Get() Cart {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneCart(s.loadState().Cart)
}

// Save persists the given cart and emits the change notification. Lines
// with a non-positive quantity are dropped, never stored at zero.
func (s *Store) Save(cart Cart) error {
	s.mu.Lock()
	state := s.loadState()
	state.Cart = dropEmptyLines(cloneCart(cart))
	err := s.saveState(state)
	saved := state.Cart
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("save cart: %w", err)
	}
	s.notify(saved)
	return nil
}

// Normalize assigns ids to lines lacking one and merges duplicate lines
// (same name and category, case-insensitive) by summing quantities. The
// result is written back only when it differs from the persisted state,
// so a second call in a row is a no-op with no notification.
func (s *Store) Normalize() (Cart, error) {
	s.mu.Lock()
	state := s.loadState()
	merged := mergeLines(state.Cart, s.genID)
	if cartsEqual(state.Cart, merged) {
		s.mu.Unlock()
		return merged, nil
	}
	state.Cart = merged
	err := s.saveState(state)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("normalize cart: %w", err)
	}
	s.notify(merged)
	return cloneCart(merged), nil
}

// Add validates quantity against the product's known stock and either
// increments the existing line for the product id or appends a new line
// snapshotting id, name, price and category. Validation failures leave
// the store untouched.
func (s *Store) Add(product Product, quantity int) error {
	if quantity <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidQuantity, quantity)
	}
	if product.HasStock() && *product.Stock <= 0 {
		return fmt.Errorf("%w: %s", ErrOutOfStock, product.Name)
	}
	if product.HasStock() && quantity > *product.Stock {
		return fmt.Errorf("%w: requested %d, available %d", ErrInsufficientStock, quantity, *product.Stock)
	}
	id := product.ID
	if id == "" {
		id = s.genID()
	}

	s.mu.Lock()
	state := s.loadState()
	found := false
	for i := range state.Cart {
		if state.Cart[i].ID == id {
			state.Cart[i].Quantity += quantity
			found = true
			break
		}
	}
	if !found {
		state.Cart = append(state.Cart, CartLine{
			ID:       id,
			Name:     product.Name,
			Price:    product.Price,
			Category: product.Category,
			Quantity: quantity,
		})
	}
	err := s.saveState(state)
	saved := state.Cart
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("add to cart: %w", err)
	}
	s.notify(saved)
	return nil
}

// Remove deletes the line with the given id.
func (s *Store) Remove(id string) error {
	if id == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	state := s.loadState()
	kept := make(Cart, 0, len(state.Cart))
	for _, line := range state.Cart {
		if line.ID == id {
			continue
		}
		kept = append(kept, line)
	}
	if len(kept) == len(state.Cart) {
		s.mu.Unlock()
		return fmt.Errorf("%w: cart line %s", ErrNotFound, id)
	}
	state.Cart = kept
	err := s.saveState(state)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("remove cart line: %w", err)
	}
	s.notify(kept)
	return nil
}

// LastCheckedAt returns the time of the last successful reconciliation
// pass, or the zero time when none has run.
func (s *Store) LastCheckedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.loadState()
	if state.LastCheckedAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(state.LastCheckedAt)
}

// touchLastChecked records a reconciliation pass that changed nothing.
func (s *Store) touchLastChecked(now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.loadState()
	state.LastCheckedAt = now.UnixMilli()
	return s.saveState(state)
}

// applyReconciliation persists a reconciled cart and the pass timestamp
// in one write, then emits the normal change notification.
func (s *Store) applyReconciliation(cart Cart, now time.Time) error {
	s.mu.Lock()
	state := s.loadState()
	state.Cart = dropEmptyLines(cloneCart(cart))
	state.LastCheckedAt = now.UnixMilli()
	err := s.saveState(state)
	saved := state.Cart
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify(saved)
	return nil
}

// WatchBackend blocks relaying the backend's cross-context change signal
// into this store's subscriptions, so a save in another process reaches
// local listeners. Backends without a watch capability return
// ErrNotImplemented.
func (s *Store) WatchBackend(ctx context.Context) error {
	watcher, ok := s.backend.(StateWatcher)
	if !ok {
		return fmt.Errorf("%w: backend has no change signal", ErrNotImplemented)
	}
	return watcher.Watch(ctx, func() {
		s.notify(s.Get())
	})
}

// Close releases backend resources when the backend holds any.
func (s *Store) Close() error {
	if closer, ok := s.backend.(stateBackendCloser); ok {
		return closer.Close()
	}
	return nil
}

func (s *Store) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func mergeLines(cart Cart, genID func() string) Cart {
	merged := make(Cart, 0, len(cart))
	index := map[string]int{}
	for _, line := range cart {
		if line.ID == "" {
			line.ID = genID()
		}
		key := lineKey(line.Name, line.Category)
		if i, ok := index[key]; ok {
			merged[i].Quantity += line.Quantity
			continue
		}
		index[key] = len(merged)
		merged = append(merged, line)
	}
	return dropEmptyLines(merged)
}

func dropEmptyLines(cart Cart) Cart {
	kept := make(Cart, 0, len(cart))
	for _, line := range cart {
		if line.Quantity <= 0 {
			continue
		}
		kept = append(kept, line)
	}
	return kept
}

func cartsEqual(a, b Cart) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func cloneCart(cart Cart) Cart {
	clone := make(Cart, len(cart))
	copy(clone, cart)
	return clone
}
