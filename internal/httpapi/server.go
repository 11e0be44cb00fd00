// Package httpapi exposes the cart core to UI code: cart reads and
// writes, add-to-cart with stock validation, reconciliation, product
// registration and search, and a websocket stream of cart changes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/storefrontlab/cartsync/internal/cartcore"
)

type ServerConfig struct {
	MaxBodyBytes int64
	// WriteTimeout bounds each websocket event write.
	WriteTimeout time.Duration
}

type Server struct {
	store      *cartcore.Store
	registry   *cartcore.Registry
	reconciler *cartcore.Reconciler
	logger     *zap.Logger
	cfg        ServerConfig
}

func NewServer(store *cartcore.Store, registry *cartcore.Registry, reconciler *cartcore.Reconciler, logger *zap.Logger) *Server {
	return NewServerWithConfig(store, registry, reconciler, logger, ServerConfig{})
}

func NewServerWithConfig(store *cartcore.Store, registry *cartcore.Registry, reconciler *cartcore.Reconciler, logger *zap.Logger, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:      store,
		registry:   registry,
		reconciler: reconciler,
		logger:     logger,
		cfg:        cfg,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	switch {
	case r.URL.Path == "/v1/cart" && r.Method == http.MethodGet:
		s.handleGetCart(w, r)
	case r.URL.Path == "/v1/cart" && r.Method == http.MethodPut:
		s.handlePutCart(w, r)
	case r.URL.Path == "/v1/cart/items" && r.Method == http.MethodPost:
		s.handleAddItem(w, r)
	case strings.HasPrefix(r.URL.Path, "/v1/cart/items/") && r.Method == http.MethodDelete:
		s.handleRemoveItem(w, r)
	case r.URL.Path == "/v1/cart/normalize" && r.Method == http.MethodPost:
		s.handleNormalize(w, r)
	case r.URL.Path == "/v1/cart/revalidate" && r.Method == http.MethodPost:
		s.handleRevalidate(w, r)
	case r.URL.Path == "/v1/cart/events" && r.Method == http.MethodGet:
		s.handleCartEvents(w, r)
	case r.URL.Path == "/v1/products/register" && r.Method == http.MethodPost:
		s.handleRegisterProducts(w, r)
	case r.URL.Path == "/v1/products/search" && r.Method == http.MethodGet:
		s.handleSearch(w, r)
	case r.URL.Path == "/v1/products/deals" && r.Method == http.MethodGet:
		s.handleDeals(w, r)
	case r.URL.Path == "/v1/products" && r.Method == http.MethodGet:
		s.handleListProducts(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	}
}

type cartResponse struct {
	Cart          cartcore.Cart `json:"cart"`
	TotalQuantity int           `json:"totalQuantity"`
}

func (s *Server) handleGetCart(w http.ResponseWriter, r *http.Request) {
	cart := s.store.Get()
	writeJSON(w, http.StatusOK, cartResponse{Cart: cart, TotalQuantity: cart.TotalQuantity()})
}

func (s *Server) handlePutCart(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var cart cartcore.Cart
	if !s.decodeJSONBody(w, r, correlationID, &cart) {
		return
	}
	if err := s.store.Save(cart); err != nil {
		s.logger.Error("cart save failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to persist cart", correlationID)
		return
	}
	saved := s.store.Get()
	writeJSON(w, http.StatusOK, cartResponse{Cart: saved, TotalQuantity: saved.TotalQuantity()})
}

type addItemRequest struct {
	Product  cartcore.Product `json:"product"`
	Quantity int              `json:"quantity"`
}

func (s *Server) handleAddItem(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var req addItemRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if err := s.store.Add(req.Product, req.Quantity); err != nil {
		switch {
		case errors.Is(err, cartcore.ErrInvalidQuantity):
			writeError(w, http.StatusBadRequest, "invalid_quantity", err.Error(), correlationID)
		case errors.Is(err, cartcore.ErrOutOfStock):
			writeError(w, http.StatusConflict, "out_of_stock", err.Error(), correlationID)
		case errors.Is(err, cartcore.ErrInsufficientStock):
			writeError(w, http.StatusConflict, "insufficient_stock", err.Error(), correlationID)
		default:
			s.logger.Error("add to cart failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "storage_error", "failed to persist cart", correlationID)
		}
		return
	}
	cart := s.store.Get()
	writeJSON(w, http.StatusCreated, cartResponse{Cart: cart, TotalQuantity: cart.TotalQuantity()})
}

func (s *Server) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	id := strings.TrimPrefix(r.URL.Path, "/v1/cart/items/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	if err := s.store.Remove(id); err != nil {
		if errors.Is(err, cartcore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "cart line not found", correlationID)
			return
		}
		s.logger.Error("cart line removal failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to persist cart", correlationID)
		return
	}
	cart := s.store.Get()
	writeJSON(w, http.StatusOK, cartResponse{Cart: cart, TotalQuantity: cart.TotalQuantity()})
}

func (s *Server) handleNormalize(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	cart, err := s.store.Normalize()
	if err != nil {
		s.logger.Error("cart normalization failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "storage_error", "failed to normalize cart", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, cartResponse{Cart: cart, TotalQuantity: cart.TotalQuantity()})
}

type revalidateRequest struct {
	TTLSeconds int  `json:"ttlSeconds"`
	Force      bool `json:"force"`
}

func (s *Server) handleRevalidate(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	req := revalidateRequest{}
	if r.ContentLength != 0 {
		if !s.decodeJSONBody(w, r, correlationID, &req) {
			return
		}
	}
	result, err := s.reconciler.Revalidate(r.Context(), cartcore.RevalidateOptions{
		TTL:   time.Duration(req.TTLSeconds) * time.Second,
		Force: req.Force,
	})
	if err != nil {
		if errors.Is(err, cartcore.ErrCatalogUnavailable) {
			writeError(w, http.StatusBadGateway, "catalog_unavailable", err.Error(), correlationID)
			return
		}
		s.logger.Error("cart revalidation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "revalidate_error", "revalidation failed", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRegisterProducts(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	var products []cartcore.Product
	if !s.decodeJSONBody(w, r, correlationID, &products) {
		return
	}
	s.registry.Register(products)
	writeJSON(w, http.StatusOK, map[string]int{"retained": s.registry.Len()})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if strings.TrimSpace(query) == "" {
		writeError(w, http.StatusBadRequest, "missing_query", "query parameter q is required", getCorrelationID(r))
		return
	}
	matches := s.registry.Search(query)
	if matches == nil {
		matches = []cartcore.Product{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": matches})
}

func (s *Server) handleDeals(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer", getCorrelationID(r))
			return
		}
		limit = parsed
	}
	deals := s.registry.Deals(limit)
	if deals == nil {
		deals = []cartcore.Product{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": deals})
}

func (s *Server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	brand := r.URL.Query().Get("brand")
	items := s.registry.ByCategory(category, brand)
	if items == nil {
		items = []cartcore.Product{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type cartEvent struct {
	Type          string        `json:"type"`
	Cart          cartcore.Cart `json:"cart"`
	TotalQuantity int           `json:"totalQuantity"`
}

// handleCartEvents streams a cart-updated event for every persisted
// change for as long as the client stays connected. The current cart is
// sent immediately so clients need no separate initial fetch.
func (s *Server) handleCartEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx := r.Context()
	events := make(chan cartcore.Cart, 8)
	cancel := s.store.Subscribe(func(cart cartcore.Cart) {
		select {
		case events <- cart:
		default:
			// slow consumer, drop; the next event carries full state
		}
	})
	defer cancel()

	writeEvent := func(cart cartcore.Cart) error {
		writeCtx, cancelWrite := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		defer cancelWrite()
		return wsjson.Write(writeCtx, conn, cartEvent{
			Type:          "cart-updated",
			Cart:          cart,
			TotalQuantity: cart.TotalQuantity(),
		})
	}

	if err := writeEvent(s.store.Get()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case cart := <-events:
			if err := writeEvent(cart); err != nil {
				return
			}
		}
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON payload", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
