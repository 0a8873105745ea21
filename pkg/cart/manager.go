// Package cart owns a session's shopping cart: its items, their
// persistence per identity, and checkout against the backend.
package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/example/minimart/pkg/api"
	"github.com/example/minimart/pkg/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrNotAuthenticated    = errors.New("sign in to check out")
	ErrEmptyCart           = errors.New("cart is empty")
	ErrInsufficientBalance = errors.New("insufficient voucher balance")
	ErrCheckoutFailed      = errors.New("checkout failed")
	ErrProductsUnavailable = errors.New("failed to fetch products")
	ErrProductNotFound     = errors.New("product not found")
	ErrInvalidQuantity     = errors.New("quantity must not be negative")
)

// Backend is the part of the REST backend the cart needs.
type Backend interface {
	ListProducts(ctx context.Context) ([]models.Product, error)
	CreateTransaction(ctx context.Context, req models.PurchaseRequest) error
}

// StockError names every cart item whose quantity exceeds live stock, or
// whose product no longer exists.
type StockError struct {
	Items []string
}

func (e *StockError) Error() string {
	return "insufficient stock for: " + strings.Join(e.Items, ", ")
}

// QuantityError rejects a quantity change above the live stock.
type QuantityError struct {
	Name      string
	Requested int
	Available int
}

func (e *QuantityError) Error() string {
	return fmt.Sprintf("only %d of %s in stock, %d requested", e.Available, e.Name, e.Requested)
}

// PurchaseError stops a checkout part way. Lines before the failing one
// stay purchased and the cart is left as it was.
type PurchaseError struct {
	Completed int
	Item      models.CartItem
	Err       error
	cause     error
}

func (e *PurchaseError) Error() string {
	return e.Err.Error()
}

func (e *PurchaseError) Unwrap() []error {
	return []error{e.Err, e.cause}
}

type CheckoutResult struct {
	Items       []models.CartItem `json:"items"`
	TotalItems  int               `json:"totalItems"`
	TotalAmount decimal.Decimal   `json:"totalAmount"`
}

// Manager is the cart of one session. It is bound to the active identity
// and every mutation is written through to the store.
type Manager struct {
	mu       sync.Mutex
	identity string
	items    []models.CartItem

	store   Store
	backend Backend
	logger  *zap.Logger
}

// Open creates a manager for identity ("" for anonymous) and loads its
// persisted cart.
func Open(ctx context.Context, identity string, store Store, backend Backend, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		store:   store,
		backend: backend,
		logger:  logger,
	}
	if err := m.SwitchIdentity(ctx, identity); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) Identity() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// SwitchIdentity replaces the in-memory cart with whatever is stored for
// identity. A stored value that does not parse is dropped silently. When the
// store itself fails the manager keeps its previous identity and items, so
// the switch is retried on the next call.
func (m *Manager) SwitchIdentity(ctx context.Context, identity string) error {
	key := StorageKey(identity)
	data, err := m.store.Load(ctx, key)

	var items []models.CartItem
	switch {
	case errors.Is(err, ErrNoCart):
	case err != nil:
		m.logger.Error("Failed to load cart", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to load cart: %w", err)
	default:
		if err := json.Unmarshal(data, &items); err != nil {
			m.logger.Warn("Discarding unreadable cart", zap.String("key", key), zap.Error(err))
			items = nil
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.identity = identity
	m.items = items
	return nil
}

func (m *Manager) Items() []models.CartItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.CartItem(nil), m.items...)
}

func (m *Manager) TotalItems() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return totalItems(m.items)
}

func (m *Manager) TotalAmount() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return totalAmount(m.items)
}

func totalItems(items []models.CartItem) int {
	n := 0
	for _, item := range items {
		n += item.Quantity
	}
	return n
}

func totalAmount(items []models.CartItem) decimal.Decimal {
	sum := decimal.Zero
	for _, item := range items {
		sum = sum.Add(item.Subtotal())
	}
	return sum
}

// AddToCart increments an existing line or appends a new one built from
// snapshot. Neither stock nor quantity is validated here.
func (m *Manager) AddToCart(ctx context.Context, productID string, quantity int, snapshot models.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	items := m.copyItems()
	if i := m.indexOf(productID); i >= 0 {
		items[i].Quantity += quantity
	} else {
		item := models.NewCartItem(snapshot, quantity)
		item.ProductID = productID
		items = append(items, item)
	}
	return m.commit(ctx, items)
}

func (m *Manager) RemoveFromCart(ctx context.Context, productID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.indexOf(productID)
	if i < 0 {
		return nil
	}
	items := m.copyItems()
	items = append(items[:i], items[i+1:]...)
	return m.commit(ctx, items)
}

// UpdateQuantity overwrites a line's quantity; zero removes the line. The
// caller is expected to have checked stock with ValidateQuantity.
func (m *Manager) UpdateQuantity(ctx context.Context, productID string, quantity int) error {
	if quantity == 0 {
		return m.RemoveFromCart(ctx, productID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	i := m.indexOf(productID)
	if i < 0 {
		return nil
	}
	items := m.copyItems()
	items[i].Quantity = quantity
	return m.commit(ctx, items)
}

// ClearCart empties the cart and deletes the stored entry for the current
// identity.
func (m *Manager) ClearCart(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items = nil
	key := StorageKey(m.identity)
	if err := m.store.Delete(ctx, key); err != nil {
		m.logger.Error("Failed to delete cart", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to delete cart: %w", err)
	}
	return nil
}

// ValidateQuantity checks a requested quantity against a freshly fetched
// product list.
func (m *Manager) ValidateQuantity(ctx context.Context, productID string, quantity int) error {
	products, err := m.backend.ListProducts(ctx)
	if err != nil {
		m.logger.Error("Failed to fetch products", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrProductsUnavailable, err)
	}
	for _, p := range products {
		if p.ProductID != productID {
			continue
		}
		if quantity > p.Quantity {
			return &QuantityError{Name: p.Name, Requested: quantity, Available: p.Quantity}
		}
		return nil
	}
	return ErrProductNotFound
}

// ChangeQuantity is a validated UpdateQuantity. On rejection the cart is
// unchanged.
func (m *Manager) ChangeQuantity(ctx context.Context, productID string, quantity int) error {
	if quantity < 0 {
		return ErrInvalidQuantity
	}
	if quantity > 0 {
		if err := m.ValidateQuantity(ctx, productID, quantity); err != nil {
			return err
		}
	}
	return m.UpdateQuantity(ctx, productID, quantity)
}

// Checkout buys every cart line, one request at a time in cart order.
// Stock is checked for all lines first; any shortfall aborts before a
// single purchase. The first failing purchase stops the loop without
// undoing earlier lines, and the cart is cleared only when all succeed.
func (m *Manager) Checkout(ctx context.Context) (*CheckoutResult, error) {
	m.mu.Lock()
	identity := m.identity
	items := append([]models.CartItem(nil), m.items...)
	m.mu.Unlock()

	if identity == "" {
		return nil, ErrNotAuthenticated
	}
	if len(items) == 0 {
		return nil, ErrEmptyCart
	}

	products, err := m.backend.ListProducts(ctx)
	if err != nil {
		m.logger.Error("Failed to fetch products for checkout", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrProductsUnavailable, err)
	}
	if err := checkStock(items, products); err != nil {
		m.logger.Info("Checkout rejected by stock check",
			zap.String("user_id", identity),
			zap.Strings("items", err.Items))
		return nil, err
	}

	for i, item := range items {
		err := m.backend.CreateTransaction(ctx, models.PurchaseRequest{
			UserID:       identity,
			ProductID:    item.ProductID,
			QtyPurchased: item.Quantity,
		})
		if err == nil {
			continue
		}

		m.logger.Error("Purchase failed",
			zap.String("user_id", identity),
			zap.String("product_id", item.ProductID),
			zap.Int("completed", i),
			zap.Int("remaining", len(items)-i),
			zap.Error(err))

		reason := ErrCheckoutFailed
		if errors.Is(err, api.ErrBusinessRule) {
			reason = ErrInsufficientBalance
		}
		return nil, &PurchaseError{Completed: i, Item: item, Err: reason, cause: err}
	}

	result := &CheckoutResult{
		Items:       items,
		TotalItems:  totalItems(items),
		TotalAmount: totalAmount(items),
	}
	if err := m.ClearCart(ctx); err != nil {
		// Everything is bought; a stale stored cart is the lesser problem.
		m.logger.Warn("Cart not cleared after checkout", zap.Error(err))
	}

	m.logger.Info("Checkout completed",
		zap.String("user_id", identity),
		zap.Int("lines", len(items)),
		zap.String("total", result.TotalAmount.String()))
	return result, nil
}

func checkStock(items []models.CartItem, products []models.Product) *StockError {
	stock := make(map[string]int, len(products))
	for _, p := range products {
		stock[p.ProductID] = p.Quantity
	}

	var failing []string
	for _, item := range items {
		available, ok := stock[item.ProductID]
		if !ok || item.Quantity > available {
			failing = append(failing, item.Name)
		}
	}
	if len(failing) > 0 {
		return &StockError{Items: failing}
	}
	return nil
}

func (m *Manager) indexOf(productID string) int {
	for i, item := range m.items {
		if item.ProductID == productID {
			return i
		}
	}
	return -1
}

func (m *Manager) copyItems() []models.CartItem {
	return append([]models.CartItem(nil), m.items...)
}

// commit saves items and only then makes them the in-memory cart. Must be
// called with m.mu held.
func (m *Manager) commit(ctx context.Context, items []models.CartItem) error {
	key := StorageKey(m.identity)
	stored := items
	if stored == nil {
		stored = []models.CartItem{}
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to encode cart: %w", err)
	}
	if err := m.store.Save(ctx, key, data); err != nil {
		m.logger.Error("Failed to save cart", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to save cart: %w", err)
	}
	m.items = items
	return nil
}
