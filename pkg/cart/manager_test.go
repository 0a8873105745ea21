package cart

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/example/minimart/pkg/api"
	"github.com/example/minimart/pkg/backend"
	"github.com/example/minimart/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// purchaseSpy sits in front of the reference backend and records every
// POST /transactions. Requests for failProduct are answered with failStatus.
type purchaseSpy struct {
	next http.Handler

	mu          sync.Mutex
	purchases   []models.PurchaseRequest
	failProduct string
	failStatus  int
}

func (s *purchaseSpy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost && r.URL.Path == "/transactions" {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))

		var req models.PurchaseRequest
		_ = json.Unmarshal(body, &req)

		s.mu.Lock()
		s.purchases = append(s.purchases, req)
		fail := req.ProductID == s.failProduct
		s.mu.Unlock()

		if fail {
			w.WriteHeader(s.failStatus)
			return
		}
	}
	s.next.ServeHTTP(w, r)
}

func (s *purchaseSpy) requests() []models.PurchaseRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.PurchaseRequest(nil), s.purchases...)
}

type harness struct {
	ctx     context.Context
	backend *backend.MemoryStore
	spy     *purchaseSpy
	client  *api.Client
	store   *MemoryStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := backend.NewMemoryStore()
	st.AddProduct(product("P1", "Product 1", 10, 5))
	st.AddProduct(product("P2", "Product 2", 5, 5))
	st.AddProduct(product("P3", "Product 3", 1, 5))
	st.AddUser(models.User{UserID: "alice", Name: "Alice", VoucherBal: decimal.NewFromInt(100)})
	st.AddUser(models.User{UserID: "bob", Name: "Bob", VoucherBal: decimal.NewFromInt(100)})

	spy := &purchaseSpy{next: backend.NewServer(st, zap.NewNop()).Handler()}
	srv := httptest.NewServer(spy)
	t.Cleanup(srv.Close)

	return &harness{
		ctx:     context.Background(),
		backend: st,
		spy:     spy,
		client:  api.NewClient(srv.URL, time.Second, zap.NewNop()),
		store:   NewMemoryStore(),
	}
}

func (h *harness) open(t *testing.T, identity string) *Manager {
	t.Helper()
	m, err := Open(h.ctx, identity, h.store, h.client, zap.NewNop())
	require.NoError(t, err)
	return m
}

func product(id, name string, price int64, qty int) models.Product {
	return models.Product{ProductID: id, Name: name, Price: decimal.NewFromInt(price), Quantity: qty}
}

func (h *harness) add(t *testing.T, m *Manager, id string, qty int) {
	t.Helper()
	p, err := h.backend.GetProduct(h.ctx, id)
	require.NoError(t, err)
	require.NoError(t, m.AddToCart(h.ctx, id, qty, *p))
}

func productIDs(items []models.CartItem) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ProductID
	}
	return ids
}

func TestAddToCartMergesAndTotals(t *testing.T) {
	h := newHarness(t)
	m := h.open(t, "alice")

	h.add(t, m, "P1", 2)
	h.add(t, m, "P2", 1)
	h.add(t, m, "P1", 1)

	items := m.Items()
	require.Len(t, items, 2)
	assert.Equal(t, []string{"P1", "P2"}, productIDs(items))
	assert.Equal(t, 3, items[0].Quantity)
	assert.Equal(t, 4, m.TotalItems())
	assert.Equal(t, "35", m.TotalAmount().String())
}

func TestCartPersistenceRoundTrip(t *testing.T) {
	h := newHarness(t)
	m := h.open(t, "alice")
	h.add(t, m, "P2", 3)
	h.add(t, m, "P1", 2)

	reloaded := h.open(t, "alice")
	got := reloaded.Items()
	want := m.Items()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ProductID, got[i].ProductID)
		assert.Equal(t, want[i].Quantity, got[i].Quantity)
		assert.True(t, want[i].Price.Equal(got[i].Price))
	}

	_, err := h.store.Load(h.ctx, "cart-alice")
	assert.NoError(t, err)
}

func TestUpdateQuantityZeroRemoves(t *testing.T) {
	h := newHarness(t)
	m := h.open(t, "alice")
	h.add(t, m, "P1", 2)
	h.add(t, m, "P2", 1)

	require.NoError(t, m.UpdateQuantity(h.ctx, "P1", 0))
	assert.Equal(t, []string{"P2"}, productIDs(m.Items()))

	require.NoError(t, m.UpdateQuantity(h.ctx, "P2", 4))
	assert.Equal(t, 4, m.Items()[0].Quantity)

	require.NoError(t, m.RemoveFromCart(h.ctx, "missing"))
	assert.Len(t, m.Items(), 1)
}

func TestIdentitySwitchIsolation(t *testing.T) {
	h := newHarness(t)
	m := h.open(t, "alice")
	h.add(t, m, "P1", 1)

	require.NoError(t, m.SwitchIdentity(h.ctx, "bob"))
	assert.Empty(t, m.Items())
	h.add(t, m, "P2", 2)

	require.NoError(t, m.SwitchIdentity(h.ctx, "alice"))
	assert.Equal(t, []string{"P1"}, productIDs(m.Items()))

	require.NoError(t, m.SwitchIdentity(h.ctx, "bob"))
	assert.Equal(t, []string{"P2"}, productIDs(m.Items()))
}

func TestAnonymousCartKey(t *testing.T) {
	h := newHarness(t)
	m := h.open(t, "")
	h.add(t, m, "P3", 1)

	_, err := h.store.Load(h.ctx, "anonymous-cart")
	require.NoError(t, err)

	require.NoError(t, m.SwitchIdentity(h.ctx, "alice"))
	assert.Empty(t, m.Items())
	assert.Equal(t, "alice", m.Identity())
}

func TestCorruptStoredCartIsDiscarded(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Save(h.ctx, "cart-alice", []byte("{not json")))

	m := h.open(t, "alice")
	assert.Empty(t, m.Items())
}

// faultyStore fails the next failLoads loads and failSaves saves.
type faultyStore struct {
	*MemoryStore
	failLoads int
	failSaves int
}

var errConnReset = errors.New("redis: connection reset")

func (s *faultyStore) Load(ctx context.Context, key string) ([]byte, error) {
	if s.failLoads > 0 {
		s.failLoads--
		return nil, errConnReset
	}
	return s.MemoryStore.Load(ctx, key)
}

func (s *faultyStore) Save(ctx context.Context, key string, data []byte) error {
	if s.failSaves > 0 {
		s.failSaves--
		return errConnReset
	}
	return s.MemoryStore.Save(ctx, key, data)
}

func storedIDs(t *testing.T, store Store, key string) []string {
	t.Helper()
	data, err := store.Load(context.Background(), key)
	require.NoError(t, err)
	var items []models.CartItem
	require.NoError(t, json.Unmarshal(data, &items))
	return productIDs(items)
}

func TestFailedSwitchKeepsPreviousIdentity(t *testing.T) {
	h := newHarness(t)
	bob := h.open(t, "bob")
	h.add(t, bob, "P1", 3)

	store := &faultyStore{MemoryStore: h.store}
	m, err := Open(h.ctx, "alice", store, h.client, zap.NewNop())
	require.NoError(t, err)

	store.failLoads = 1
	err = m.SwitchIdentity(h.ctx, "bob")
	assert.ErrorIs(t, err, errConnReset)
	assert.Equal(t, "alice", m.Identity())

	h.add(t, m, "P2", 1)
	assert.Equal(t, []string{"P1"}, storedIDs(t, h.store, "cart-bob"))
	assert.Equal(t, []string{"P2"}, storedIDs(t, h.store, "cart-alice"))

	require.NoError(t, m.SwitchIdentity(h.ctx, "bob"))
	assert.Equal(t, "bob", m.Identity())
	require.Len(t, m.Items(), 1)
	assert.Equal(t, 3, m.Items()[0].Quantity)
}

func TestFailedSaveLeavesCartUnchanged(t *testing.T) {
	h := newHarness(t)
	store := &faultyStore{MemoryStore: h.store}
	m, err := Open(h.ctx, "alice", store, h.client, zap.NewNop())
	require.NoError(t, err)
	h.add(t, m, "P1", 1)
	h.add(t, m, "P2", 1)

	p3, err := h.backend.GetProduct(h.ctx, "P3")
	require.NoError(t, err)
	store.failSaves = 1
	assert.ErrorIs(t, m.AddToCart(h.ctx, "P3", 1, *p3), errConnReset)
	assert.Equal(t, []string{"P1", "P2"}, productIDs(m.Items()))

	store.failSaves = 1
	assert.ErrorIs(t, m.UpdateQuantity(h.ctx, "P1", 4), errConnReset)
	assert.Equal(t, 1, m.Items()[0].Quantity)

	store.failSaves = 1
	assert.ErrorIs(t, m.RemoveFromCart(h.ctx, "P1"), errConnReset)
	assert.Equal(t, []string{"P1", "P2"}, productIDs(m.Items()))
	assert.Equal(t, 2, m.TotalItems())
	assert.Equal(t, []string{"P1", "P2"}, storedIDs(t, h.store, "cart-alice"))
}

func TestClearCartDeletesStoredEntry(t *testing.T) {
	h := newHarness(t)
	m := h.open(t, "alice")
	h.add(t, m, "P1", 1)

	require.NoError(t, m.ClearCart(h.ctx))
	assert.Empty(t, m.Items())
	_, err := h.store.Load(h.ctx, "cart-alice")
	assert.ErrorIs(t, err, ErrNoCart)
}

func TestChangeQuantityRejectsAboveStock(t *testing.T) {
	h := newHarness(t)
	m := h.open(t, "alice")
	h.add(t, m, "P1", 1)

	err := m.ChangeQuantity(h.ctx, "P1", 6)
	var qe *QuantityError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, 5, qe.Available)
	assert.Equal(t, 1, m.Items()[0].Quantity)

	require.NoError(t, m.ChangeQuantity(h.ctx, "P1", 5))
	assert.Equal(t, 5, m.Items()[0].Quantity)

	assert.ErrorIs(t, m.ChangeQuantity(h.ctx, "P1", -1), ErrInvalidQuantity)
	assert.ErrorIs(t, m.ValidateQuantity(h.ctx, "nope", 1), ErrProductNotFound)
}

func TestCheckoutSuccessClearsCart(t *testing.T) {
	h := newHarness(t)
	m := h.open(t, "alice")
	h.add(t, m, "P1", 2)
	h.add(t, m, "P2", 1)

	result, err := m.Checkout(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, "25", result.TotalAmount.String())
	assert.Equal(t, 3, result.TotalItems)

	reqs := h.spy.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, models.PurchaseRequest{UserID: "alice", ProductID: "P1", QtyPurchased: 2}, reqs[0])
	assert.Equal(t, models.PurchaseRequest{UserID: "alice", ProductID: "P2", QtyPurchased: 1}, reqs[1])

	assert.Empty(t, m.Items())
	_, err = h.store.Load(h.ctx, "cart-alice")
	assert.ErrorIs(t, err, ErrNoCart)

	p1, _ := h.backend.GetProduct(h.ctx, "P1")
	assert.Equal(t, 3, p1.Quantity)
	alice, _ := h.backend.GetUser(h.ctx, "alice")
	assert.Equal(t, "75", alice.VoucherBal.String())
}

func TestCheckoutStockPrecheckAbortsWithoutPurchases(t *testing.T) {
	h := newHarness(t)
	m := h.open(t, "alice")
	h.add(t, m, "P1", 2)
	h.add(t, m, "P2", 1)
	require.NoError(t, h.backend.SetProductQuantity(h.ctx, "P2", 0))

	_, err := m.Checkout(h.ctx)
	var se *StockError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, []string{"Product 2"}, se.Items)
	assert.Contains(t, err.Error(), "Product 2")

	assert.Empty(t, h.spy.requests())
	assert.Equal(t, []string{"P1", "P2"}, productIDs(m.Items()))
}

func TestCheckoutNeverOversells(t *testing.T) {
	cases := []struct {
		name  string
		setup func(t *testing.T, h *harness, m *Manager)
		want  []string
	}{
		{
			name: "added beyond stock",
			setup: func(t *testing.T, h *harness, m *Manager) {
				h.add(t, m, "P1", 6)
			},
			want: []string{"Product 1"},
		},
		{
			name: "merged adds exceed stock",
			setup: func(t *testing.T, h *harness, m *Manager) {
				h.add(t, m, "P3", 3)
				h.add(t, m, "P1", 1)
				h.add(t, m, "P3", 3)
			},
			want: []string{"Product 3"},
		},
		{
			name: "unchecked update exceeds stock",
			setup: func(t *testing.T, h *harness, m *Manager) {
				h.add(t, m, "P1", 1)
				h.add(t, m, "P2", 1)
				require.NoError(t, m.UpdateQuantity(h.ctx, "P1", 9))
				require.NoError(t, m.UpdateQuantity(h.ctx, "P2", 7))
			},
			want: []string{"Product 1", "Product 2"},
		},
		{
			name: "stock dropped after add",
			setup: func(t *testing.T, h *harness, m *Manager) {
				h.add(t, m, "P2", 2)
				require.NoError(t, h.backend.SetProductQuantity(h.ctx, "P2", 1))
			},
			want: []string{"Product 2"},
		},
		{
			name: "product deleted",
			setup: func(t *testing.T, h *harness, m *Manager) {
				require.NoError(t, m.AddToCart(h.ctx, "GONE", 1, product("GONE", "Ghost", 1, 1)))
			},
			want: []string{"Ghost"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			m := h.open(t, "alice")
			tc.setup(t, h, m)
			before := m.Items()

			_, err := m.Checkout(h.ctx)
			var se *StockError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tc.want, se.Items)
			assert.Empty(t, h.spy.requests())
			assert.Equal(t, before, m.Items())
		})
	}
}

func TestCheckoutStopsAtFirstRejectedPurchase(t *testing.T) {
	h := newHarness(t)
	h.spy.failProduct = "P2"
	h.spy.failStatus = http.StatusInternalServerError

	m := h.open(t, "alice")
	h.add(t, m, "P1", 1)
	h.add(t, m, "P2", 1)
	h.add(t, m, "P3", 1)

	_, err := m.Checkout(h.ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.ErrorIs(t, err, api.ErrBusinessRule)
	assert.Equal(t, "insufficient voucher balance", err.Error())

	var pe *PurchaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 1, pe.Completed)
	assert.Equal(t, "P2", pe.Item.ProductID)

	reqs := h.spy.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "P1", reqs[0].ProductID)
	assert.Equal(t, "P2", reqs[1].ProductID)

	txns, _ := h.backend.ListTransactions(h.ctx)
	require.Len(t, txns, 1)
	assert.Equal(t, "P1", txns[0].ProductID)

	assert.Equal(t, []string{"P1", "P2", "P3"}, productIDs(m.Items()))
	stored := h.open(t, "alice")
	assert.Equal(t, []string{"P1", "P2", "P3"}, productIDs(stored.Items()))
}

func TestCheckoutOtherFailureIsGeneric(t *testing.T) {
	h := newHarness(t)
	h.spy.failProduct = "P1"
	h.spy.failStatus = http.StatusBadGateway

	m := h.open(t, "alice")
	h.add(t, m, "P1", 1)

	_, err := m.Checkout(h.ctx)
	assert.ErrorIs(t, err, ErrCheckoutFailed)
	assert.False(t, errors.Is(err, ErrInsufficientBalance))
	assert.Len(t, m.Items(), 1)
}

func TestCheckoutRequiresIdentityAndItems(t *testing.T) {
	h := newHarness(t)

	anon := h.open(t, "")
	h.add(t, anon, "P1", 1)
	_, err := anon.Checkout(h.ctx)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Len(t, anon.Items(), 1)

	empty := h.open(t, "bob")
	_, err = empty.Checkout(h.ctx)
	assert.ErrorIs(t, err, ErrEmptyCart)

	assert.Empty(t, h.spy.requests())
}
