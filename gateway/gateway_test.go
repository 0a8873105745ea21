package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/example/minimart/pkg/api"
	"github.com/example/minimart/pkg/backend"
	"github.com/example/minimart/pkg/cart"
	"github.com/example/minimart/pkg/config"
	"github.com/example/minimart/pkg/fulfillment"
	"github.com/example/minimart/pkg/models"
	"github.com/example/minimart/pkg/repository"
	"github.com/example/minimart/pkg/session"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memoryAuditor struct {
	mu      sync.Mutex
	entries []*repository.AuditLog
}

func (a *memoryAuditor) Record(ctx context.Context, entry *repository.AuditLog) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
}

func (a *memoryAuditor) Recent(ctx context.Context, entityID string, limit int64) ([]*repository.AuditLog, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*repository.AuditLog
	for i := len(a.entries) - 1; i >= 0 && int64(len(out)) < limit; i-- {
		if a.entries[i].EntityID == entityID {
			out = append(out, a.entries[i])
		}
	}
	return out, nil
}

func (a *memoryAuditor) all() []*repository.AuditLog {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*repository.AuditLog(nil), a.entries...)
}

type testGateway struct {
	t       *testing.T
	handler http.Handler
	store   *backend.MemoryStore
	audit   *memoryAuditor
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	st := backend.NewMemoryStore()
	st.AddProduct(models.Product{ProductID: "P1", Name: "Product 1", Price: decimal.NewFromInt(10), Quantity: 5})
	st.AddProduct(models.Product{ProductID: "P2", Name: "Product 2", Price: decimal.NewFromInt(5), Quantity: 5})
	st.AddUser(models.User{UserID: "alice", Name: "Alice", VoucherBal: decimal.NewFromInt(100)})
	st.AddUser(models.User{UserID: "carol", Name: "Carol", VoucherBal: decimal.NewFromInt(10)})
	st.AddPreorder(models.Preorder{ID: "pre1", UserID: "alice", ProductID: "P1", QtyPreordered: 2, TotalPrice: decimal.NewFromInt(20)})
	st.AddPreorder(models.Preorder{ID: "pre2", UserID: "carol", ProductID: "P1", QtyPreordered: 1, TotalPrice: decimal.NewFromInt(50)})

	srv := httptest.NewServer(backend.NewServer(st, zap.NewNop()).Handler())
	t.Cleanup(srv.Close)

	client := api.NewClient(srv.URL, time.Second, zap.NewNop())
	coord := fulfillment.NewCoordinator(client, zap.NewNop())
	carts := cart.NewMemoryStore()
	sessions := session.NewRegistry(config.SessionConfig{RequestTimeout: 5 * time.Second},
		func(id string) cart.Store { return cart.WithPrefix(carts, id+":") },
		client, coord, zap.NewNop())
	t.Cleanup(sessions.Shutdown)

	audit := &memoryAuditor{}
	gw := NewGateway(&config.Config{}, zap.NewNop(), sessions, client, coord, audit)
	gw.SetupRoutes()

	return &testGateway{t: t, handler: gw.Handler(), store: st, audit: audit}
}

func (g *testGateway) do(method, path, sessionID, user string, payload interface{}) (int, Response) {
	g.t.Helper()
	var buf bytes.Buffer
	if payload != nil {
		require.NoError(g.t, json.NewEncoder(&buf).Encode(payload))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}
	if user != "" {
		req.Header.Set(UserHeader, user)
	}

	w := httptest.NewRecorder()
	g.handler.ServeHTTP(w, req)

	var resp Response
	if w.Body.Len() > 0 {
		require.NoError(g.t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w.Code, resp
}

func TestHealth(t *testing.T) {
	g := newTestGateway(t)
	w := httptest.NewRecorder()
	g.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))
}

func TestCartRequiresSessionHeader(t *testing.T) {
	g := newTestGateway(t)
	code, resp := g.do(http.MethodGet, "/api/v1/cart", "", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	require.NotNil(t, resp.Notification)
	assert.Equal(t, "error", resp.Notification.Status)
}

func TestAddItemAndReadCart(t *testing.T) {
	g := newTestGateway(t)

	code, resp := g.do(http.MethodPost, "/api/v1/cart/items", "s1", "alice", body{"productId": "P1", "quantity": 2})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, Notification{Status: "success", Message: "Added Product 1 to cart"}, *resp.Notification)
	assert.Equal(t, 2, resp.Cart.TotalItems)

	code, resp = g.do(http.MethodGet, "/api/v1/cart", "s1", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Nil(t, resp.Notification)
	require.Len(t, resp.Cart.Items, 1)
	assert.Equal(t, "Product 1", resp.Cart.Items[0].Name)
	assert.Equal(t, "20", resp.Cart.TotalAmount.String())

	code, _ = g.do(http.MethodPost, "/api/v1/cart/items", "s1", "alice", body{"productId": "nope", "quantity": 1})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = g.do(http.MethodPost, "/api/v1/cart/items", "s1", "alice", body{"productId": "P1", "quantity": 0})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestChangeQuantityAboveStockIsRejected(t *testing.T) {
	g := newTestGateway(t)
	g.do(http.MethodPost, "/api/v1/cart/items", "s1", "alice", body{"productId": "P1", "quantity": 1})

	code, resp := g.do(http.MethodPut, "/api/v1/cart/items/P1", "s1", "alice", body{"quantity": 6})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "error", resp.Notification.Status)
	assert.Equal(t, 1, resp.Cart.TotalItems)

	entries := g.audit.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "change_quantity", entries[0].Action)
	assert.Equal(t, "alice", entries[0].EntityID)
	assert.Equal(t, "error", entries[0].Outcome)
	assert.Equal(t, "P1", entries[0].Data["product_id"])
	assert.Equal(t, 6, entries[0].Data["quantity"])

	code, resp = g.do(http.MethodPut, "/api/v1/cart/items/P1", "s1", "alice", body{"quantity": 0})
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, resp.Cart.Items)
	assert.Len(t, g.audit.all(), 1)
}

func TestCheckoutFlow(t *testing.T) {
	g := newTestGateway(t)

	g.do(http.MethodPost, "/api/v1/cart/items", "s1", "", body{"productId": "P1", "quantity": 2})
	code, resp := g.do(http.MethodPost, "/api/v1/cart/checkout", "s1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, cart.ErrNotAuthenticated.Error(), resp.Notification.Message)

	g.do(http.MethodPost, "/api/v1/cart/items", "s1", "alice", body{"productId": "P1", "quantity": 2})
	g.do(http.MethodPost, "/api/v1/cart/items", "s1", "alice", body{"productId": "P2", "quantity": 1})
	code, resp = g.do(http.MethodPost, "/api/v1/cart/checkout", "s1", "alice", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, Notification{Status: "success", Message: "Checkout successful, total 25"}, *resp.Notification)
	assert.Empty(t, resp.Cart.Items)
	require.NotNil(t, resp.Checkout)
	assert.Equal(t, 3, resp.Checkout.TotalItems)

	p1, _ := g.store.GetProduct(context.Background(), "P1")
	assert.Equal(t, 3, p1.Quantity)

	entries := g.audit.all()
	require.Len(t, entries, 2)
	assert.Equal(t, "error", entries[0].Outcome)
	assert.Equal(t, "success", entries[1].Outcome)
	assert.Equal(t, "alice", entries[1].UserID)
}

func TestCheckoutStockShortage(t *testing.T) {
	g := newTestGateway(t)
	g.do(http.MethodPost, "/api/v1/cart/items", "s1", "alice", body{"productId": "P1", "quantity": 2})
	g.do(http.MethodPost, "/api/v1/cart/items", "s1", "alice", body{"productId": "P2", "quantity": 1})
	require.NoError(t, g.store.SetProductQuantity(context.Background(), "P2", 0))

	code, resp := g.do(http.MethodPost, "/api/v1/cart/checkout", "s1", "alice", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "insufficient stock for: Product 2", resp.Notification.Message)
	assert.Equal(t, 3, resp.Cart.TotalItems)

	txns, _ := g.store.ListTransactions(context.Background())
	assert.Empty(t, txns)
}

func TestPreorderListingAndFulfillment(t *testing.T) {
	g := newTestGateway(t)

	code, resp := g.do(http.MethodGet, "/api/v1/preorders", "", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, resp.Preorders, 2)
	assert.True(t, resp.Preorders[0].Eligible)
	assert.Equal(t, "Alice", resp.Preorders[0].UserName)
	assert.False(t, resp.Preorders[1].Eligible)

	code, resp = g.do(http.MethodPost, "/api/v1/preorders/pre2/fulfill", "admin", "admin", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, fulfillment.ErrInsufficientBalance.Error(), resp.Notification.Message)
	pre2, _ := g.store.GetPreorder(context.Background(), "pre2")
	assert.Equal(t, models.PreorderPending, pre2.Status)

	code, resp = g.do(http.MethodPost, "/api/v1/preorders/pre1/fulfill", "admin", "admin", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Preorder fulfilled successfully", resp.Notification.Message)
	assert.Equal(t, models.PreorderFulfilled, resp.Preorders[0].Status)

	code, _ = g.do(http.MethodPost, "/api/v1/preorders/pre1/fulfill", "admin", "admin", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = g.do(http.MethodPost, "/api/v1/preorders/pre1/fulfill", "admin", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	w := httptest.NewRecorder()
	g.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/audit/pre1?limit=5", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var trail struct {
		Logs []*repository.AuditLog `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &trail))
	require.Len(t, trail.Logs, 2)
	assert.Equal(t, "error", trail.Logs[0].Outcome)
	assert.Equal(t, "success", trail.Logs[1].Outcome)
}

func TestFulfillUnknownPreorder(t *testing.T) {
	g := newTestGateway(t)
	code, _ := g.do(http.MethodPost, "/api/v1/preorders/nope/fulfill", "admin", "admin", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestOpenAPIDocument(t *testing.T) {
	g := newTestGateway(t)
	w := httptest.NewRecorder()
	g.handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/api/v1/cart/checkout")
}

type body map[string]interface{}
