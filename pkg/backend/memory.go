package backend

import (
	"context"
	"sync"
	"time"

	"github.com/example/minimart/pkg/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore keeps everything in process. Listing order is insertion order.
type MemoryStore struct {
	mu           sync.RWMutex
	productOrder []string
	products     map[string]models.Product
	userOrder    []string
	users        map[string]models.User
	preorderIDs  []string
	preorders    map[string]models.Preorder
	transactions []models.Transaction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products:  make(map[string]models.Product),
		users:     make(map[string]models.User),
		preorders: make(map[string]models.Preorder),
	}
}

func (s *MemoryStore) AddProduct(p models.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.products[p.ProductID]; !ok {
		s.productOrder = append(s.productOrder, p.ProductID)
	}
	s.products[p.ProductID] = p
}

func (s *MemoryStore) AddUser(u models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.UserID]; !ok {
		s.userOrder = append(s.userOrder, u.UserID)
	}
	s.users[u.UserID] = u
}

func (s *MemoryStore) AddPreorder(p models.Preorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Status == "" {
		p.Status = models.PreorderPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if _, ok := s.preorders[p.ID]; !ok {
		s.preorderIDs = append(s.preorderIDs, p.ID)
	}
	s.preorders[p.ID] = p
}

func (s *MemoryStore) ListProducts(ctx context.Context) ([]models.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Product, 0, len(s.productOrder))
	for _, id := range s.productOrder {
		out = append(out, s.products[id])
	}
	return out, nil
}

func (s *MemoryStore) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *MemoryStore) SetProductQuantity(ctx context.Context, id string, quantity int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return ErrNotFound
	}
	p.Quantity = quantity
	s.products[id] = p
	return nil
}

func (s *MemoryStore) ListUsers(ctx context.Context) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.User, 0, len(s.userOrder))
	for _, id := range s.userOrder {
		out = append(out, s.users[id])
	}
	return out, nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (s *MemoryStore) PutUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.UserID]; !ok {
		return ErrNotFound
	}
	s.users[user.UserID] = *user
	return nil
}

func (s *MemoryStore) ListPreorders(ctx context.Context) ([]models.Preorder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Preorder, 0, len(s.preorderIDs))
	for _, id := range s.preorderIDs {
		out = append(out, s.preorders[id])
	}
	return out, nil
}

func (s *MemoryStore) GetPreorder(ctx context.Context, id string) (*models.Preorder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.preorders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *MemoryStore) SetPreorderStatus(ctx context.Context, id string, status models.PreorderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.preorders[id]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	s.preorders[id] = p
	return nil
}

func (s *MemoryStore) Purchase(ctx context.Context, req models.PurchaseRequest) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[req.ProductID]
	if !ok {
		return nil, ErrNotFound
	}
	u, ok := s.users[req.UserID]
	if !ok {
		return nil, ErrNotFound
	}
	if p.Quantity < req.QtyPurchased {
		return nil, ErrInsufficientStock
	}
	total := p.Price.Mul(decimal.NewFromInt(int64(req.QtyPurchased)))
	if u.VoucherBal.LessThan(total) {
		return nil, ErrInsufficientBalance
	}

	p.Quantity -= req.QtyPurchased
	u.VoucherBal = u.VoucherBal.Sub(total)
	s.products[p.ProductID] = p
	s.users[u.UserID] = u

	txn := models.Transaction{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		ProductID:    req.ProductID,
		QtyPurchased: req.QtyPurchased,
		TotalPrice:   total,
		CreatedAt:    time.Now(),
	}
	s.transactions = append(s.transactions, txn)
	return &txn, nil
}

func (s *MemoryStore) RecordTransaction(ctx context.Context, req models.PurchaseRequest) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pre, ok := s.preorders[req.PreorderID]
	if !ok {
		return nil, ErrNotFound
	}
	txn := models.Transaction{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		ProductID:    req.ProductID,
		PreorderID:   req.PreorderID,
		QtyPurchased: req.QtyPurchased,
		TotalPrice:   pre.TotalPrice,
		CreatedAt:    time.Now(),
	}
	s.transactions = append(s.transactions, txn)
	return &txn, nil
}

func (s *MemoryStore) ListTransactions(ctx context.Context) ([]models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Transaction, len(s.transactions))
	copy(out, s.transactions)
	return out, nil
}
