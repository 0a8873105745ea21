// Package fulfillment turns PENDING preorders into completed purchases.
//
// A fulfillment is four separate backend calls: mark the preorder
// FULFILLED, record the transaction, decrement stock, decrement the
// buyer's balance. There is no shared transaction and nothing is undone
// when a later step fails; the failing step is reported and the earlier
// ones stand.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/minimart/pkg/models"
	"go.uber.org/zap"
)

var (
	ErrStatusUpdate  = errors.New("failed to update preorder status")
	ErrTransaction   = errors.New("failed to create transaction")
	ErrStockUpdate   = errors.New("failed to update product stock")
	ErrBalanceUpdate = errors.New("failed to update user balance")

	ErrPreorderUnavailable = errors.New("failed to load preorder")
	ErrNotPending          = errors.New("preorder is not pending")
)

// Step numbers of a fulfillment, in execution order.
const (
	StepStatus = iota + 1
	StepTransaction
	StepStock
	StepBalance
)

// StepError reports the step a fulfillment stopped at. Steps before it
// have already been applied.
type StepError struct {
	Step       int
	PreorderID string
	Err        error
	cause      error
}

func (e *StepError) Error() string {
	return e.Err.Error()
}

func (e *StepError) Unwrap() []error {
	return []error{e.Err, e.cause}
}

type Backend interface {
	ListPreorders(ctx context.Context) ([]models.Preorder, error)
	GetPreorder(ctx context.Context, id string) (*models.Preorder, error)
	UpdatePreorderStatus(ctx context.Context, id string, status models.PreorderStatus) error
	CreateTransaction(ctx context.Context, req models.PurchaseRequest) error
	ListProducts(ctx context.Context) ([]models.Product, error)
	GetProduct(ctx context.Context, id string) (*models.Product, error)
	UpdateProductQuantity(ctx context.Context, id string, quantity int, actorID string) error
	ListUsers(ctx context.Context) ([]models.User, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
	UpdateUser(ctx context.Context, user *models.User) error
}

type Coordinator struct {
	backend Backend
	logger  *zap.Logger

	mu       sync.RWMutex
	snapshot Snapshot
}

func NewCoordinator(backend Backend, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		backend:  backend,
		logger:   logger,
		snapshot: emptySnapshot(),
	}
}

// Fulfill runs the four steps for preorderID. actorID is sent with the
// stock update to identify who made it. Neither the new stock nor the new
// balance is clamped at zero.
func (c *Coordinator) Fulfill(ctx context.Context, preorderID, actorID string) error {
	logger := c.logger.With(zap.String("preorder_id", preorderID))

	preorder, err := c.backend.GetPreorder(ctx, preorderID)
	if err != nil {
		logger.Error("Failed to load preorder", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrPreorderUnavailable, err)
	}
	if preorder.Status != models.PreorderPending {
		return ErrNotPending
	}

	fail := func(step int, sentinel, cause error) error {
		logger.Error("Fulfillment step failed",
			zap.Int("step", step),
			zap.String("reason", sentinel.Error()),
			zap.Error(cause))
		return &StepError{Step: step, PreorderID: preorderID, Err: sentinel, cause: cause}
	}

	if err := c.backend.UpdatePreorderStatus(ctx, preorderID, models.PreorderFulfilled); err != nil {
		return fail(StepStatus, ErrStatusUpdate, err)
	}

	err = c.backend.CreateTransaction(ctx, models.PurchaseRequest{
		UserID:       preorder.UserID,
		ProductID:    preorder.ProductID,
		QtyPurchased: preorder.QtyPreordered,
		PreorderID:   preorder.ID,
	})
	if err != nil {
		return fail(StepTransaction, ErrTransaction, err)
	}

	if err := c.decrementStock(ctx, preorder, actorID); err != nil {
		return fail(StepStock, ErrStockUpdate, err)
	}

	if err := c.decrementBalance(ctx, preorder); err != nil {
		return fail(StepBalance, ErrBalanceUpdate, err)
	}

	if err := c.Refresh(ctx); err != nil {
		logger.Warn("Fulfilled but refresh failed", zap.Error(err))
	}

	logger.Info("Preorder fulfilled",
		zap.String("user_id", preorder.UserID),
		zap.String("product_id", preorder.ProductID),
		zap.Int("quantity", preorder.QtyPreordered),
		zap.String("total", preorder.TotalPrice.String()))
	return nil
}

func (c *Coordinator) decrementStock(ctx context.Context, preorder *models.Preorder, actorID string) error {
	product, err := c.backend.GetProduct(ctx, preorder.ProductID)
	if err != nil {
		return err
	}
	return c.backend.UpdateProductQuantity(ctx, product.ProductID, product.Quantity-preorder.QtyPreordered, actorID)
}

// decrementBalance rewrites the whole user record; every field other than
// the balance is sent back as fetched.
func (c *Coordinator) decrementBalance(ctx context.Context, preorder *models.Preorder) error {
	user, err := c.backend.GetUser(ctx, preorder.UserID)
	if err != nil {
		return err
	}
	user.VoucherBal = user.VoucherBal.Sub(preorder.TotalPrice)
	return c.backend.UpdateUser(ctx, user)
}

// Refresh reloads the preorder list, users and products that eligibility
// is judged against.
func (c *Coordinator) Refresh(ctx context.Context) error {
	preorders, err := c.backend.ListPreorders(ctx)
	if err != nil {
		return fmt.Errorf("failed to list preorders: %w", err)
	}
	users, err := c.backend.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}
	products, err := c.backend.ListProducts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list products: %w", err)
	}

	snap := emptySnapshot()
	snap.Preorders = preorders
	for _, u := range users {
		snap.Users[u.UserID] = u
	}
	for _, p := range products {
		snap.Products[p.ProductID] = p
	}
	snap.FetchedAt = time.Now()

	c.mu.Lock()
	c.snapshot = snap
	c.mu.Unlock()
	return nil
}

// Snapshot returns the data fetched by the last successful Refresh.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// Eligible checks preorderID against the last fetched snapshot only. It
// is advisory: Fulfill does not repeat the check.
func (c *Coordinator) Eligible(preorderID string) error {
	return c.Snapshot().Eligible(preorderID)
}
