// Package backend is a reference implementation of the minimart REST
// backend. It is used for local development and as the test-suite stub.
package backend

import (
	"context"
	"errors"

	"github.com/example/minimart/pkg/models"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrInsufficientBalance = errors.New("insufficient voucher balance")
)

// Store is the persistence behind the backend API. Purchase must check
// stock and balance, apply both decrements and record the transaction as
// one atomic unit.
type Store interface {
	ListProducts(ctx context.Context) ([]models.Product, error)
	GetProduct(ctx context.Context, id string) (*models.Product, error)
	SetProductQuantity(ctx context.Context, id string, quantity int) error

	ListUsers(ctx context.Context) ([]models.User, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
	PutUser(ctx context.Context, user *models.User) error

	ListPreorders(ctx context.Context) ([]models.Preorder, error)
	GetPreorder(ctx context.Context, id string) (*models.Preorder, error)
	SetPreorderStatus(ctx context.Context, id string, status models.PreorderStatus) error

	Purchase(ctx context.Context, req models.PurchaseRequest) (*models.Transaction, error)
	RecordTransaction(ctx context.Context, req models.PurchaseRequest) (*models.Transaction, error)
	ListTransactions(ctx context.Context) ([]models.Transaction, error)
}
