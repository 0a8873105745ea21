package session

import (
	"github.com/example/minimart/pkg/cart"
	"github.com/example/minimart/pkg/models"
	"github.com/shopspring/decimal"
)

// Every command carries the identity the client presented with it. The
// session actor switches its cart to that identity before handling it.

type GetCart struct {
	Identity string
}

type AddItem struct {
	Identity string
	Product  models.Product
	Quantity int
}

type ChangeQuantity struct {
	Identity  string
	ProductID string
	Quantity  int
}

type RemoveItem struct {
	Identity  string
	ProductID string
}

type ClearCart struct {
	Identity string
}

type Checkout struct {
	Identity string
}

type Fulfill struct {
	Identity   string
	PreorderID string
}

// Command is implemented by every message a session actor accepts.
type Command interface {
	identity() string
}

func (m *GetCart) identity() string        { return m.Identity }
func (m *AddItem) identity() string        { return m.Identity }
func (m *ChangeQuantity) identity() string { return m.Identity }
func (m *RemoveItem) identity() string     { return m.Identity }
func (m *ClearCart) identity() string      { return m.Identity }
func (m *Checkout) identity() string       { return m.Identity }
func (m *Fulfill) identity() string        { return m.Identity }

// CartView is the cart as shown after a command.
type CartView struct {
	Identity    string            `json:"identity"`
	Items       []models.CartItem `json:"items"`
	TotalItems  int               `json:"totalItems"`
	TotalAmount decimal.Decimal   `json:"totalAmount"`
}

// Reply answers every command. Err is the command's own failure; the cart
// view is filled in either way.
type Reply struct {
	Cart     CartView
	Checkout *cart.CheckoutResult
	Err      error
}
