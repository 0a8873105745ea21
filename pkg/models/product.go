package models

import (
	"github.com/shopspring/decimal"
)

func init() {
	// The backend speaks plain JSON numbers for money.
	decimal.MarshalJSONWithoutQuotes = true
}

type Product struct {
	ProductID    string          `gorm:"primaryKey;type:varchar(36)" json:"productId"`
	Name         string          `gorm:"type:varchar(100);not null" json:"name"`
	Category     string          `gorm:"type:varchar(50)" json:"category"`
	Desc         string          `gorm:"type:text" json:"desc"`
	Price        decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"price"`
	Quantity     int             `gorm:"not null" json:"quantity"`
	ProductPhoto string          `gorm:"type:varchar(255)" json:"productPhoto"`
}

func (Product) TableName() string {
	return "products"
}

// CartItem is a snapshot of a Product taken when it was added to the cart.
type CartItem struct {
	ProductID   string          `json:"productId"`
	Name        string          `json:"name"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int             `json:"quantity"`
	Description string          `json:"description"`
	ImageURL    string          `json:"imageUrl"`
}

func (i CartItem) Subtotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// NewCartItem snapshots p with the given quantity.
func NewCartItem(p Product, quantity int) CartItem {
	return CartItem{
		ProductID:   p.ProductID,
		Name:        p.Name,
		Price:       p.Price,
		Quantity:    quantity,
		Description: p.Desc,
		ImageURL:    p.ProductPhoto,
	}
}
