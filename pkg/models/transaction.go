package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is the immutable record of one purchase line.
type Transaction struct {
	ID           string          `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID       string          `gorm:"type:varchar(64);not null;index" json:"userId"`
	ProductID    string          `gorm:"type:varchar(36);not null;index" json:"productId"`
	PreorderID   string          `gorm:"type:varchar(36);index" json:"preorderId,omitempty"`
	QtyPurchased int             `gorm:"not null" json:"qtyPurchased"`
	TotalPrice   decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"totalPrice"`
	CreatedAt    time.Time       `json:"createdAt"`
}

func (Transaction) TableName() string {
	return "transactions"
}

// PurchaseRequest is the body of POST /transactions. PreorderID marks a
// record-only transaction for an already reserved preorder.
type PurchaseRequest struct {
	UserID       string `json:"userId"`
	ProductID    string `json:"productId"`
	QtyPurchased int    `json:"qtyPurchased"`
	PreorderID   string `json:"preorderId,omitempty"`
}
