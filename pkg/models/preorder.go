package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PreorderStatus string

const (
	PreorderPending   PreorderStatus = "PENDING"
	PreorderFulfilled PreorderStatus = "FULFILLED"
)

func (s PreorderStatus) Valid() bool {
	return s == PreorderPending || s == PreorderFulfilled
}

type Preorder struct {
	ID            string          `gorm:"primaryKey;type:varchar(36)" json:"id"`
	UserID        string          `gorm:"type:varchar(64);not null;index" json:"userId"`
	ProductID     string          `gorm:"type:varchar(36);not null;index" json:"productId"`
	QtyPreordered int             `gorm:"not null" json:"qtyPreordered"`
	TotalPrice    decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"totalPrice"`
	CreatedAt     time.Time       `json:"createdAt"`
	Status        PreorderStatus  `gorm:"type:varchar(20);default:'PENDING'" json:"status"`
}

func (Preorder) TableName() string {
	return "preorders"
}
