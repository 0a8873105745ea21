package models

import (
	"github.com/shopspring/decimal"
)

type User struct {
	UserID     string          `gorm:"primaryKey;type:varchar(64)" json:"userId"`
	Name       string          `gorm:"type:varchar(100);not null" json:"name"`
	VoucherBal decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"voucherBal"`
	Role       string          `gorm:"type:varchar(20)" json:"role"`
	Status     string          `gorm:"type:varchar(20)" json:"status"`
}

func (User) TableName() string {
	return "users"
}
