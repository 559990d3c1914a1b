package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// GORM models used for persistence.
type BookModel struct {
	ID        string          `gorm:"primaryKey"`
	Title     string          `gorm:"not null"`
	Author    string          `gorm:"not null"`
	Subject   string
	Price     decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	Quantity  int             `gorm:"not null"`
	Version   int64           `gorm:"not null;default:0"`
	CreatedAt time.Time       `gorm:"not null"`
	UpdatedAt time.Time       `gorm:"not null"`
}

type CartModel struct {
	ID        string    `gorm:"primaryKey"`
	UserID    string    `gorm:"uniqueIndex;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

type CartLineModel struct {
	CartID   string    `gorm:"primaryKey"`
	BookID   string    `gorm:"primaryKey"`
	Quantity int       `gorm:"not null"`
	AddedAt  time.Time `gorm:"not null;index"`
}

type SaleModel struct {
	ID       string    `gorm:"primaryKey"`
	UserID   string    `gorm:"not null;index"`
	SaleDate time.Time `gorm:"not null"`
}

type SaleLineModel struct {
	SaleID      string          `gorm:"primaryKey"`
	BookID      string          `gorm:"primaryKey"`
	Quantity    int             `gorm:"not null"`
	PriceAtSale decimal.Decimal `gorm:"type:numeric(12,2);not null"`
}

type RatingModel struct {
	BookID string `gorm:"primaryKey"`
	UserID string `gorm:"primaryKey"`
	Score  int    `gorm:"not null"`
}
