package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type UserRole string

const (
	RoleCustomer UserRole = "customer"
	RoleAdmin    UserRole = "admin"
)

// Book is a catalog entry. Quantity is the number of copies currently in
// stock; Version increases on every stock write and backs optimistic
// concurrency checks.
type Book struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Author    string          `json:"author"`
	Subject   string          `json:"subject,omitempty"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
	Version   int64           `json:"-"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Cart is created lazily on a user's first add. One cart per user.
type Cart struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

// CartLine is one (book, quantity) entry in a cart. AddedAt drives TTL
// expiration on read.
type CartLine struct {
	CartID   string    `json:"-"`
	BookID   string    `json:"bookId"`
	Quantity int       `json:"quantity"`
	AddedAt  time.Time `json:"addedAt"`
}

// Sale is an immutable record of a completed purchase.
type Sale struct {
	ID       string    `json:"id"`
	UserID   string    `json:"userId"`
	SaleDate time.Time `json:"saleDate"`
}

// SaleLine freezes quantity and price at commit time. PriceAtSale never
// tracks later catalog price changes.
type SaleLine struct {
	SaleID      string          `json:"-"`
	BookID      string          `json:"bookId"`
	Quantity    int             `json:"quantity"`
	PriceAtSale decimal.Decimal `json:"priceAtSale"`
}

// Rating is one user's score for one book, unique per (book, user).
// Valid scores are 1..5; "no rating" is represented by row absence.
type Rating struct {
	BookID string `json:"bookId"`
	UserID string `json:"userId"`
	Score  int    `json:"score"`
}
