package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"bookshop/pkg/domain"
)

var (
	// ErrBookNotFound is returned when a book id is unknown to the catalog.
	ErrBookNotFound = errors.New("book not found")

	// ErrOutOfStock is returned when a book has zero available copies.
	ErrOutOfStock = errors.New("book out of stock")

	// ErrStockLimitReached is returned when a cart line already holds every
	// available copy and cannot be incremented further.
	ErrStockLimitReached = errors.New("stock limit reached")

	// ErrLineNotFound is returned when a cart holds no line for the book.
	ErrLineNotFound = errors.New("cart line not found")

	// ErrCartEmpty is returned when a purchase is attempted on an empty cart.
	ErrCartEmpty = errors.New("cart is empty")
)

// StockConflictError reports a purchase line whose quantity no longer fits
// current inventory. It carries enough context for an actionable message.
type StockConflictError struct {
	BookID    string
	Requested int
	Available int
}

func (e *StockConflictError) Error() string {
	return fmt.Sprintf("stock conflict for book %s: requested %d, available %d", e.BookID, e.Requested, e.Available)
}

// Store defines persistence operations for the ordering core.
//
// Multi-row operations (AddCartLine, SetLineQuantity, CommitPurchase) are
// atomic: implementations either apply every step or none, and validate
// against the latest committed stock, never a cached snapshot.
type Store interface {
	// books
	SaveBook(domain.Book) error
	GetBook(id string) (domain.Book, bool, error)
	ListBooks() ([]domain.Book, error)
	// DeleteBook withdraws a book from the catalog. Existing sale lines keep
	// their frozen copy of it; cart lines for it are dropped on the next read.
	DeleteBook(id string) error

	// carts
	GetOrCreateCart(userID string) (domain.Cart, error)
	ListCartLines(cartID string) ([]domain.CartLine, error)
	// DeleteLinesAddedBefore removes every line older than cutoff and
	// reports how many were removed.
	DeleteLinesAddedBefore(cartID string, cutoff time.Time) (int, error)
	// AddCartLine creates a quantity-1 line or increments an existing one,
	// checking current stock under the same transaction. Fails with
	// ErrBookNotFound, ErrOutOfStock, or ErrStockLimitReached.
	AddCartLine(cartID, bookID string, now time.Time) (domain.CartLine, error)
	RemoveCartLine(cartID, bookID string) error
	// SetLineQuantity clamps requested into [1, stock] (requests <= 0 are
	// raised to 1 first) and persists the clamped value.
	SetLineQuantity(cartID, bookID string, requested int) (domain.CartLine, error)

	// purchases
	// CommitPurchase re-validates every cart line against current stock,
	// then creates the sale with one frozen-price line per cart line,
	// decrements stock, and empties the cart, all in one transaction.
	// Fails with ErrCartEmpty or *StockConflictError; on failure nothing
	// is persisted.
	CommitPurchase(sale domain.Sale, cartID string) ([]domain.SaleLine, error)
	ListSalesByUser(userID string) ([]domain.Sale, error)
	ListSaleLines(saleID string) ([]domain.SaleLine, error)

	// ratings
	SetRating(bookID, userID string, score int) error
	DeleteRating(bookID, userID string) error
	// AverageRating recomputes the mean over live rows, rounded to one
	// decimal place. Zero when the book has no ratings.
	AverageRating(bookID string) (decimal.Decimal, error)
}
