package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bookshop/internal/util"
	"bookshop/pkg/domain"
	"bookshop/pkg/queue"
	"bookshop/pkg/store"
)

// DefaultLineTTL is how long a cart line stays valid before the next cart
// read sweeps it away.
const DefaultLineTTL = 60 * time.Second

// ReceiptEnqueuer hands completed sales to the async receipt pipeline.
type ReceiptEnqueuer interface {
	Enqueue(ctx context.Context, saleID, userID string) (queue.ReceiptJob, error)
}

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL string
	LineTTL     time.Duration
	Store       store.Store
	Receipts    ReceiptEnqueuer
}

// App is the ordering core: cart operations with TTL expiration, the atomic
// purchase path, and rating aggregation.
type App struct {
	store    store.Store
	receipts ReceiptEnqueuer
	lineTTL  time.Duration
}

// New constructs the application with database storage.
func New(cfg Config) (*App, error) {
	if cfg.LineTTL <= 0 {
		cfg.LineTTL = DefaultLineTTL
	}
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	return &App{
		store:    dataStore,
		receipts: cfg.Receipts,
		lineTTL:  cfg.LineTTL,
	}, nil
}

// CartItem is one cart line joined with its book for display.
type CartItem struct {
	BookID   string          `json:"bookId"`
	Title    string          `json:"title"`
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Subtotal decimal.Decimal `json:"subtotal"`
	AddedAt  time.Time       `json:"addedAt"`
}

// CartView is the cart as shown to the user after a sweep.
type CartView struct {
	Items        []CartItem      `json:"items"`
	Total        decimal.Decimal `json:"total"`
	ExpiredCount int             `json:"expiredCount"`
}

// QuantityUpdate reports the clamped quantity and recomputed totals.
type QuantityUpdate struct {
	Quantity     int             `json:"quantity"`
	ItemSubtotal decimal.Decimal `json:"itemSubtotal"`
	CartTotal    decimal.Decimal `json:"cartTotal"`
}

// PurchaseResult is the outcome of a committed purchase.
type PurchaseResult struct {
	Sale  domain.Sale       `json:"sale"`
	Lines []domain.SaleLine `json:"lines"`
	Total decimal.Decimal   `json:"total"`
}

// BookDetail joins a book with its live average rating.
type BookDetail struct {
	domain.Book
	AvgRating decimal.Decimal `json:"avgRating"`
}

// SaleView is one historical sale with its frozen lines.
type SaleView struct {
	domain.Sale
	Lines []domain.SaleLine `json:"lines"`
	Total decimal.Decimal   `json:"total"`
}

// ViewCart sweeps expired lines, clamps survivors to current stock, and
// returns the cart with its total and the number of lines that expired.
func (a *App) ViewCart(userID string) (CartView, error) {
	cart, err := a.store.GetOrCreateCart(userID)
	if err != nil {
		return CartView{}, fmt.Errorf("get cart: %w", err)
	}
	cutoff := time.Now().UTC().Add(-a.lineTTL)
	expired, err := a.store.DeleteLinesAddedBefore(cart.ID, cutoff)
	if err != nil {
		return CartView{}, fmt.Errorf("sweep expired lines: %w", err)
	}
	lines, err := a.store.ListCartLines(cart.ID)
	if err != nil {
		return CartView{}, fmt.Errorf("list cart lines: %w", err)
	}

	view := CartView{Items: make([]CartItem, 0, len(lines)), Total: decimal.Zero, ExpiredCount: expired}
	for _, line := range lines {
		book, found, err := a.store.GetBook(line.BookID)
		if err != nil {
			return CartView{}, fmt.Errorf("load book %s: %w", line.BookID, err)
		}
		if !found {
			// Book withdrawn from the catalog since it was added.
			if err := a.store.RemoveCartLine(cart.ID, line.BookID); err != nil {
				return CartView{}, fmt.Errorf("drop orphan line: %w", err)
			}
			continue
		}
		if line.Quantity > book.Quantity {
			clamped, err := a.store.SetLineQuantity(cart.ID, line.BookID, book.Quantity)
			if err != nil {
				return CartView{}, fmt.Errorf("clamp line %s: %w", line.BookID, err)
			}
			line = clamped
		}
		subtotal := book.Price.Mul(decimal.NewFromInt(int64(line.Quantity)))
		view.Items = append(view.Items, CartItem{
			BookID:   book.ID,
			Title:    book.Title,
			Quantity: line.Quantity,
			Price:    book.Price,
			Subtotal: subtotal,
			AddedAt:  line.AddedAt,
		})
		view.Total = view.Total.Add(subtotal)
	}
	return view, nil
}

// AddToCart puts one copy of the book into the user's cart, then returns the
// refreshed cart. Stock checks run inside the store transaction.
func (a *App) AddToCart(userID, bookID string) (CartView, error) {
	cart, err := a.store.GetOrCreateCart(userID)
	if err != nil {
		return CartView{}, fmt.Errorf("get cart: %w", err)
	}
	if _, err := a.store.AddCartLine(cart.ID, bookID, time.Now().UTC()); err != nil {
		return CartView{}, err
	}
	return a.ViewCart(userID)
}

// RemoveFromCart deletes the book's line if present and returns the
// refreshed cart. Removing an absent line is not an error.
func (a *App) RemoveFromCart(userID, bookID string) (CartView, error) {
	cart, err := a.store.GetOrCreateCart(userID)
	if err != nil {
		return CartView{}, fmt.Errorf("get cart: %w", err)
	}
	if err := a.store.RemoveCartLine(cart.ID, bookID); err != nil {
		return CartView{}, fmt.Errorf("remove line: %w", err)
	}
	return a.ViewCart(userID)
}

// UpdateQuantity clamps the requested quantity into [1, stock], persists it,
// and returns the clamped value with the line subtotal and cart total.
func (a *App) UpdateQuantity(userID, bookID string, requested int) (QuantityUpdate, error) {
	cart, err := a.store.GetOrCreateCart(userID)
	if err != nil {
		return QuantityUpdate{}, fmt.Errorf("get cart: %w", err)
	}
	line, err := a.store.SetLineQuantity(cart.ID, bookID, requested)
	if err != nil {
		return QuantityUpdate{}, err
	}
	book, found, err := a.store.GetBook(bookID)
	if err != nil {
		return QuantityUpdate{}, fmt.Errorf("load book: %w", err)
	}
	if !found {
		return QuantityUpdate{}, store.ErrBookNotFound
	}

	update := QuantityUpdate{
		Quantity:     line.Quantity,
		ItemSubtotal: book.Price.Mul(decimal.NewFromInt(int64(line.Quantity))),
		CartTotal:    decimal.Zero,
	}
	lines, err := a.store.ListCartLines(cart.ID)
	if err != nil {
		return QuantityUpdate{}, fmt.Errorf("list cart lines: %w", err)
	}
	for _, l := range lines {
		b, ok, err := a.store.GetBook(l.BookID)
		if err != nil {
			return QuantityUpdate{}, fmt.Errorf("load book %s: %w", l.BookID, err)
		}
		if !ok {
			continue
		}
		update.CartTotal = update.CartTotal.Add(b.Price.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	return update, nil
}

// Purchase converts the user's cart into an immutable sale. Validation and
// commit run in one store transaction; on any conflict nothing changes and
// the caller gets the specific reason. The receipt job is enqueued after the
// commit and is best-effort.
func (a *App) Purchase(ctx context.Context, userID string) (PurchaseResult, error) {
	cart, err := a.store.GetOrCreateCart(userID)
	if err != nil {
		return PurchaseResult{}, fmt.Errorf("get cart: %w", err)
	}
	sale := domain.Sale{
		ID:       uuid.NewString(),
		UserID:   userID,
		SaleDate: time.Now().UTC(),
	}
	lines, err := a.store.CommitPurchase(sale, cart.ID)
	if err != nil {
		return PurchaseResult{}, err
	}
	result := PurchaseResult{Sale: sale, Lines: lines, Total: saleTotal(lines)}

	if a.receipts != nil {
		if _, err := a.receipts.Enqueue(ctx, sale.ID, userID); err != nil {
			// The sale is committed; a lost receipt job must not fail it.
			slog.Warn("receipt enqueue failed", "sale_id", sale.ID, "err", err)
		}
	}
	return result, nil
}

// SalesHistory returns the user's past sales with their frozen lines.
func (a *App) SalesHistory(userID string) ([]SaleView, error) {
	sales, err := a.store.ListSalesByUser(userID)
	if err != nil {
		return nil, fmt.Errorf("list sales: %w", err)
	}
	res := make([]SaleView, 0, len(sales))
	for _, sale := range sales {
		lines, err := a.store.ListSaleLines(sale.ID)
		if err != nil {
			return nil, fmt.Errorf("list sale lines: %w", err)
		}
		res = append(res, SaleView{Sale: sale, Lines: lines, Total: saleTotal(lines)})
	}
	return res, nil
}

// RateBook records, overwrites, or (score 0) removes the user's rating and
// returns the book's recomputed average.
func (a *App) RateBook(userID, bookID string, score int) (decimal.Decimal, error) {
	if score < 0 || score > 5 {
		return decimal.Zero, ErrInvalidScore
	}
	_, found, err := a.store.GetBook(bookID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("load book: %w", err)
	}
	if !found {
		return decimal.Zero, store.ErrBookNotFound
	}
	if score == 0 {
		if err := a.store.DeleteRating(bookID, userID); err != nil {
			return decimal.Zero, fmt.Errorf("delete rating: %w", err)
		}
	} else {
		if err := a.store.SetRating(bookID, userID, score); err != nil {
			return decimal.Zero, err
		}
	}
	avg, err := a.store.AverageRating(bookID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("average rating: %w", err)
	}
	return avg, nil
}

// AverageRating returns the live mean score for a book, zero when unrated.
func (a *App) AverageRating(bookID string) (decimal.Decimal, error) {
	return a.store.AverageRating(bookID)
}

// ListBooks returns the catalog.
func (a *App) ListBooks() ([]domain.Book, error) {
	return a.store.ListBooks()
}

// GetBookDetail joins the book with its current average rating.
func (a *App) GetBookDetail(bookID string) (BookDetail, error) {
	book, found, err := a.store.GetBook(bookID)
	if err != nil {
		return BookDetail{}, fmt.Errorf("load book: %w", err)
	}
	if !found {
		return BookDetail{}, store.ErrBookNotFound
	}
	avg, err := a.store.AverageRating(bookID)
	if err != nil {
		return BookDetail{}, fmt.Errorf("average rating: %w", err)
	}
	return BookDetail{Book: book, AvgRating: avg}, nil
}

// UpsertBook creates or updates a catalog entry. This is the seam inventory
// administration uses to seed titles, price, and stock.
func (a *App) UpsertBook(book domain.Book) (domain.Book, error) {
	book.ID = strings.TrimSpace(book.ID)
	book.Title = strings.TrimSpace(book.Title)
	if book.ID == "" || book.Title == "" {
		return domain.Book{}, fmt.Errorf("book id and title required")
	}
	if book.Quantity < 0 {
		return domain.Book{}, fmt.Errorf("quantity must be >= 0")
	}
	if book.Price.IsNegative() {
		return domain.Book{}, fmt.Errorf("price must be >= 0")
	}
	now := time.Now().UTC()
	if book.CreatedAt.IsZero() {
		book.CreatedAt = now
	}
	book.UpdatedAt = now
	if err := a.store.SaveBook(book); err != nil {
		return domain.Book{}, fmt.Errorf("save book: %w", err)
	}
	return book, nil
}

// ProcessReceipt is the receipt-queue handler: it renders the sale into a
// receipt record and emits it. Returning an error lets the queue retry.
func (a *App) ProcessReceipt(ctx context.Context, job queue.ReceiptJob) error {
	logger := util.LoggerFromContext(ctx)
	lines, err := a.store.ListSaleLines(job.SaleID)
	if err != nil {
		return fmt.Errorf("load sale lines: %w", err)
	}
	if len(lines) == 0 {
		return fmt.Errorf("sale %s has no lines", job.SaleID)
	}
	logger.Info("receipt_generated",
		"job_id", job.ID,
		"sale_id", job.SaleID,
		"user_id", job.UserID,
		"line_count", len(lines),
		"total", saleTotal(lines).String(),
	)
	return nil
}

// DeleteBook withdraws a catalog entry. Past sales keep their frozen lines;
// cart lines pointing at it fall out on the owners' next cart read.
func (a *App) DeleteBook(bookID string) error {
	_, found, err := a.store.GetBook(bookID)
	if err != nil {
		return fmt.Errorf("load book: %w", err)
	}
	if !found {
		return store.ErrBookNotFound
	}
	if err := a.store.DeleteBook(bookID); err != nil {
		return fmt.Errorf("delete book: %w", err)
	}
	return nil
}

func saleTotal(lines []domain.SaleLine) decimal.Decimal {
	total := decimal.Zero
	for _, line := range lines {
		total = total.Add(line.PriceAtSale.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	return total
}
