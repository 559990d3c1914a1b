package store

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bookshop/pkg/domain"
)

// MemoryStore keeps all ordering state in-process behind one mutex. The
// mutex gives it the same atomicity guarantees as GormStore's transactions,
// which makes it a faithful double for app and server tests.
type MemoryStore struct {
	mu        sync.Mutex
	books     map[string]domain.Book
	carts     map[string]domain.Cart                // key: userID
	lines     map[string]map[string]domain.CartLine // cartID -> bookID -> line
	lineOrder map[string][]string                   // cartID -> bookIDs in add order
	sales     map[string]domain.Sale
	saleOrder []string
	saleLines map[string][]domain.SaleLine
	ratings   map[string]map[string]int // bookID -> userID -> score
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books:     make(map[string]domain.Book),
		carts:     make(map[string]domain.Cart),
		lines:     make(map[string]map[string]domain.CartLine),
		lineOrder: make(map[string][]string),
		sales:     make(map[string]domain.Sale),
		saleLines: make(map[string][]domain.SaleLine),
		ratings:   make(map[string]map[string]int),
	}
}

// SaveBook stores or replaces a book record.
func (m *MemoryStore) SaveBook(b domain.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.books[b.ID]; ok {
		b.Version = prev.Version + 1
	}
	m.books[b.ID] = b
	return nil
}

// GetBook retrieves a book by id.
func (m *MemoryStore) GetBook(id string) (domain.Book, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[id]
	return b, ok, nil
}

// ListBooks returns all books ordered by title.
func (m *MemoryStore) ListBooks() ([]domain.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]domain.Book, 0, len(m.books))
	for _, b := range m.books {
		res = append(res, b)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Title < res[j].Title })
	return res, nil
}

// DeleteBook withdraws a book from the catalog.
func (m *MemoryStore) DeleteBook(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.books, id)
	delete(m.ratings, id)
	return nil
}

// GetOrCreateCart returns the user's cart, creating it lazily.
func (m *MemoryStore) GetOrCreateCart(userID string) (domain.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cart, ok := m.carts[userID]; ok {
		return cart, nil
	}
	cart := domain.Cart{ID: uuid.NewString(), UserID: userID, CreatedAt: time.Now().UTC()}
	m.carts[userID] = cart
	return cart, nil
}

// ListCartLines returns lines in add order.
func (m *MemoryStore) ListCartLines(cartID string) ([]domain.CartLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLinesLocked(cartID), nil
}

func (m *MemoryStore) listLinesLocked(cartID string) []domain.CartLine {
	order := m.lineOrder[cartID]
	res := make([]domain.CartLine, 0, len(order))
	for _, bookID := range order {
		if line, ok := m.lines[cartID][bookID]; ok {
			res = append(res, line)
		}
	}
	return res
}

// DeleteLinesAddedBefore removes stale lines and reports the count removed.
func (m *MemoryStore) DeleteLinesAddedBefore(cartID string, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for bookID, line := range m.lines[cartID] {
		if line.AddedAt.Before(cutoff) {
			m.removeLineLocked(cartID, bookID)
			removed++
		}
	}
	return removed, nil
}

// AddCartLine creates a quantity-1 line or increments an existing one,
// checked against current stock.
func (m *MemoryStore) AddCartLine(cartID, bookID string, now time.Time) (domain.CartLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	book, ok := m.books[bookID]
	if !ok {
		return domain.CartLine{}, ErrBookNotFound
	}
	if book.Quantity <= 0 {
		return domain.CartLine{}, ErrOutOfStock
	}
	if line, ok := m.lines[cartID][bookID]; ok {
		if line.Quantity >= book.Quantity {
			return domain.CartLine{}, ErrStockLimitReached
		}
		line.Quantity++
		m.lines[cartID][bookID] = line
		return line, nil
	}
	line := domain.CartLine{CartID: cartID, BookID: bookID, Quantity: 1, AddedAt: now}
	if m.lines[cartID] == nil {
		m.lines[cartID] = make(map[string]domain.CartLine)
	}
	m.lines[cartID][bookID] = line
	m.lineOrder[cartID] = append(m.lineOrder[cartID], bookID)
	return line, nil
}

// RemoveCartLine deletes the line if present.
func (m *MemoryStore) RemoveCartLine(cartID, bookID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLineLocked(cartID, bookID)
	return nil
}

func (m *MemoryStore) removeLineLocked(cartID, bookID string) {
	delete(m.lines[cartID], bookID)
	order := m.lineOrder[cartID]
	filtered := order[:0]
	for _, id := range order {
		if id != bookID {
			filtered = append(filtered, id)
		}
	}
	m.lineOrder[cartID] = filtered
}

// SetLineQuantity clamps requested into [1, stock] and persists it.
func (m *MemoryStore) SetLineQuantity(cartID, bookID string, requested int) (domain.CartLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	book, ok := m.books[bookID]
	if !ok {
		return domain.CartLine{}, ErrBookNotFound
	}
	line, ok := m.lines[cartID][bookID]
	if !ok {
		return domain.CartLine{}, ErrLineNotFound
	}
	line.Quantity = clampQuantity(requested, book.Quantity)
	m.lines[cartID][bookID] = line
	return line, nil
}

// CommitPurchase validates and commits the cart under the store lock, so
// concurrent purchases observe each other's decrements.
func (m *MemoryStore) CommitPurchase(sale domain.Sale, cartID string) ([]domain.SaleLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lines := m.listLinesLocked(cartID)
	if len(lines) == 0 {
		return nil, ErrCartEmpty
	}
	// Validating: every line must fit current stock before anything changes.
	for _, line := range lines {
		book, ok := m.books[line.BookID]
		if !ok {
			return nil, &StockConflictError{BookID: line.BookID, Requested: line.Quantity}
		}
		if book.Quantity < line.Quantity {
			return nil, &StockConflictError{BookID: line.BookID, Requested: line.Quantity, Available: book.Quantity}
		}
	}
	out := make([]domain.SaleLine, 0, len(lines))
	for _, line := range lines {
		book := m.books[line.BookID]
		book.Quantity -= line.Quantity
		book.Version++
		m.books[line.BookID] = book
		out = append(out, domain.SaleLine{
			SaleID:      sale.ID,
			BookID:      line.BookID,
			Quantity:    line.Quantity,
			PriceAtSale: book.Price,
		})
	}
	m.sales[sale.ID] = sale
	m.saleOrder = append(m.saleOrder, sale.ID)
	m.saleLines[sale.ID] = out
	delete(m.lines, cartID)
	delete(m.lineOrder, cartID)
	return out, nil
}

// ListSalesByUser returns the user's sales, most recent first.
func (m *MemoryStore) ListSalesByUser(userID string) ([]domain.Sale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]domain.Sale, 0)
	for i := len(m.saleOrder) - 1; i >= 0; i-- {
		if sale, ok := m.sales[m.saleOrder[i]]; ok && sale.UserID == userID {
			res = append(res, sale)
		}
	}
	return res, nil
}

// ListSaleLines returns the frozen lines of a sale.
func (m *MemoryStore) ListSaleLines(saleID string) ([]domain.SaleLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lines := m.saleLines[saleID]
	res := make([]domain.SaleLine, len(lines))
	copy(res, lines)
	return res, nil
}

// SetRating upserts the user's score for a book.
func (m *MemoryStore) SetRating(bookID, userID string, score int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.books[bookID]; !ok {
		return ErrBookNotFound
	}
	if m.ratings[bookID] == nil {
		m.ratings[bookID] = make(map[string]int)
	}
	m.ratings[bookID][userID] = score
	return nil
}

// DeleteRating removes the user's rating if present.
func (m *MemoryStore) DeleteRating(bookID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ratings[bookID], userID)
	return nil
}

// AverageRating recomputes the mean over live rows; zero with no ratings.
func (m *MemoryStore) AverageRating(bookID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	scores := m.ratings[bookID]
	if len(scores) == 0 {
		return decimal.Zero, nil
	}
	sum := 0
	for _, score := range scores {
		sum += score
	}
	return decimal.NewFromInt(int64(sum)).
		Div(decimal.NewFromInt(int64(len(scores)))).
		Round(1), nil
}
