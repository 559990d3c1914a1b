package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bookshop/pkg/domain"
)

// GormStore implements Store using GORM + Postgres.
//
// Stock-sensitive writes lock the book row (SELECT ... FOR UPDATE) and pair
// decrements with a conditional UPDATE guarded on quantity, so concurrent
// purchases against the same book are strictly ordered.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(
		&BookModel{}, &CartModel{}, &CartLineModel{},
		&SaleModel{}, &SaleLineModel{}, &RatingModel{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// SaveBook stores or updates a book. Stock and price writes bump the version.
func (s *GormStore) SaveBook(b domain.Book) error {
	model := bookToModel(b)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"title":      model.Title,
			"author":     model.Author,
			"subject":    model.Subject,
			"price":      model.Price,
			"quantity":   model.Quantity,
			"version":    gorm.Expr("book_models.version + 1"),
			"updated_at": time.Now().UTC(),
		}),
	}).Create(&model).Error
}

// GetBook retrieves a book by id.
func (s *GormStore) GetBook(id string) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// ListBooks returns all books ordered by title.
func (s *GormStore) ListBooks() ([]domain.Book, error) {
	var models []BookModel
	if err := s.db.Order("title ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Book, 0, len(models))
	for _, m := range models {
		res = append(res, bookFromModel(m))
	}
	return res, nil
}

// DeleteBook withdraws a book and its ratings from the catalog. Sale lines
// keep their frozen copy of its price.
func (s *GormStore) DeleteBook(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("book_id = ?", id).Delete(&RatingModel{}).Error; err != nil {
			return err
		}
		return tx.Delete(&BookModel{}, "id = ?", id).Error
	})
}

// GetOrCreateCart returns the user's cart, creating an empty one on first use.
func (s *GormStore) GetOrCreateCart(userID string) (domain.Cart, error) {
	var model CartModel
	err := s.db.Where("user_id = ?", userID).First(&model).Error
	if err == nil {
		return cartFromModel(model), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Cart{}, err
	}
	model = CartModel{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	// The unique index on user_id arbitrates concurrent first adds.
	create := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&model)
	if create.Error != nil {
		return domain.Cart{}, create.Error
	}
	if create.RowsAffected == 0 {
		if err := s.db.Where("user_id = ?", userID).First(&model).Error; err != nil {
			return domain.Cart{}, err
		}
	}
	return cartFromModel(model), nil
}

// ListCartLines returns the cart's lines oldest first.
func (s *GormStore) ListCartLines(cartID string) ([]domain.CartLine, error) {
	var models []CartLineModel
	if err := s.db.Where("cart_id = ?", cartID).Order("added_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.CartLine, 0, len(models))
	for _, m := range models {
		res = append(res, lineFromModel(m))
	}
	return res, nil
}

// DeleteLinesAddedBefore removes stale lines in one pass.
func (s *GormStore) DeleteLinesAddedBefore(cartID string, cutoff time.Time) (int, error) {
	res := s.db.Where("cart_id = ? AND added_at < ?", cartID, cutoff).Delete(&CartLineModel{})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// AddCartLine creates or increments a line after checking current stock,
// with the book row locked for the duration of the transaction.
func (s *GormStore) AddCartLine(cartID, bookID string, now time.Time) (domain.CartLine, error) {
	var line domain.CartLine
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var book BookModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&book, "id = ?", bookID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrBookNotFound
			}
			return err
		}
		if book.Quantity <= 0 {
			return ErrOutOfStock
		}
		var model CartLineModel
		err := tx.Where("cart_id = ? AND book_id = ?", cartID, bookID).First(&model).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			model = CartLineModel{CartID: cartID, BookID: bookID, Quantity: 1, AddedAt: now}
			if err := tx.Create(&model).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if model.Quantity >= book.Quantity {
				return ErrStockLimitReached
			}
			model.Quantity++
			if err := tx.Model(&CartLineModel{}).
				Where("cart_id = ? AND book_id = ?", cartID, bookID).
				Update("quantity", model.Quantity).Error; err != nil {
				return err
			}
		}
		line = lineFromModel(model)
		return nil
	})
	if err != nil {
		return domain.CartLine{}, err
	}
	return line, nil
}

// RemoveCartLine deletes the line if present; removing an absent line is not
// an error.
func (s *GormStore) RemoveCartLine(cartID, bookID string) error {
	return s.db.Where("cart_id = ? AND book_id = ?", cartID, bookID).Delete(&CartLineModel{}).Error
}

// SetLineQuantity clamps requested into [1, stock] and persists the result.
func (s *GormStore) SetLineQuantity(cartID, bookID string, requested int) (domain.CartLine, error) {
	var line domain.CartLine
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var book BookModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&book, "id = ?", bookID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrBookNotFound
			}
			return err
		}
		var model CartLineModel
		if err := tx.Where("cart_id = ? AND book_id = ?", cartID, bookID).First(&model).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrLineNotFound
			}
			return err
		}
		model.Quantity = clampQuantity(requested, book.Quantity)
		if err := tx.Model(&CartLineModel{}).
			Where("cart_id = ? AND book_id = ?", cartID, bookID).
			Update("quantity", model.Quantity).Error; err != nil {
			return err
		}
		line = lineFromModel(model)
		return nil
	})
	if err != nil {
		return domain.CartLine{}, err
	}
	return line, nil
}

// CommitPurchase converts the cart into an immutable sale. Every step runs
// in one transaction: re-validate each line against current stock, create
// the sale and its frozen-price lines, decrement stock, empty the cart.
func (s *GormStore) CommitPurchase(sale domain.Sale, cartID string) ([]domain.SaleLine, error) {
	var out []domain.SaleLine
	err := s.db.Transaction(func(tx *gorm.DB) error {
		// Lock the lines so a concurrent purchase of the same cart blocks
		// here instead of committing a duplicate sale from a stale snapshot.
		var lines []CartLineModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("cart_id = ?", cartID).Order("added_at ASC").Find(&lines).Error; err != nil {
			return err
		}
		if len(lines) == 0 {
			return ErrCartEmpty
		}
		saleModel := SaleModel{ID: sale.ID, UserID: sale.UserID, SaleDate: sale.SaleDate}
		if err := tx.Create(&saleModel).Error; err != nil {
			return err
		}
		for _, l := range lines {
			var book BookModel
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&book, "id = ?", l.BookID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return &StockConflictError{BookID: l.BookID, Requested: l.Quantity}
				}
				return err
			}
			if book.Quantity < l.Quantity {
				return &StockConflictError{BookID: l.BookID, Requested: l.Quantity, Available: book.Quantity}
			}
			res := tx.Model(&BookModel{}).
				Where("id = ? AND quantity >= ?", l.BookID, l.Quantity).
				Updates(map[string]any{
					"quantity":   gorm.Expr("quantity - ?", l.Quantity),
					"version":    gorm.Expr("version + 1"),
					"updated_at": time.Now().UTC(),
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return &StockConflictError{BookID: l.BookID, Requested: l.Quantity, Available: book.Quantity}
			}
			saleLine := SaleLineModel{
				SaleID:      sale.ID,
				BookID:      l.BookID,
				Quantity:    l.Quantity,
				PriceAtSale: book.Price,
			}
			if err := tx.Create(&saleLine).Error; err != nil {
				return err
			}
			out = append(out, saleLineFromModel(saleLine))
		}
		res := tx.Where("cart_id = ?", cartID).Delete(&CartLineModel{})
		if res.Error != nil {
			return res.Error
		}
		if int(res.RowsAffected) != len(lines) {
			// Another transaction consumed this cart after our snapshot.
			return ErrCartEmpty
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListSalesByUser returns the user's sales, most recent first.
func (s *GormStore) ListSalesByUser(userID string) ([]domain.Sale, error) {
	var models []SaleModel
	if err := s.db.Where("user_id = ?", userID).Order("sale_date DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Sale, 0, len(models))
	for _, m := range models {
		res = append(res, domain.Sale{ID: m.ID, UserID: m.UserID, SaleDate: m.SaleDate})
	}
	return res, nil
}

// ListSaleLines returns the frozen lines of a sale.
func (s *GormStore) ListSaleLines(saleID string) ([]domain.SaleLine, error) {
	var models []SaleLineModel
	if err := s.db.Where("sale_id = ?", saleID).Order("book_id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.SaleLine, 0, len(models))
	for _, m := range models {
		res = append(res, saleLineFromModel(m))
	}
	return res, nil
}

// SetRating upserts the user's score for a book.
func (s *GormStore) SetRating(bookID, userID string, score int) error {
	if _, found, err := s.GetBook(bookID); err != nil {
		return err
	} else if !found {
		return ErrBookNotFound
	}
	model := RatingModel{BookID: bookID, UserID: userID, Score: score}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "book_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"score"}),
	}).Create(&model).Error
}

// DeleteRating removes the user's rating; deleting an absent row is a no-op.
func (s *GormStore) DeleteRating(bookID, userID string) error {
	return s.db.Where("book_id = ? AND user_id = ?", bookID, userID).Delete(&RatingModel{}).Error
}

// AverageRating recomputes the mean from live rows, one decimal place.
func (s *GormStore) AverageRating(bookID string) (decimal.Decimal, error) {
	var avg float64
	row := s.db.Model(&RatingModel{}).
		Where("book_id = ?", bookID).
		Select("COALESCE(AVG(score), 0)").
		Row()
	if err := row.Scan(&avg); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromFloat(avg).Round(1), nil
}

func clampQuantity(requested, stock int) int {
	if requested < 1 {
		requested = 1
	}
	if requested > stock {
		requested = stock
	}
	return requested
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		ID:        b.ID,
		Title:     b.Title,
		Author:    b.Author,
		Subject:   b.Subject,
		Price:     b.Price,
		Quantity:  b.Quantity,
		Version:   b.Version,
		CreatedAt: b.CreatedAt,
		UpdatedAt: b.UpdatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	return domain.Book{
		ID:        m.ID,
		Title:     m.Title,
		Author:    m.Author,
		Subject:   m.Subject,
		Price:     m.Price,
		Quantity:  m.Quantity,
		Version:   m.Version,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func cartFromModel(m CartModel) domain.Cart {
	return domain.Cart{ID: m.ID, UserID: m.UserID, CreatedAt: m.CreatedAt}
}

func lineFromModel(m CartLineModel) domain.CartLine {
	return domain.CartLine{CartID: m.CartID, BookID: m.BookID, Quantity: m.Quantity, AddedAt: m.AddedAt}
}

func saleLineFromModel(m SaleLineModel) domain.SaleLine {
	return domain.SaleLine{SaleID: m.SaleID, BookID: m.BookID, Quantity: m.Quantity, PriceAtSale: m.PriceAtSale}
}
