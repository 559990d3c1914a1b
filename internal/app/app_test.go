package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bookshop/pkg/domain"
	"bookshop/pkg/queue"
	"bookshop/pkg/store"
)

type recordingEnqueuer struct {
	saleIDs []string
	fail    bool
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, saleID, _ string) (queue.ReceiptJob, error) {
	if r.fail {
		return queue.ReceiptJob{}, errors.New("redis unavailable")
	}
	r.saleIDs = append(r.saleIDs, saleID)
	return queue.ReceiptJob{ID: "job-" + saleID, SaleID: saleID}, nil
}

func newTestApp(t *testing.T) (*App, *store.MemoryStore, *recordingEnqueuer) {
	t.Helper()
	st := store.NewMemoryStore()
	enq := &recordingEnqueuer{}
	a, err := New(Config{Store: st, Receipts: enq, LineTTL: time.Minute})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a, st, enq
}

func seedBook(t *testing.T, st *store.MemoryStore, id, title string, price string, qty int) {
	t.Helper()
	p, err := decimal.NewFromString(price)
	if err != nil {
		t.Fatalf("parse price %q: %v", price, err)
	}
	if err := st.SaveBook(domain.Book{ID: id, Title: title, Author: "a", Price: p, Quantity: qty}); err != nil {
		t.Fatalf("SaveBook(%s): %v", id, err)
	}
}

func TestAddToCartAndView(t *testing.T) {
	a, st, _ := newTestApp(t)
	seedBook(t, st, "b1", "Dune", "12.50", 5)

	view, err := a.AddToCart("alice", "b1")
	if err != nil {
		t.Fatalf("AddToCart: %v", err)
	}
	if len(view.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(view.Items))
	}
	if view.Items[0].Quantity != 1 {
		t.Fatalf("expected quantity 1, got %d", view.Items[0].Quantity)
	}
	if got, want := view.Total.String(), "12.5"; got != want {
		t.Fatalf("total = %s, want %s", got, want)
	}

	// A second add of the same book increments the existing line.
	view, err = a.AddToCart("alice", "b1")
	if err != nil {
		t.Fatalf("second AddToCart: %v", err)
	}
	if len(view.Items) != 1 || view.Items[0].Quantity != 2 {
		t.Fatalf("expected single line with quantity 2, got %+v", view.Items)
	}
}

func TestAddToCartUnknownBook(t *testing.T) {
	a, _, _ := newTestApp(t)
	if _, err := a.AddToCart("alice", "nope"); !errors.Is(err, store.ErrBookNotFound) {
		t.Fatalf("expected ErrBookNotFound, got %v", err)
	}
}

func TestViewCartSweepsExpiredLines(t *testing.T) {
	a, st, _ := newTestApp(t)
	seedBook(t, st, "fresh", "Fresh", "5.00", 3)
	seedBook(t, st, "stale", "Stale", "7.00", 3)

	cart, err := st.GetOrCreateCart("alice")
	if err != nil {
		t.Fatalf("GetOrCreateCart: %v", err)
	}
	if _, err := st.AddCartLine(cart.ID, "fresh", time.Now().UTC()); err != nil {
		t.Fatalf("add fresh line: %v", err)
	}
	if _, err := st.AddCartLine(cart.ID, "stale", time.Now().UTC().Add(-2*time.Minute)); err != nil {
		t.Fatalf("add stale line: %v", err)
	}

	view, err := a.ViewCart("alice")
	if err != nil {
		t.Fatalf("ViewCart: %v", err)
	}
	if view.ExpiredCount != 1 {
		t.Fatalf("expected 1 expired line, got %d", view.ExpiredCount)
	}
	if len(view.Items) != 1 || view.Items[0].BookID != "fresh" {
		t.Fatalf("expected only the fresh line, got %+v", view.Items)
	}
}

func TestViewCartClampsToCurrentStock(t *testing.T) {
	a, st, _ := newTestApp(t)
	seedBook(t, st, "b1", "Dune", "10.00", 5)

	for i := 0; i < 4; i++ {
		if _, err := a.AddToCart("alice", "b1"); err != nil {
			t.Fatalf("AddToCart #%d: %v", i+1, err)
		}
	}
	// Stock drops under the cart quantity between reads.
	seedBook(t, st, "b1", "Dune", "10.00", 2)

	view, err := a.ViewCart("alice")
	if err != nil {
		t.Fatalf("ViewCart: %v", err)
	}
	if view.Items[0].Quantity != 2 {
		t.Fatalf("expected quantity clamped to 2, got %d", view.Items[0].Quantity)
	}
	if got, want := view.Total.String(), "20"; got != want {
		t.Fatalf("total = %s, want %s", got, want)
	}
}

func TestViewCartDropsWithdrawnBooks(t *testing.T) {
	a, st, _ := newTestApp(t)
	seedBook(t, st, "b1", "Dune", "10.00", 5)

	cart, err := st.GetOrCreateCart("alice")
	if err != nil {
		t.Fatalf("GetOrCreateCart: %v", err)
	}
	if _, err := st.AddCartLine(cart.ID, "b1", time.Now().UTC()); err != nil {
		t.Fatalf("AddCartLine: %v", err)
	}
	if err := st.DeleteBook("b1"); err != nil {
		t.Fatalf("DeleteBook: %v", err)
	}

	view, err := a.ViewCart("alice")
	if err != nil {
		t.Fatalf("ViewCart: %v", err)
	}
	if len(view.Items) != 0 {
		t.Fatalf("expected empty cart, got %+v", view.Items)
	}
}

func TestUpdateQuantityReturnsTotals(t *testing.T) {
	a, st, _ := newTestApp(t)
	seedBook(t, st, "b1", "Dune", "10.00", 5)
	seedBook(t, st, "b2", "Hyperion", "4.00", 9)
	if _, err := a.AddToCart("alice", "b1"); err != nil {
		t.Fatalf("AddToCart b1: %v", err)
	}
	if _, err := a.AddToCart("alice", "b2"); err != nil {
		t.Fatalf("AddToCart b2: %v", err)
	}

	upd, err := a.UpdateQuantity("alice", "b1", 99)
	if err != nil {
		t.Fatalf("UpdateQuantity: %v", err)
	}
	if upd.Quantity != 5 {
		t.Fatalf("expected quantity clamped to 5, got %d", upd.Quantity)
	}
	if got, want := upd.ItemSubtotal.String(), "50"; got != want {
		t.Fatalf("item subtotal = %s, want %s", got, want)
	}
	if got, want := upd.CartTotal.String(), "54"; got != want {
		t.Fatalf("cart total = %s, want %s", got, want)
	}

	if _, err := a.UpdateQuantity("alice", "absent", 2); !errors.Is(err, store.ErrLineNotFound) {
		t.Fatalf("expected ErrLineNotFound, got %v", err)
	}
}

func TestPurchaseFreezesPricesAndEnqueuesReceipt(t *testing.T) {
	a, st, enq := newTestApp(t)
	seedBook(t, st, "b1", "Dune", "12.50", 5)
	if _, err := a.AddToCart("alice", "b1"); err != nil {
		t.Fatalf("AddToCart: %v", err)
	}
	if _, err := a.UpdateQuantity("alice", "b1", 2); err != nil {
		t.Fatalf("UpdateQuantity: %v", err)
	}

	res, err := a.Purchase(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Purchase: %v", err)
	}
	if len(res.Lines) != 1 {
		t.Fatalf("expected 1 sale line, got %d", len(res.Lines))
	}
	if got, want := res.Lines[0].PriceAtSale.String(), "12.5"; got != want {
		t.Fatalf("frozen price = %s, want %s", got, want)
	}
	if got, want := res.Total.String(), "25"; got != want {
		t.Fatalf("sale total = %s, want %s", got, want)
	}
	if len(enq.saleIDs) != 1 || enq.saleIDs[0] != res.Sale.ID {
		t.Fatalf("expected receipt job for sale %s, got %v", res.Sale.ID, enq.saleIDs)
	}

	view, err := a.ViewCart("alice")
	if err != nil {
		t.Fatalf("ViewCart after purchase: %v", err)
	}
	if len(view.Items) != 0 {
		t.Fatalf("expected empty cart after purchase, got %+v", view.Items)
	}

	history, err := a.SalesHistory("alice")
	if err != nil {
		t.Fatalf("SalesHistory: %v", err)
	}
	if len(history) != 1 || history[0].Sale.ID != res.Sale.ID {
		t.Fatalf("expected the sale in history, got %+v", history)
	}
}

func TestPurchaseSurvivesReceiptQueueOutage(t *testing.T) {
	a, st, enq := newTestApp(t)
	enq.fail = true
	seedBook(t, st, "b1", "Dune", "12.50", 5)
	if _, err := a.AddToCart("alice", "b1"); err != nil {
		t.Fatalf("AddToCart: %v", err)
	}
	if _, err := a.Purchase(context.Background(), "alice"); err != nil {
		t.Fatalf("Purchase should not fail on enqueue error: %v", err)
	}
}

func TestPurchaseEmptyCart(t *testing.T) {
	a, _, _ := newTestApp(t)
	if _, err := a.Purchase(context.Background(), "alice"); !errors.Is(err, store.ErrCartEmpty) {
		t.Fatalf("expected ErrCartEmpty, got %v", err)
	}
}

func TestProcessReceipt(t *testing.T) {
	a, st, _ := newTestApp(t)
	seedBook(t, st, "b1", "Dune", "12.50", 5)
	if _, err := a.AddToCart("alice", "b1"); err != nil {
		t.Fatalf("AddToCart: %v", err)
	}
	res, err := a.Purchase(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Purchase: %v", err)
	}

	job := queue.ReceiptJob{ID: "j1", SaleID: res.Sale.ID, UserID: "alice"}
	if err := a.ProcessReceipt(context.Background(), job); err != nil {
		t.Fatalf("ProcessReceipt: %v", err)
	}

	job.SaleID = "missing"
	if err := a.ProcessReceipt(context.Background(), job); err == nil {
		t.Fatal("expected error for unknown sale")
	}
}

func TestRateBook(t *testing.T) {
	a, st, _ := newTestApp(t)
	seedBook(t, st, "b1", "Dune", "12.50", 5)

	if _, err := a.RateBook("alice", "b1", 6); !errors.Is(err, ErrInvalidScore) {
		t.Fatalf("expected ErrInvalidScore for 6, got %v", err)
	}
	if _, err := a.RateBook("alice", "b1", -1); !errors.Is(err, ErrInvalidScore) {
		t.Fatalf("expected ErrInvalidScore for -1, got %v", err)
	}
	if _, err := a.RateBook("alice", "ghost", 4); !errors.Is(err, store.ErrBookNotFound) {
		t.Fatalf("expected ErrBookNotFound for unknown book, got %v", err)
	}
	// The withdraw branch checks book existence too.
	if _, err := a.RateBook("alice", "ghost", 0); !errors.Is(err, store.ErrBookNotFound) {
		t.Fatalf("expected ErrBookNotFound for score-0 on unknown book, got %v", err)
	}

	avg, err := a.RateBook("alice", "b1", 4)
	if err != nil {
		t.Fatalf("RateBook: %v", err)
	}
	if got, want := avg.String(), "4"; got != want {
		t.Fatalf("avg = %s, want %s", got, want)
	}
	avg, err = a.RateBook("bob", "b1", 3)
	if err != nil {
		t.Fatalf("RateBook bob: %v", err)
	}
	if got, want := avg.String(), "3.5"; got != want {
		t.Fatalf("avg = %s, want %s", got, want)
	}

	// Score 0 withdraws the caller's rating.
	avg, err = a.RateBook("bob", "b1", 0)
	if err != nil {
		t.Fatalf("RateBook withdraw: %v", err)
	}
	if got, want := avg.String(), "4"; got != want {
		t.Fatalf("avg after withdraw = %s, want %s", got, want)
	}
}

func TestGetBookDetail(t *testing.T) {
	a, st, _ := newTestApp(t)
	seedBook(t, st, "b1", "Dune", "12.50", 5)
	if _, err := a.RateBook("alice", "b1", 5); err != nil {
		t.Fatalf("RateBook: %v", err)
	}

	detail, err := a.GetBookDetail("b1")
	if err != nil {
		t.Fatalf("GetBookDetail: %v", err)
	}
	if detail.Title != "Dune" {
		t.Fatalf("title = %q", detail.Title)
	}
	if got, want := detail.AvgRating.String(), "5"; got != want {
		t.Fatalf("avg = %s, want %s", got, want)
	}

	if _, err := a.GetBookDetail("nope"); !errors.Is(err, store.ErrBookNotFound) {
		t.Fatalf("expected ErrBookNotFound, got %v", err)
	}
}

func TestUpsertBookValidation(t *testing.T) {
	a, _, _ := newTestApp(t)
	if _, err := a.UpsertBook(domain.Book{ID: "", Title: "x"}); err == nil {
		t.Fatal("expected error for missing id")
	}
	if _, err := a.UpsertBook(domain.Book{ID: "b1", Title: "x", Quantity: -1}); err == nil {
		t.Fatal("expected error for negative quantity")
	}
	if _, err := a.UpsertBook(domain.Book{ID: "b1", Title: "x", Price: decimal.NewFromInt(-1)}); err == nil {
		t.Fatal("expected error for negative price")
	}
	book, err := a.UpsertBook(domain.Book{ID: "b1", Title: "Dune", Price: decimal.NewFromInt(12), Quantity: 3})
	if err != nil {
		t.Fatalf("UpsertBook: %v", err)
	}
	if book.CreatedAt.IsZero() || book.UpdatedAt.IsZero() {
		t.Fatal("expected timestamps to be set")
	}
}
