package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"bookshop/internal/app"
	"bookshop/internal/ratelimit"
	"bookshop/internal/usertoken"
	"bookshop/internal/util"
	"bookshop/pkg/domain"
	"bookshop/pkg/store"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                        *app.App
	TokenVerifier              *usertoken.Verifier
	RedisAddr                  string
	RedisPassword              string
	CartRateLimitPerMinute     int
	PurchaseRateLimitPerMinute int
	RatingRateLimitPerMinute   int
}

// Server exposes the shop's HTTP endpoints.
type Server struct {
	app             *app.App
	tokenVerifier   *usertoken.Verifier
	mux             *http.ServeMux
	cartLimiter     *ratelimit.FixedWindowLimiter
	purchaseLimiter *ratelimit.FixedWindowLimiter
	ratingLimiter   *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	cartLimit := cfg.CartRateLimitPerMinute
	if cartLimit <= 0 {
		cartLimit = 60
	}
	purchaseLimit := cfg.PurchaseRateLimitPerMinute
	if purchaseLimit <= 0 {
		purchaseLimit = 10
	}
	ratingLimit := cfg.RatingRateLimitPerMinute
	if ratingLimit <= 0 {
		ratingLimit = 30
	}
	rateWindow := time.Minute
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		prefix := "bookshop:ratelimit:" + name
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, rateWindow)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	cartLimiter, err := newLimiter("cart", cartLimit)
	if err != nil {
		return nil, err
	}
	purchaseLimiter, err := newLimiter("purchase", purchaseLimit)
	if err != nil {
		return nil, err
	}
	ratingLimiter, err := newLimiter("rating", ratingLimit)
	if err != nil {
		return nil, err
	}
	s := &Server{
		app:             cfg.App,
		tokenVerifier:   cfg.TokenVerifier,
		mux:             http.NewServeMux(),
		cartLimiter:     cartLimiter,
		purchaseLimiter: purchaseLimiter,
		ratingLimiter:   ratingLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("shop", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// catalog reads are public; rating writes need a token
	s.mux.HandleFunc("/api/books", s.handleBooks)
	booksWrite := s.withUser(s.handleBookWrite)
	s.mux.Handle("/api/books/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			s.handleBookRead(w, r)
			return
		}
		booksWrite.ServeHTTP(w, r)
	}))

	// cart
	s.mux.Handle("/api/cart", s.withUser(s.handleCart))
	s.mux.Handle("/api/cart/items", s.withUser(s.handleCartItems))
	s.mux.Handle("/api/cart/items/", s.withUser(s.handleCartItemByID))

	// purchase and history
	s.mux.Handle("/api/purchase", s.withUser(s.handlePurchase))
	s.mux.Handle("/api/sales", s.withUser(s.handleSales))

	// inventory administration
	s.mux.Handle("/api/admin/books/", s.withAdmin(s.handleAdminBook))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// identity is the authenticated caller extracted from the bearer token.
type identity struct {
	UserID string
	Role   string
}

type userHandler func(http.ResponseWriter, *http.Request, identity)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokenVerifier == nil {
			writeError(w, http.StatusInternalServerError, "token verifier not configured")
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		userID, role, err := s.tokenVerifier.Verify(token)
		if err != nil {
			s.audit(r, "token_verify", "failure", "reason", "invalid_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, identity{UserID: userID, Role: role})
	})
}

func (s *Server) withAdmin(next userHandler) http.Handler {
	return s.withUser(func(w http.ResponseWriter, r *http.Request, user identity) {
		if user.Role != string(domain.RoleAdmin) {
			s.audit(r, "admin_access", "denied", "user_id", user.UserID)
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next(w, r, user)
	})
}

// GET /api/books, no token required.
func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	books, err := s.app.ListBooks()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": books,
		"count": len(books),
	})
}

// GET /api/books/{id} or GET /api/books/{id}/rating, no token required.
func (s *Server) handleBookRead(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/books/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		notFound(w, "not found")
		return
	}
	if len(parts) == 2 && parts[1] == "rating" {
		avg, err := s.app.AverageRating(id)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"bookId": id, "avgRating": avg})
		return
	}
	if len(parts) == 2 {
		notFound(w, "not found")
		return
	}
	detail, err := s.app.GetBookDetail(id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// Non-GET under /api/books/: only POST /api/books/{id}/rating is valid.
func (s *Server) handleBookWrite(w http.ResponseWriter, r *http.Request, user identity) {
	path := strings.TrimPrefix(r.URL.Path, "/api/books/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		notFound(w, "not found")
		return
	}
	if len(parts) != 2 || parts[1] != "rating" {
		methodNotAllowed(w)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.ratingLimiter, "too many rating requests") {
		return
	}
	var req ratingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	avg, err := s.app.RateBook(user.UserID, id, req.Score)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookId": id, "avgRating": avg})
}

func (s *Server) handleCart(w http.ResponseWriter, r *http.Request, user identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	view, err := s.app.ViewCart(user.UserID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCartItems(w http.ResponseWriter, r *http.Request, user identity) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.cartLimiter, "too many cart requests") {
		return
	}
	var req addItemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.BookID = strings.TrimSpace(req.BookID)
	if req.BookID == "" {
		writeError(w, http.StatusBadRequest, "bookId is required")
		return
	}
	view, err := s.app.AddToCart(user.UserID, req.BookID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// /api/cart/items/{bookId}
func (s *Server) handleCartItemByID(w http.ResponseWriter, r *http.Request, user identity) {
	bookID := strings.TrimPrefix(r.URL.Path, "/api/cart/items/")
	if bookID == "" || strings.Contains(bookID, "/") {
		notFound(w, "not found")
		return
	}
	switch r.Method {
	case http.MethodDelete:
		if !s.allowRate(w, r, s.cartLimiter, "too many cart requests") {
			return
		}
		view, err := s.app.RemoveFromCart(user.UserID, bookID)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case http.MethodPatch:
		if !s.allowRate(w, r, s.cartLimiter, "too many cart requests") {
			return
		}
		var req quantityRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		update, err := s.app.UpdateQuantity(user.UserID, bookID, req.Quantity)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, update)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request, user identity) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.purchaseLimiter, "too many purchase requests") {
		return
	}
	result, err := s.app.Purchase(r.Context(), user.UserID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "purchase", "success", "user_id", user.UserID, "sale_id", result.Sale.ID)
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleSales(w http.ResponseWriter, r *http.Request, user identity) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	sales, err := s.app.SalesHistory(user.UserID)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": sales,
		"count": len(sales),
	})
}

// /api/admin/books/{id}
func (s *Server) handleAdminBook(w http.ResponseWriter, r *http.Request, user identity) {
	id := strings.TrimPrefix(r.URL.Path, "/api/admin/books/")
	if id == "" || strings.Contains(id, "/") {
		notFound(w, "not found")
		return
	}
	switch r.Method {
	case http.MethodPut:
		var req bookRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		book, err := s.app.UpsertBook(domain.Book{
			ID:       id,
			Title:    req.Title,
			Author:   req.Author,
			Subject:  req.Subject,
			Price:    req.Price,
			Quantity: req.Quantity,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.audit(r, "book_upsert", "success", "user_id", user.UserID, "book_id", id)
		writeJSON(w, http.StatusOK, book)
	case http.MethodDelete:
		if err := s.app.DeleteBook(id); err != nil {
			s.writeAppError(w, r, err)
			return
		}
		s.audit(r, "book_delete", "success", "user_id", user.UserID, "book_id", id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

// writeAppError maps application errors onto HTTP statuses. Unknown errors
// are logged and sanitized.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *store.StockConflictError
	switch {
	case errors.Is(err, store.ErrBookNotFound):
		notFound(w, "book not found")
	case errors.Is(err, store.ErrLineNotFound):
		notFound(w, "cart line not found")
	case errors.Is(err, store.ErrOutOfStock):
		writeError(w, http.StatusConflict, "book out of stock")
	case errors.Is(err, store.ErrStockLimitReached):
		writeError(w, http.StatusConflict, "stock limit reached")
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, conflict.Error())
	case errors.Is(err, store.ErrCartEmpty):
		writeError(w, http.StatusUnprocessableEntity, "cart is empty")
	case errors.Is(err, app.ErrInvalidScore):
		writeError(w, http.StatusBadRequest, "score must be between 0 and 5")
	default:
		slog.Error("request failed",
			"path", r.URL.Path,
			"method", r.Method,
			"request_id", util.RequestIDFromRequest(r),
			"err", err,
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
		return
	}
	slog.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	key := r.URL.Path + "|" + util.ClientIP(r)
	if limiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error: msg,
		Code:  errorCodeFor(status, msg),
	})
}

func errorCodeFor(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "forbidden":
		return "AUTH_FORBIDDEN"
	case message == "book not found":
		return "BOOK_NOT_FOUND"
	case message == "cart line not found":
		return "CART_LINE_NOT_FOUND"
	case message == "book out of stock":
		return "CART_OUT_OF_STOCK"
	case message == "stock limit reached":
		return "CART_STOCK_LIMIT"
	case strings.HasPrefix(message, "stock conflict"):
		return "ORDER_STOCK_CONFLICT"
	case message == "cart is empty":
		return "ORDER_CART_EMPTY"
	case strings.HasPrefix(message, "score must be"):
		return "RATING_INVALID_SCORE"
	case message == "invalid json body":
		return "REQUEST_INVALID_BODY"
	case strings.HasPrefix(message, "too many"):
		return "REQUEST_RATE_LIMITED"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "REQUEST_INVALID"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "AUTH_FORBIDDEN"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case http.StatusTooManyRequests:
		return "REQUEST_RATE_LIMITED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}

type addItemRequest struct {
	BookID string `json:"bookId"`
}

type quantityRequest struct {
	Quantity int `json:"quantity"`
}

type ratingRequest struct {
	Score int `json:"score"`
}

type bookRequest struct {
	Title    string          `json:"title"`
	Author   string          `json:"author"`
	Subject  string          `json:"subject"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
