package store

import (
	"context"
	"errors"
	"time"

	"khohang/backend/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrAlreadyCompleted means a completion was attempted on a
	// terminal order. Completion happens at most once; re-completing
	// fails rather than silently no-opping.
	ErrAlreadyCompleted = errors.New("order already completed")
	// ErrInvalidState covers other illegal transitions, e.g.
	// cancelling an order that is not a draft.
	ErrInvalidState = errors.New("invalid order state for this operation")
	// ErrCodeConflict is returned when an order code collides with an
	// existing one. Callers regenerate and retry.
	ErrCodeConflict = errors.New("order code already exists")
	// ErrCodeGeneration is returned once code retries are exhausted.
	// The caller may treat it as transient.
	ErrCodeGeneration = errors.New("could not generate a unique order code")
	ErrInvalidInput   = errors.New("invalid input")
)

// Repository is the persistence boundary for the fulfillment core.
// CreateCompletedOrder, CompleteOrder, CancelOrder and
// ReverseLedgerEntry are each a single atomic unit: header state,
// ledger appends and product balances commit together or not at all,
// and postings for one product are serialized against each other.
type Repository interface {
	CreateProduct(ctx context.Context, p domain.Product) (*domain.Product, error)
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProductsByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error)

	CreateSupplier(ctx context.Context, s domain.Supplier) (*domain.Supplier, error)
	GetSupplier(ctx context.Context, supplierID string) (*domain.Supplier, error)
	ListSuppliers(ctx context.Context) ([]domain.Supplier, error)
	CreateCustomer(ctx context.Context, c domain.Customer) (*domain.Customer, error)
	GetCustomer(ctx context.Context, customerID string) (*domain.Customer, error)
	ListCustomers(ctx context.Context) ([]domain.Customer, error)

	// NextOrderSequence advances and returns the per-type, per-day
	// document counter used to build order codes.
	NextOrderSequence(ctx context.Context, orderType domain.OrderType, dateKey string) (int, error)

	// CreateOrder persists a draft header and its lines. No ledger
	// activity happens here.
	CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error)
	// CreateCompletedOrder persists the order and posts its stock
	// effects in one transaction. Used for sales (always completed at
	// creation) and for purchases created with complete_now.
	CreateCompletedOrder(ctx context.Context, order domain.Order) (*domain.Order, error)
	// CompleteOrder transitions a draft to completed and posts its
	// stock effects, all inside one transaction.
	CompleteOrder(ctx context.Context, orderID string, at time.Time) (*domain.Order, error)
	CancelOrder(ctx context.Context, orderID string, at time.Time) (*domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	ListOrders(ctx context.Context, orderType domain.OrderType, page int, limit int) ([]domain.OrderSummary, int, error)

	GetLedgerEntry(ctx context.Context, entryID string) (*domain.StockLedgerEntry, error)
	ListLedgerEntries(ctx context.Context, productID string, limit int) ([]domain.StockLedgerEntry, error)
	// ReverseLedgerEntry posts an offsetting entry for a mis-posted
	// one. The original entry is never touched.
	ReverseLedgerEntry(ctx context.Context, entryID string, reason string, at time.Time) (*domain.StockLedgerEntry, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
