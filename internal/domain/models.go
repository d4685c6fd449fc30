package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID        string          `json:"id"`
	Code      string          `json:"code"`
	Name      string          `json:"name"`
	Unit      string          `json:"unit"`
	Stock     int             `json:"stock"`
	CostPrice decimal.Decimal `json:"cost_price"`
	SalePrice decimal.Decimal `json:"sale_price"`
	Active    bool            `json:"active"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type ProductCreateRequest struct {
	Code         string          `json:"code"`
	Name         string          `json:"name"`
	Unit         string          `json:"unit"`
	SalePrice    decimal.Decimal `json:"sale_price"`
	InitialCost  decimal.Decimal `json:"initial_cost"`
	InitialStock int             `json:"initial_stock"`
}

type Supplier struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"created_at"`
}

type SupplierCreateRequest struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

type Customer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"created_at"`
}

type CustomerCreateRequest struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

// OrderLine is a priced line as persisted on an order. CostPrice and
// Profit are populated for sales lines at completion time, from the
// product row locked inside the completion transaction. ImportPrice is
// populated for purchase lines and is the effective per-unit landed
// cost after the line discount.
type OrderLine struct {
	ProductID   string          `json:"product_id"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Discount    decimal.Decimal `json:"discount"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	CostPrice   decimal.Decimal `json:"cost_price"`
	Profit      decimal.Decimal `json:"profit"`
	ImportPrice decimal.Decimal `json:"import_price"`
}

// OrderLineView joins an order line with its product summary for
// responses.
type OrderLineView struct {
	OrderLine
	ProductCode string `json:"product_code"`
	ProductName string `json:"product_name"`
	ProductUnit string `json:"product_unit"`
}

type Order struct {
	ID            string          `json:"id"`
	Code          string          `json:"code"`
	Type          OrderType       `json:"type"`
	SupplierID    string          `json:"supplier_id,omitempty"`
	CustomerID    string          `json:"customer_id,omitempty"`
	Lines         []OrderLine     `json:"lines"`
	DiscountType  DiscountType    `json:"discount_type"`
	DiscountValue decimal.Decimal `json:"discount_value"`
	VATRate       decimal.Decimal `json:"vat_rate"`
	VATAmount     decimal.Decimal `json:"vat_amount"`
	OtherFee      decimal.Decimal `json:"other_fee"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	AfterDiscount decimal.Decimal `json:"after_discount"`
	FinalAmount   decimal.Decimal `json:"final_amount"`
	TotalProfit   decimal.Decimal `json:"total_profit"`
	PaidAmount    decimal.Decimal `json:"paid_amount"`
	PaymentStatus PaymentStatus   `json:"payment_status,omitempty"`
	Status        OrderStatus     `json:"status"`
	Note          string          `json:"note,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	CancelledAt   *time.Time      `json:"cancelled_at,omitempty"`
}

// OrderSummary is the list-view projection of an order.
type OrderSummary struct {
	ID               string          `json:"id"`
	Code             string          `json:"code"`
	Type             OrderType       `json:"type"`
	Status           OrderStatus     `json:"status"`
	CounterpartyID   string          `json:"counterparty_id,omitempty"`
	CounterpartyName string          `json:"counterparty_name,omitempty"`
	LineCount        int             `json:"line_count"`
	FinalAmount      decimal.Decimal `json:"final_amount"`
	CreatedAt        time.Time       `json:"created_at"`
}

// StockLedgerEntry is an append-only stock movement record. Entries
// are immutable once written; corrections are posted as new entries
// with RefType "reversal" pointing back at the original.
type StockLedgerEntry struct {
	ID              string          `json:"id"`
	ProductID       string          `json:"product_id"`
	RefCode         string          `json:"ref_code"`
	RefType         RefType         `json:"ref_type"`
	TransactionType TransactionType `json:"transaction_type"`
	Quantity        int             `json:"quantity"`
	UnitCost        decimal.Decimal `json:"unit_cost"`
	StockBefore     int             `json:"stock_before"`
	StockAfter      int             `json:"stock_after"`
	ReversedEntryID string          `json:"reversed_entry_id,omitempty"`
	Note            string          `json:"note,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

type OrderLineInput struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Discount  decimal.Decimal `json:"discount"`
}

type PurchaseOrderCreateRequest struct {
	SupplierID    string           `json:"supplier_id,omitempty"`
	Items         []OrderLineInput `json:"items"`
	DiscountType  DiscountType     `json:"discount_type"`
	DiscountValue decimal.Decimal  `json:"discount_value"`
	VATRate       decimal.Decimal  `json:"vat_rate"`
	OtherFee      decimal.Decimal  `json:"other_fee"`
	Note          string           `json:"note"`
	CompleteNow   bool             `json:"complete_now"`
}

type SalesOrderCreateRequest struct {
	CustomerID    string           `json:"customer_id,omitempty"`
	Items         []OrderLineInput `json:"items"`
	DiscountType  DiscountType     `json:"discount_type"`
	DiscountValue decimal.Decimal  `json:"discount_value"`
	VATRate       decimal.Decimal  `json:"vat_rate"`
	OtherFee      decimal.Decimal  `json:"other_fee"`
	Note          string           `json:"note"`
	PaidAmount    decimal.Decimal  `json:"paid_amount"`
}

type OrderCompleteRequest struct {
	OrderID string `json:"order_id"`
}

type OrderCancelRequest struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

type OrderGetRequest struct {
	OrderID string `json:"order_id"`
}

type OrderListRequest struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

type OrderResponse struct {
	Order Order           `json:"order"`
	Lines []OrderLineView `json:"lines"`
}

type OrderCompleteResponse struct {
	OrderID string      `json:"order_id"`
	Code    string      `json:"code"`
	Status  OrderStatus `json:"status"`
}

type OrderListResponse struct {
	Orders     []OrderSummary `json:"orders"`
	Total      int            `json:"total"`
	Page       int            `json:"page"`
	Limit      int            `json:"limit"`
	TotalPages int            `json:"total_pages"`
}

type StockCardResponse struct {
	Product Product            `json:"product"`
	Entries []StockLedgerEntry `json:"entries"`
}

type LedgerReversalRequest struct {
	EntryID string `json:"entry_id"`
	Reason  string `json:"reason"`
}

type LedgerReversalResponse struct {
	Original StockLedgerEntry `json:"original"`
	Reversal StockLedgerEntry `json:"reversal"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}
