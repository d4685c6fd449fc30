package domain

type OrderType string

const (
	OrderTypePurchase OrderType = "purchase"
	OrderTypeSale     OrderType = "sale"
)

func (t OrderType) IsValid() bool {
	return t == OrderTypePurchase || t == OrderTypeSale
}

// OrderStatus is a closed set. Transitions are checked through
// CanTransitionTo; status strings never appear in comparisons outside
// this file.
type OrderStatus string

const (
	OrderStatusDraft     OrderStatus = "draft"
	OrderStatusCompleted OrderStatus = "completed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderStatusDraft, OrderStatusCompleted, OrderStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the order can never change status again.
// Both completed and cancelled are terminal.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	switch s {
	case OrderStatusDraft:
		return next == OrderStatusCompleted || next == OrderStatusCancelled
	case OrderStatusCompleted, OrderStatusCancelled:
		return false
	}
	return false
}

type DiscountType string

const (
	DiscountTypeAmount  DiscountType = "amount"
	DiscountTypePercent DiscountType = "percent"
)

func (d DiscountType) IsValid() bool {
	return d == DiscountTypeAmount || d == DiscountTypePercent
}

type PaymentStatus string

const (
	PaymentStatusUnpaid  PaymentStatus = "unpaid"
	PaymentStatusPartial PaymentStatus = "partial"
	PaymentStatusPaid    PaymentStatus = "paid"
)

type TransactionType string

const (
	TransactionIn  TransactionType = "IN"
	TransactionOut TransactionType = "OUT"
)

type RefType string

const (
	RefTypePurchase RefType = "purchase"
	RefTypeSale     RefType = "sale"
	RefTypeReversal RefType = "reversal"
)
