// Package pricing turns requested order items into priced line records
// and order-level totals. It is pure: no I/O, no clock, no store.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"khohang/backend/internal/domain"
)

var oneHundred = decimal.NewFromInt(100)

type Input struct {
	Type          domain.OrderType
	Items         []domain.OrderLineInput
	DiscountType  domain.DiscountType
	DiscountValue decimal.Decimal
	VATRate       decimal.Decimal
	OtherFee      decimal.Decimal
	// Costs maps product id to its current weighted-average cost.
	// Used for the preliminary profit on sales lines; the completion
	// transaction re-snapshots the cost under lock and recomputes.
	Costs map[string]decimal.Decimal
}

type Result struct {
	Lines         []domain.OrderLine
	TotalAmount   decimal.Decimal
	AfterDiscount decimal.Decimal
	VATAmount     decimal.Decimal
	FinalAmount   decimal.Decimal
	TotalProfit   decimal.Decimal
}

func Price(in Input) (Result, error) {
	if !in.Type.IsValid() {
		return Result{}, domain.NewValidationError("type", "unknown order type")
	}
	if len(in.Items) == 0 {
		return Result{}, domain.NewValidationError("items", "item list is empty")
	}
	if in.DiscountType == "" {
		in.DiscountType = domain.DiscountTypeAmount
	}
	if !in.DiscountType.IsValid() {
		return Result{}, domain.NewValidationError("discount_type", "must be amount or percent")
	}
	if in.DiscountValue.IsNegative() {
		return Result{}, domain.NewValidationError("discount_value", "must not be negative")
	}
	if in.DiscountType == domain.DiscountTypePercent && in.DiscountValue.GreaterThan(oneHundred) {
		return Result{}, domain.NewValidationError("discount_value", "percent discount exceeds 100")
	}
	if in.VATRate.IsNegative() {
		return Result{}, domain.NewValidationError("vat_rate", "must not be negative")
	}
	if in.OtherFee.IsNegative() {
		return Result{}, domain.NewValidationError("other_fee", "must not be negative")
	}

	res := Result{Lines: make([]domain.OrderLine, 0, len(in.Items))}
	for i, item := range in.Items {
		line, err := priceLine(i, item, in.Type, in.Costs)
		if err != nil {
			return Result{}, err
		}
		res.Lines = append(res.Lines, line)
		res.TotalAmount = res.TotalAmount.Add(line.TotalAmount)
		if in.Type == domain.OrderTypeSale {
			res.TotalProfit = res.TotalProfit.Add(line.Profit)
		}
	}

	switch in.DiscountType {
	case domain.DiscountTypePercent:
		factor := decimal.NewFromInt(1).Sub(in.DiscountValue.Div(oneHundred))
		res.AfterDiscount = res.TotalAmount.Mul(factor)
	default:
		res.AfterDiscount = res.TotalAmount.Sub(in.DiscountValue)
	}

	res.VATAmount = res.AfterDiscount.Mul(in.VATRate).Div(oneHundred)

	res.FinalAmount = res.AfterDiscount.Add(res.VATAmount).Add(in.OtherFee)
	if res.FinalAmount.IsNegative() {
		res.FinalAmount = decimal.Zero
	}

	return res, nil
}

func priceLine(idx int, item domain.OrderLineInput, orderType domain.OrderType, costs map[string]decimal.Decimal) (domain.OrderLine, error) {
	field := func(name string) string { return fmt.Sprintf("items[%d].%s", idx, name) }

	if item.ProductID == "" {
		return domain.OrderLine{}, domain.NewValidationError(field("product_id"), "is required")
	}
	if item.Quantity <= 0 {
		return domain.OrderLine{}, domain.NewValidationError(field("quantity"), "must be positive")
	}
	if item.UnitPrice.IsNegative() {
		return domain.OrderLine{}, domain.NewValidationError(field("unit_price"), "must not be negative")
	}
	if item.Discount.IsNegative() {
		return domain.OrderLine{}, domain.NewValidationError(field("discount"), "must not be negative")
	}

	qty := decimal.NewFromInt(int64(item.Quantity))
	subtotal := item.UnitPrice.Mul(qty)
	if item.Discount.GreaterThan(subtotal) {
		// A negative line total is rejected, not clamped.
		return domain.OrderLine{}, domain.NewValidationError(field("discount"), "exceeds line subtotal")
	}

	line := domain.OrderLine{
		ProductID:   item.ProductID,
		Quantity:    item.Quantity,
		UnitPrice:   item.UnitPrice,
		Discount:    item.Discount,
		TotalAmount: subtotal.Sub(item.Discount),
	}

	switch orderType {
	case domain.OrderTypePurchase:
		line.ImportPrice = line.TotalAmount.Div(qty)
	case domain.OrderTypeSale:
		cost := costs[item.ProductID]
		line.CostPrice = cost
		line.Profit = line.TotalAmount.Sub(cost.Mul(qty))
	}

	return line, nil
}
