// Package ledger holds the stock posting and valuation rules. The
// functions are pure over the product snapshot handed in; the caller
// owns exclusivity on that product (a FOR UPDATE row lock in the
// postgres store, the store mutex in the memory store) for the whole
// read-post-persist sequence.
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"khohang/backend/internal/domain"
)

// WeightedAverageCost blends an incoming receipt into the running
// average unit cost. When nothing is on hand the import price becomes
// the new cost basis outright.
func WeightedAverageCost(stockBefore int, oldCost decimal.Decimal, quantity int, importPrice decimal.Decimal) decimal.Decimal {
	if stockBefore <= 0 {
		return importPrice
	}
	before := decimal.NewFromInt(int64(stockBefore))
	incoming := decimal.NewFromInt(int64(quantity))
	total := before.Add(incoming)
	return before.Mul(oldCost).Add(incoming.Mul(importPrice)).Div(total)
}

// CheckAvailability is the guard run before any sale posting. It
// aggregates requested quantities per product, so two lines of the
// same product cannot pass individually and fail combined.
func CheckAvailability(stock map[string]int, lines []domain.OrderLine) error {
	requested := make(map[string]int, len(lines))
	for _, line := range lines {
		requested[line.ProductID] += line.Quantity
	}
	for productID, qty := range requested {
		available, ok := stock[productID]
		if !ok || available < qty {
			return &domain.InsufficientStockError{
				ProductID: productID,
				Available: available,
				Requested: qty,
			}
		}
	}
	return nil
}

// PostLine applies one completed order line to the product: it
// computes the after-balance and new cost basis, mutates the product
// snapshot, and returns the ledger entry to append. The entry carries
// the before/after balances as proof of continuity. For sales the
// line's cost snapshot and profit are recomputed here, from the cost
// in force at posting time. The returned entry has no ID; the store
// assigns one when persisting.
func PostLine(p *domain.Product, line *domain.OrderLine, orderType domain.OrderType, refCode string, at time.Time) (domain.StockLedgerEntry, error) {
	switch orderType {
	case domain.OrderTypePurchase:
		return postIn(p, line, refCode, at)
	case domain.OrderTypeSale:
		return postOut(p, line, refCode, at)
	}
	return domain.StockLedgerEntry{}, fmt.Errorf("unsupported order type %q", orderType)
}

func postIn(p *domain.Product, line *domain.OrderLine, refCode string, at time.Time) (domain.StockLedgerEntry, error) {
	before := p.Stock
	after := before + line.Quantity

	p.CostPrice = WeightedAverageCost(before, p.CostPrice, line.Quantity, line.ImportPrice)
	p.Stock = after
	p.UpdatedAt = at

	return domain.StockLedgerEntry{
		ProductID:       p.ID,
		RefCode:         refCode,
		RefType:         domain.RefTypePurchase,
		TransactionType: domain.TransactionIn,
		Quantity:        line.Quantity,
		UnitCost:        line.ImportPrice,
		StockBefore:     before,
		StockAfter:      after,
		CreatedAt:       at,
	}, nil
}

func postOut(p *domain.Product, line *domain.OrderLine, refCode string, at time.Time) (domain.StockLedgerEntry, error) {
	before := p.Stock
	after := before - line.Quantity
	if after < 0 {
		// Defense in depth behind CheckAvailability.
		return domain.StockLedgerEntry{}, &domain.InsufficientStockError{
			ProductID: p.ID,
			Available: before,
			Requested: line.Quantity,
		}
	}

	// A sale never moves the cost basis.
	cost := p.CostPrice
	line.CostPrice = cost
	line.Profit = line.TotalAmount.Sub(cost.Mul(decimal.NewFromInt(int64(line.Quantity))))

	p.Stock = after
	p.UpdatedAt = at

	return domain.StockLedgerEntry{
		ProductID:       p.ID,
		RefCode:         refCode,
		RefType:         domain.RefTypeSale,
		TransactionType: domain.TransactionOut,
		Quantity:        -line.Quantity,
		UnitCost:        cost,
		StockBefore:     before,
		StockAfter:      after,
		CreatedAt:       at,
	}, nil
}

// Reversal builds the offsetting entry for a mis-posted ledger entry.
// History is never mutated: the original stays as written and the
// reversal points back at it. The product's cost basis is left
// untouched; only the balance moves.
func Reversal(p *domain.Product, original domain.StockLedgerEntry, reason string, at time.Time) (domain.StockLedgerEntry, error) {
	if original.RefType == domain.RefTypeReversal {
		return domain.StockLedgerEntry{}, domain.NewValidationError("entry_id", "a reversal cannot be reversed")
	}

	before := p.Stock
	after := before - original.Quantity
	if after < 0 {
		return domain.StockLedgerEntry{}, &domain.InsufficientStockError{
			ProductID: p.ID,
			Available: before,
			Requested: original.Quantity,
		}
	}

	txType := domain.TransactionIn
	if original.Quantity > 0 {
		txType = domain.TransactionOut
	}

	p.Stock = after
	p.UpdatedAt = at

	return domain.StockLedgerEntry{
		ProductID:       p.ID,
		RefCode:         original.RefCode,
		RefType:         domain.RefTypeReversal,
		TransactionType: txType,
		Quantity:        -original.Quantity,
		UnitCost:        original.UnitCost,
		StockBefore:     before,
		StockAfter:      after,
		ReversedEntryID: original.ID,
		Note:            reason,
		CreatedAt:       at,
	}, nil
}
