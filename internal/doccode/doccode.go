// Package doccode formats the human-readable document codes stamped
// on orders: a type prefix, the creation date, and a per-day sequence
// number, e.g. PO-20260901-0042. Uniqueness is enforced by the store's
// unique constraint on order codes; callers retry generation a bounded
// number of times when that constraint fires.
package doccode

import (
	"fmt"
	"time"

	"khohang/backend/internal/domain"
)

// MaxAttempts bounds the generate-and-insert retry loop. Exhausting it
// surfaces as a code generation failure to the caller.
const MaxAttempts = 5

func Prefix(t domain.OrderType) string {
	if t == domain.OrderTypeSale {
		return "SO"
	}
	return "PO"
}

func DateKey(at time.Time) string {
	return at.UTC().Format("20060102")
}

func Format(t domain.OrderType, at time.Time, seq int) string {
	return fmt.Sprintf("%s-%s-%04d", Prefix(t), DateKey(at), seq)
}
