package service

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"khohang/backend/internal/cache"
	"khohang/backend/internal/doccode"
	"khohang/backend/internal/domain"
	"khohang/backend/internal/store"
	"khohang/backend/internal/store/memory"
)

func dec(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestService() *Service {
	return New(memory.NewSeeded(), cache.NoopOrderCache{}, 5*time.Minute)
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "cashier", Role: "cashier"})
}

// Seeded fixtures used throughout: prd-gao-st25 has stock 40 at cost
// 125000, prd-mi-hh has stock 25 at cost 98000, prd-duong has stock 80
// at cost 21000.

func TestCreatePurchaseOrderDraftLeavesStockUntouched(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	resp, err := svc.CreatePurchaseOrder(ctx, domain.PurchaseOrderCreateRequest{
		SupplierID: "sup-an-phat",
		Items: []domain.OrderLineInput{
			{ProductID: "prd-duong", Quantity: 20, UnitPrice: dec("26000")},
		},
	})
	if err != nil {
		t.Fatalf("create purchase failed: %v", err)
	}
	if resp.Order.Status != domain.OrderStatusDraft {
		t.Fatalf("status = %s, want draft", resp.Order.Status)
	}
	if !resp.Order.FinalAmount.Equal(dec("520000")) {
		t.Fatalf("final = %s, want 520000", resp.Order.FinalAmount)
	}

	product, err := svc.GetProduct(ctx, "prd-duong")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 80 {
		t.Fatalf("draft must not move stock, got %d", product.Stock)
	}
	if !product.CostPrice.Equal(dec("21000")) {
		t.Fatalf("draft must not move cost, got %s", product.CostPrice)
	}
}

func TestCompletePurchaseOrderBlendsWeightedAverageCost(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	resp, err := svc.CreatePurchaseOrder(ctx, domain.PurchaseOrderCreateRequest{
		SupplierID: "sup-an-phat",
		Items: []domain.OrderLineInput{
			{ProductID: "prd-duong", Quantity: 20, UnitPrice: dec("26000")},
		},
	})
	if err != nil {
		t.Fatalf("create purchase failed: %v", err)
	}

	completed, err := svc.CompleteOrder(ctx, resp.Order.ID)
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if completed.Status != domain.OrderStatusCompleted {
		t.Fatalf("status = %s, want completed", completed.Status)
	}

	product, err := svc.GetProduct(ctx, "prd-duong")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 100 {
		t.Fatalf("stock = %d, want 100", product.Stock)
	}
	// (80*21000 + 20*26000) / 100 = 22000.
	if !product.CostPrice.Equal(dec("22000")) {
		t.Fatalf("cost = %s, want 22000", product.CostPrice)
	}

	card, err := svc.StockCard(ctx, "prd-duong", 10)
	if err != nil {
		t.Fatalf("stock card: %v", err)
	}
	if len(card.Entries) != 1 {
		t.Fatalf("expected one ledger entry, got %d", len(card.Entries))
	}
	entry := card.Entries[0]
	if entry.Quantity != 20 || entry.StockBefore != 80 || entry.StockAfter != 100 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if !entry.UnitCost.Equal(dec("26000")) {
		t.Fatalf("entry unit cost = %s, want import price 26000", entry.UnitCost)
	}
}

func TestCompletePurchaseOrderWithCompleteNow(t *testing.T) {
	svc := newTestService()

	resp, err := svc.CreatePurchaseOrder(adminCtx(), domain.PurchaseOrderCreateRequest{
		Items: []domain.OrderLineInput{
			{ProductID: "prd-duong", Quantity: 10, UnitPrice: dec("21000")},
		},
		CompleteNow: true,
	})
	if err != nil {
		t.Fatalf("create purchase failed: %v", err)
	}
	if resp.Order.Status != domain.OrderStatusCompleted {
		t.Fatalf("status = %s, want completed", resp.Order.Status)
	}
	if resp.Order.CompletedAt == nil {
		t.Fatalf("completed_at not set")
	}

	product, _ := svc.GetProduct(adminCtx(), "prd-duong")
	if product.Stock != 90 {
		t.Fatalf("stock = %d, want 90", product.Stock)
	}
}

func TestCompleteOrderIsIdempotentGuarded(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	resp, err := svc.CreatePurchaseOrder(ctx, domain.PurchaseOrderCreateRequest{
		Items: []domain.OrderLineInput{
			{ProductID: "prd-duong", Quantity: 5, UnitPrice: dec("21000")},
		},
	})
	if err != nil {
		t.Fatalf("create purchase failed: %v", err)
	}

	if _, err := svc.CompleteOrder(ctx, resp.Order.ID); err != nil {
		t.Fatalf("first complete failed: %v", err)
	}
	_, err = svc.CompleteOrder(ctx, resp.Order.ID)
	if !errors.Is(err, store.ErrAlreadyCompleted) {
		t.Fatalf("second complete: got %v, want ErrAlreadyCompleted", err)
	}

	// The second call must not have posted anything.
	product, _ := svc.GetProduct(ctx, "prd-duong")
	if product.Stock != 85 {
		t.Fatalf("stock = %d, want 85", product.Stock)
	}
	card, _ := svc.StockCard(ctx, "prd-duong", 10)
	if len(card.Entries) != 1 {
		t.Fatalf("expected one ledger entry, got %d", len(card.Entries))
	}
}

func TestCancelOrderLifecycle(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	resp, err := svc.CreatePurchaseOrder(ctx, domain.PurchaseOrderCreateRequest{
		Items: []domain.OrderLineInput{
			{ProductID: "prd-duong", Quantity: 5, UnitPrice: dec("21000")},
		},
	})
	if err != nil {
		t.Fatalf("create purchase failed: %v", err)
	}

	cancelled, err := svc.CancelOrder(ctx, domain.OrderCancelRequest{OrderID: resp.Order.ID, Reason: "duplicate entry"})
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}

	// Cancelled orders can never complete.
	if _, err := svc.CompleteOrder(ctx, resp.Order.ID); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("complete cancelled: got %v, want ErrInvalidState", err)
	}

	// Completed orders can never cancel.
	resp2, _ := svc.CreatePurchaseOrder(ctx, domain.PurchaseOrderCreateRequest{
		Items: []domain.OrderLineInput{
			{ProductID: "prd-duong", Quantity: 5, UnitPrice: dec("21000")},
		},
		CompleteNow: true,
	})
	if _, err := svc.CancelOrder(ctx, domain.OrderCancelRequest{OrderID: resp2.Order.ID}); !errors.Is(err, store.ErrAlreadyCompleted) {
		t.Fatalf("cancel completed: got %v, want ErrAlreadyCompleted", err)
	}
}

func TestCreateSalesOrderCompletesImmediately(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()

	resp, err := svc.CreateSalesOrder(ctx, domain.SalesOrderCreateRequest{
		CustomerID: "cus-chi-hoa",
		Items: []domain.OrderLineInput{
			{ProductID: "prd-gao-st25", Quantity: 3, UnitPrice: dec("165000")},
		},
		PaidAmount: dec("495000"),
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}

	if resp.Order.Status != domain.OrderStatusCompleted {
		t.Fatalf("status = %s, want completed", resp.Order.Status)
	}
	if resp.Order.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("payment_status = %s, want paid", resp.Order.PaymentStatus)
	}
	// Profit = 3 * (165000 - 125000) = 120000, from the cost in force
	// inside the completion transaction.
	if !resp.Order.TotalProfit.Equal(dec("120000")) {
		t.Fatalf("profit = %s, want 120000", resp.Order.TotalProfit)
	}
	if !resp.Lines[0].CostPrice.Equal(dec("125000")) {
		t.Fatalf("line cost snapshot = %s, want 125000", resp.Lines[0].CostPrice)
	}

	product, _ := svc.GetProduct(ctx, "prd-gao-st25")
	if product.Stock != 37 {
		t.Fatalf("stock = %d, want 37", product.Stock)
	}
	if !product.CostPrice.Equal(dec("125000")) {
		t.Fatalf("sale must not move cost basis, got %s", product.CostPrice)
	}
}

func TestCreateSalesOrderRejectsInsufficientPayment(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()

	_, err := svc.CreateSalesOrder(ctx, domain.SalesOrderCreateRequest{
		Items: []domain.OrderLineInput{
			{ProductID: "prd-gao-st25", Quantity: 2, UnitPrice: dec("165000")},
		},
		PaidAmount: dec("300000"),
	})
	var validationErr *domain.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	// Nothing may have moved.
	product, _ := svc.GetProduct(ctx, "prd-gao-st25")
	if product.Stock != 40 {
		t.Fatalf("stock = %d, want 40", product.Stock)
	}
	list, _ := svc.ListOrders(ctx, domain.OrderTypeSale, domain.OrderListRequest{})
	if list.Total != 0 {
		t.Fatalf("no sale should have been persisted, got %d", list.Total)
	}
}

func TestCreateSalesOrderInsufficientStockLeavesStateUnchanged(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()

	_, err := svc.CreateSalesOrder(ctx, domain.SalesOrderCreateRequest{
		Items: []domain.OrderLineInput{
			{ProductID: "prd-gao-st25", Quantity: 50, UnitPrice: dec("165000")},
		},
		PaidAmount: dec("8250000"),
	})
	var stockErr *domain.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if stockErr.Available != 40 || stockErr.Requested != 50 {
		t.Fatalf("got available=%d requested=%d, want 40/50", stockErr.Available, stockErr.Requested)
	}

	product, _ := svc.GetProduct(ctx, "prd-gao-st25")
	if product.Stock != 40 {
		t.Fatalf("stock = %d, want 40", product.Stock)
	}
	card, _ := svc.StockCard(ctx, "prd-gao-st25", 10)
	if len(card.Entries) != 0 {
		t.Fatalf("failed sale must post nothing, got %d entries", len(card.Entries))
	}
	list, _ := svc.ListOrders(ctx, domain.OrderTypeSale, domain.OrderListRequest{})
	if list.Total != 0 {
		t.Fatalf("failed sale must not be persisted, got %d", list.Total)
	}
}

func TestMultiLineSaleSameProductGuardedCombined(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()

	// Two lines of 15 each: individually fine against stock 25,
	// combined they are not.
	_, err := svc.CreateSalesOrder(ctx, domain.SalesOrderCreateRequest{
		Items: []domain.OrderLineInput{
			{ProductID: "prd-mi-hh", Quantity: 15, UnitPrice: dec("115000")},
			{ProductID: "prd-mi-hh", Quantity: 15, UnitPrice: dec("115000")},
		},
		PaidAmount: dec("3450000"),
	})
	var stockErr *domain.InsufficientStockError
	if !errors.As(err, &stockErr) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}

	product, _ := svc.GetProduct(ctx, "prd-mi-hh")
	if product.Stock != 25 {
		t.Fatalf("stock = %d, want 25", product.Stock)
	}
}

func TestLedgerContinuityAcrossOrders(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	_, err := svc.CreatePurchaseOrder(ctx, domain.PurchaseOrderCreateRequest{
		Items:       []domain.OrderLineInput{{ProductID: "prd-duong", Quantity: 20, UnitPrice: dec("26000")}},
		CompleteNow: true,
	})
	if err != nil {
		t.Fatalf("purchase failed: %v", err)
	}
	_, err = svc.CreateSalesOrder(ctx, domain.SalesOrderCreateRequest{
		Items:      []domain.OrderLineInput{{ProductID: "prd-duong", Quantity: 30, UnitPrice: dec("27000")}},
		PaidAmount: dec("810000"),
	})
	if err != nil {
		t.Fatalf("sale failed: %v", err)
	}
	_, err = svc.CreatePurchaseOrder(ctx, domain.PurchaseOrderCreateRequest{
		Items:       []domain.OrderLineInput{{ProductID: "prd-duong", Quantity: 10, UnitPrice: dec("25000")}},
		CompleteNow: true,
	})
	if err != nil {
		t.Fatalf("second purchase failed: %v", err)
	}

	card, err := svc.StockCard(ctx, "prd-duong", 50)
	if err != nil {
		t.Fatalf("stock card: %v", err)
	}
	if len(card.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(card.Entries))
	}

	// Continuity: each entry chains onto the previous balance.
	signed := 0
	for i, entry := range card.Entries {
		if entry.StockAfter != entry.StockBefore+entry.Quantity {
			t.Fatalf("entry %d balance broken: %+v", i, entry)
		}
		if i > 0 && entry.StockBefore != card.Entries[i-1].StockAfter {
			t.Fatalf("entry %d does not chain onto previous", i)
		}
		signed += entry.Quantity
	}

	// Conservation: current stock equals the seed plus all signed
	// ledger quantities.
	if card.Product.Stock != 80+signed {
		t.Fatalf("stock %d does not match ledger sum %d", card.Product.Stock, 80+signed)
	}
}

func TestConcurrentSalesNeverOversell(t *testing.T) {
	svc := newTestService()

	const workers = 10
	var wg sync.WaitGroup
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.CreateSalesOrder(cashierCtx(), domain.SalesOrderCreateRequest{
				Items:      []domain.OrderLineInput{{ProductID: "prd-mi-hh", Quantity: 5, UnitPrice: dec("115000")}},
				PaidAmount: dec("575000"),
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var stockErr *domain.InsufficientStockError
		if !errors.As(err, &stockErr) {
			t.Fatalf("unexpected error kind: %v", err)
		}
	}
	if succeeded != 5 {
		t.Fatalf("succeeded = %d, want exactly 5 (stock 25, 5 per sale)", succeeded)
	}

	product, _ := svc.GetProduct(context.Background(), "prd-mi-hh")
	if product.Stock != 0 {
		t.Fatalf("stock = %d, want 0", product.Stock)
	}
}

func TestOrderCodesAreDateSequenced(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	pattern := regexp.MustCompile(`^PO-\d{8}-\d{4,}$`)
	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		resp, err := svc.CreatePurchaseOrder(ctx, domain.PurchaseOrderCreateRequest{
			Items: []domain.OrderLineInput{{ProductID: "prd-duong", Quantity: 1, UnitPrice: dec("21000")}},
		})
		if err != nil {
			t.Fatalf("create purchase failed: %v", err)
		}
		code := resp.Order.Code
		if !pattern.MatchString(code) {
			t.Fatalf("code %q does not match pattern", code)
		}
		if seen[code] {
			t.Fatalf("duplicate code %q", code)
		}
		seen[code] = true
	}

	sale, err := svc.CreateSalesOrder(cashierCtx(), domain.SalesOrderCreateRequest{
		Items:      []domain.OrderLineInput{{ProductID: "prd-gao-st25", Quantity: 1, UnitPrice: dec("165000")}},
		PaidAmount: dec("165000"),
	})
	if err != nil {
		t.Fatalf("create sale failed: %v", err)
	}
	// Sales sequence independently from purchases.
	if sale.Order.Code[:2] != "SO" || !regexp.MustCompile(`-0001$`).MatchString(sale.Order.Code) {
		t.Fatalf("unexpected sales code %q", sale.Order.Code)
	}
}

func TestListOrdersPagination(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	for i := 0; i < 5; i++ {
		_, err := svc.CreatePurchaseOrder(ctx, domain.PurchaseOrderCreateRequest{
			Items: []domain.OrderLineInput{{ProductID: "prd-duong", Quantity: 1, UnitPrice: dec("21000")}},
		})
		if err != nil {
			t.Fatalf("create purchase failed: %v", err)
		}
	}

	list, err := svc.ListOrders(ctx, domain.OrderTypePurchase, domain.OrderListRequest{Page: 1, Limit: 2})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if list.Total != 5 || list.TotalPages != 3 || len(list.Orders) != 2 {
		t.Fatalf("got total=%d pages=%d len=%d, want 5/3/2", list.Total, list.TotalPages, len(list.Orders))
	}

	last, err := svc.ListOrders(ctx, domain.OrderTypePurchase, domain.OrderListRequest{Page: 3, Limit: 2})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(last.Orders) != 1 {
		t.Fatalf("last page len = %d, want 1", len(last.Orders))
	}
}

func TestReverseLedgerEntryRestoresBalance(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	_, err := svc.CreateSalesOrder(ctx, domain.SalesOrderCreateRequest{
		Items:      []domain.OrderLineInput{{ProductID: "prd-gao-st25", Quantity: 3, UnitPrice: dec("165000")}},
		PaidAmount: dec("495000"),
	})
	if err != nil {
		t.Fatalf("sale failed: %v", err)
	}

	card, _ := svc.StockCard(ctx, "prd-gao-st25", 10)
	if len(card.Entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(card.Entries))
	}
	entryID := card.Entries[0].ID

	resp, err := svc.ReverseLedgerEntry(ctx, domain.LedgerReversalRequest{EntryID: entryID, Reason: "mis-scanned quantity"})
	if err != nil {
		t.Fatalf("reverse failed: %v", err)
	}
	if resp.Reversal.ReversedEntryID != entryID {
		t.Fatalf("reversal does not reference original")
	}
	if resp.Reversal.Quantity != 3 {
		t.Fatalf("reversal quantity = %d, want 3", resp.Reversal.Quantity)
	}

	product, _ := svc.GetProduct(ctx, "prd-gao-st25")
	if product.Stock != 40 {
		t.Fatalf("stock = %d, want restored 40", product.Stock)
	}
	if !product.CostPrice.Equal(dec("125000")) {
		t.Fatalf("reversal must not move cost, got %s", product.CostPrice)
	}

	// An entry reverses at most once.
	if _, err := svc.ReverseLedgerEntry(ctx, domain.LedgerReversalRequest{EntryID: entryID, Reason: "again"}); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("second reverse: got %v, want ErrInvalidState", err)
	}

	// And a reversal itself cannot be reversed.
	var validationErr *domain.ValidationError
	_, err = svc.ReverseLedgerEntry(ctx, domain.LedgerReversalRequest{EntryID: resp.Reversal.ID, Reason: "undo the undo"})
	if !errors.As(err, &validationErr) {
		t.Fatalf("reverse of reversal: got %v, want ValidationError", err)
	}
}

func TestReverseLedgerEntryRequiresAdmin(t *testing.T) {
	svc := newTestService()

	_, err := svc.ReverseLedgerEntry(cashierCtx(), domain.LedgerReversalRequest{EntryID: "sl-x", Reason: "nope"})
	if err == nil {
		t.Fatalf("expected role error")
	}
}

func TestCreateProductRequiresAdmin(t *testing.T) {
	svc := newTestService()

	_, err := svc.CreateProduct(cashierCtx(), domain.ProductCreateRequest{
		Code: "SP100", Name: "Trà xanh 0 độ", Unit: "chai",
		SalePrice: dec("10000"), InitialCost: dec("7000"), InitialStock: 24,
	})
	if err == nil {
		t.Fatalf("expected role error")
	}

	product, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{
		Code: "SP100", Name: "Trà xanh 0 độ", Unit: "chai",
		SalePrice: dec("10000"), InitialCost: dec("7000"), InitialStock: 24,
	})
	if err != nil {
		t.Fatalf("admin create failed: %v", err)
	}
	if product.Stock != 24 || !product.CostPrice.Equal(dec("7000")) {
		t.Fatalf("unexpected product: %+v", product)
	}
}

// recordingCache counts sets so we can observe the terminal-order
// caching behavior.
type recordingCache struct {
	mu   sync.Mutex
	data map[string]*domain.OrderResponse
	sets int
}

func (c *recordingCache) Get(_ context.Context, key string) (*domain.OrderResponse, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *recordingCache) Set(_ context.Context, key string, value *domain.OrderResponse, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = make(map[string]*domain.OrderResponse)
	}
	c.data[key] = value
	c.sets++
	return nil
}

func (c *recordingCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func TestGetOrderCachesOnlyTerminalOrders(t *testing.T) {
	rc := &recordingCache{}
	svc := New(memory.NewSeeded(), rc, 5*time.Minute)
	ctx := adminCtx()

	draft, err := svc.CreatePurchaseOrder(ctx, domain.PurchaseOrderCreateRequest{
		Items: []domain.OrderLineInput{{ProductID: "prd-duong", Quantity: 2, UnitPrice: dec("21000")}},
	})
	if err != nil {
		t.Fatalf("create purchase failed: %v", err)
	}

	if _, err := svc.GetOrder(ctx, draft.Order.ID); err != nil {
		t.Fatalf("get draft: %v", err)
	}
	if rc.sets != 0 {
		t.Fatalf("draft orders must not be cached, sets=%d", rc.sets)
	}

	if _, err := svc.CompleteOrder(ctx, draft.Order.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, err := svc.GetOrder(ctx, draft.Order.ID)
	if err != nil {
		t.Fatalf("get completed: %v", err)
	}
	if rc.sets != 1 {
		t.Fatalf("completed order should have been cached, sets=%d", rc.sets)
	}
	if got.Order.Status != domain.OrderStatusCompleted {
		t.Fatalf("status = %s", got.Order.Status)
	}

	// Second read is served from the cache.
	again, err := svc.GetOrder(ctx, draft.Order.ID)
	if err != nil {
		t.Fatalf("cached get: %v", err)
	}
	if again.Order.Code != got.Order.Code {
		t.Fatalf("cached response mismatch")
	}
}

func TestGetOrderJoinsProductDetails(t *testing.T) {
	svc := newTestService()
	ctx := adminCtx()

	resp, err := svc.CreatePurchaseOrder(ctx, domain.PurchaseOrderCreateRequest{
		Items: []domain.OrderLineInput{{ProductID: "prd-duong", Quantity: 2, UnitPrice: dec("21000")}},
	})
	if err != nil {
		t.Fatalf("create purchase failed: %v", err)
	}

	got, err := svc.GetOrder(ctx, resp.Order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if len(got.Lines) != 1 {
		t.Fatalf("expected one line view")
	}
	if got.Lines[0].ProductName != "Đường tinh luyện 1kg" || got.Lines[0].ProductCode != "SP006" {
		t.Fatalf("product detail not joined: %+v", got.Lines[0])
	}
}

func TestCreateOrderRejectsUnknownProduct(t *testing.T) {
	svc := newTestService()

	_, err := svc.CreatePurchaseOrder(adminCtx(), domain.PurchaseOrderCreateRequest{
		Items: []domain.OrderLineInput{{ProductID: "prd-ghost", Quantity: 1, UnitPrice: dec("1000")}},
	})
	var validationErr *domain.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestCreatePurchaseOrderRejectsUnknownSupplier(t *testing.T) {
	svc := newTestService()

	_, err := svc.CreatePurchaseOrder(adminCtx(), domain.PurchaseOrderCreateRequest{
		SupplierID: "sup-ghost",
		Items:      []domain.OrderLineInput{{ProductID: "prd-duong", Quantity: 1, UnitPrice: dec("1000")}},
	})
	var validationErr *domain.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

// conflictingRepo wraps the memory store and fails order inserts with
// ErrCodeConflict a configured number of times, recording every code
// attempted.
type conflictingRepo struct {
	*memory.Store
	conflicts int
	codes     []string
}

func (r *conflictingRepo) CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	r.codes = append(r.codes, order.Code)
	if r.conflicts > 0 {
		r.conflicts--
		return nil, store.ErrCodeConflict
	}
	return r.Store.CreateOrder(ctx, order)
}

func (r *conflictingRepo) CreateCompletedOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	r.codes = append(r.codes, order.Code)
	if r.conflicts > 0 {
		r.conflicts--
		return nil, store.ErrCodeConflict
	}
	return r.Store.CreateCompletedOrder(ctx, order)
}

func TestOrderCodeConflictRegeneratesAndSucceeds(t *testing.T) {
	repo := &conflictingRepo{Store: memory.NewSeeded(), conflicts: 1}
	svc := New(repo, cache.NoopOrderCache{}, 5*time.Minute)

	resp, err := svc.CreatePurchaseOrder(adminCtx(), domain.PurchaseOrderCreateRequest{
		SupplierID: "sup-an-phat",
		Items:      []domain.OrderLineInput{{ProductID: "prd-duong", Quantity: 5, UnitPrice: dec("21000")}},
	})
	if err != nil {
		t.Fatalf("create after one code conflict failed: %v", err)
	}
	if len(repo.codes) != 2 {
		t.Fatalf("expected 2 insert attempts, got %d", len(repo.codes))
	}
	if repo.codes[0] == repo.codes[1] {
		t.Fatalf("retry reused code %s instead of regenerating", repo.codes[0])
	}
	if resp.Order.Code != repo.codes[1] {
		t.Fatalf("order carries code %s, want the retried %s", resp.Order.Code, repo.codes[1])
	}
}

func TestOrderCodeRetriesExhaustedReturnGenerationError(t *testing.T) {
	repo := &conflictingRepo{Store: memory.NewSeeded(), conflicts: doccode.MaxAttempts + 1}
	svc := New(repo, cache.NoopOrderCache{}, 5*time.Minute)

	_, err := svc.CreateSalesOrder(cashierCtx(), domain.SalesOrderCreateRequest{
		Items:      []domain.OrderLineInput{{ProductID: "prd-duong", Quantity: 1, UnitPrice: dec("27000")}},
		PaidAmount: dec("27000"),
	})
	if !errors.Is(err, store.ErrCodeGeneration) {
		t.Fatalf("expected ErrCodeGeneration, got %v", err)
	}
	if len(repo.codes) != doccode.MaxAttempts {
		t.Fatalf("expected %d insert attempts, got %d", doccode.MaxAttempts, len(repo.codes))
	}
}
