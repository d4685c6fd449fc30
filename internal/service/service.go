package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"khohang/backend/internal/cache"
	"khohang/backend/internal/doccode"
	"khohang/backend/internal/domain"
	"khohang/backend/internal/pricing"
	"khohang/backend/internal/store"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo     store.Repository
	orders   cache.OrderCache
	cacheTTL time.Duration
}

func New(repo store.Repository, orders cache.OrderCache, cacheTTL time.Duration) *Service {
	if orders == nil {
		orders = cache.NoopOrderCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}

	return &Service{
		repo:     repo,
		orders:   orders,
		cacheTTL: cacheTTL,
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	req.Code = strings.ToUpper(strings.TrimSpace(req.Code))
	req.Name = strings.TrimSpace(req.Name)
	req.Unit = strings.TrimSpace(req.Unit)

	if req.Code == "" {
		return domain.Product{}, domain.NewValidationError("code", "is required")
	}
	if req.Name == "" {
		return domain.Product{}, domain.NewValidationError("name", "is required")
	}
	if req.SalePrice.IsNegative() || req.InitialCost.IsNegative() {
		return domain.Product{}, domain.NewValidationError("sale_price", "prices must not be negative")
	}
	if req.InitialStock < 0 {
		return domain.Product{}, domain.NewValidationError("initial_stock", "must not be negative")
	}

	product := domain.Product{
		Code:      req.Code,
		Name:      req.Name,
		Unit:      req.Unit,
		Stock:     req.InitialStock,
		CostPrice: req.InitialCost,
		SalePrice: req.SalePrice,
		Active:    true,
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", created.ID, fmt.Sprintf("code=%s,stock=%d", created.Code, created.Stock))
	return *created, nil
}

// StockCard returns a product together with its stock movement
// history, oldest first. Entries chain: each entry's stock_before
// equals the previous entry's stock_after.
func (s *Service) StockCard(ctx context.Context, productID string, limit int) (domain.StockCardResponse, error) {
	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return domain.StockCardResponse{}, err
	}

	entries, err := s.repo.ListLedgerEntries(ctx, productID, limit)
	if err != nil {
		return domain.StockCardResponse{}, err
	}

	return domain.StockCardResponse{Product: *product, Entries: entries}, nil
}

func (s *Service) CreateSupplier(ctx context.Context, req domain.SupplierCreateRequest) (domain.Supplier, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.Supplier{}, domain.NewValidationError("name", "is required")
	}

	created, err := s.repo.CreateSupplier(ctx, domain.Supplier{
		Name:    req.Name,
		Phone:   strings.TrimSpace(req.Phone),
		Address: strings.TrimSpace(req.Address),
	})
	if err != nil {
		return domain.Supplier{}, err
	}
	return *created, nil
}

func (s *Service) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	return s.repo.ListSuppliers(ctx)
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.Customer, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.Customer{}, domain.NewValidationError("name", "is required")
	}

	created, err := s.repo.CreateCustomer(ctx, domain.Customer{
		Name:    req.Name,
		Phone:   strings.TrimSpace(req.Phone),
		Address: strings.TrimSpace(req.Address),
	})
	if err != nil {
		return domain.Customer{}, err
	}
	return *created, nil
}

func (s *Service) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	return s.repo.ListCustomers(ctx)
}

// CreatePurchaseOrder prices the requested lines and persists a
// purchase order: a draft by default, or completed in the same call
// when complete_now is set.
func (s *Service) CreatePurchaseOrder(ctx context.Context, req domain.PurchaseOrderCreateRequest) (domain.OrderResponse, error) {
	if req.SupplierID != "" {
		if _, err := s.repo.GetSupplier(ctx, req.SupplierID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.OrderResponse{}, domain.NewValidationError("supplier_id", "unknown supplier")
			}
			return domain.OrderResponse{}, err
		}
	}

	products, err := s.resolveProducts(ctx, req.Items)
	if err != nil {
		return domain.OrderResponse{}, err
	}

	priced, err := pricing.Price(pricing.Input{
		Type:          domain.OrderTypePurchase,
		Items:         req.Items,
		DiscountType:  req.DiscountType,
		DiscountValue: req.DiscountValue,
		VATRate:       req.VATRate,
		OtherFee:      req.OtherFee,
	})
	if err != nil {
		return domain.OrderResponse{}, err
	}

	now := time.Now().UTC()
	order := domain.Order{
		Type:          domain.OrderTypePurchase,
		SupplierID:    req.SupplierID,
		Lines:         priced.Lines,
		DiscountType:  req.DiscountType,
		DiscountValue: req.DiscountValue,
		VATRate:       req.VATRate,
		VATAmount:     priced.VATAmount,
		OtherFee:      req.OtherFee,
		TotalAmount:   priced.TotalAmount,
		AfterDiscount: priced.AfterDiscount,
		FinalAmount:   priced.FinalAmount,
		Status:        domain.OrderStatusDraft,
		Note:          strings.TrimSpace(req.Note),
		CreatedAt:     now,
	}

	created, err := s.createOrderWithCode(ctx, order, req.CompleteNow)
	if err != nil {
		return domain.OrderResponse{}, err
	}

	s.logAudit(ctx, "purchase_order_create", "order", created.ID, fmt.Sprintf("code=%s,status=%s,final=%s", created.Code, created.Status, created.FinalAmount))
	return domain.OrderResponse{Order: *created, Lines: lineViews(products, created.Lines)}, nil
}

// CreateSalesOrder prices, checks the payment covers the final amount,
// and persists the sale already completed: stock leaves and profit is
// locked in within the same transaction that stores the order.
func (s *Service) CreateSalesOrder(ctx context.Context, req domain.SalesOrderCreateRequest) (domain.OrderResponse, error) {
	if req.CustomerID != "" {
		if _, err := s.repo.GetCustomer(ctx, req.CustomerID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.OrderResponse{}, domain.NewValidationError("customer_id", "unknown customer")
			}
			return domain.OrderResponse{}, err
		}
	}

	products, err := s.resolveProducts(ctx, req.Items)
	if err != nil {
		return domain.OrderResponse{}, err
	}

	costs := make(map[string]decimal.Decimal, len(products))
	for id, p := range products {
		costs[id] = p.CostPrice
	}

	priced, err := pricing.Price(pricing.Input{
		Type:          domain.OrderTypeSale,
		Items:         req.Items,
		DiscountType:  req.DiscountType,
		DiscountValue: req.DiscountValue,
		VATRate:       req.VATRate,
		OtherFee:      req.OtherFee,
		Costs:         costs,
	})
	if err != nil {
		return domain.OrderResponse{}, err
	}

	if req.PaidAmount.IsNegative() {
		return domain.OrderResponse{}, domain.NewValidationError("paid_amount", "must not be negative")
	}
	// Payment must cover the whole order before any stock moves.
	if req.PaidAmount.LessThan(priced.FinalAmount) {
		return domain.OrderResponse{}, domain.NewValidationError("paid_amount", fmt.Sprintf("is less than final amount %s", priced.FinalAmount))
	}

	now := time.Now().UTC()
	order := domain.Order{
		Type:          domain.OrderTypeSale,
		CustomerID:    req.CustomerID,
		Lines:         priced.Lines,
		DiscountType:  req.DiscountType,
		DiscountValue: req.DiscountValue,
		VATRate:       req.VATRate,
		VATAmount:     priced.VATAmount,
		OtherFee:      req.OtherFee,
		TotalAmount:   priced.TotalAmount,
		AfterDiscount: priced.AfterDiscount,
		FinalAmount:   priced.FinalAmount,
		TotalProfit:   priced.TotalProfit,
		PaidAmount:    req.PaidAmount,
		PaymentStatus: derivePaymentStatus(req.PaidAmount, priced.FinalAmount),
		Status:        domain.OrderStatusDraft,
		Note:          strings.TrimSpace(req.Note),
		CreatedAt:     now,
	}

	created, err := s.createOrderWithCode(ctx, order, true)
	if err != nil {
		return domain.OrderResponse{}, err
	}

	s.logAudit(ctx, "sales_order_create", "order", created.ID, fmt.Sprintf("code=%s,final=%s,profit=%s", created.Code, created.FinalAmount, created.TotalProfit))
	return domain.OrderResponse{Order: *created, Lines: lineViews(products, created.Lines)}, nil
}

func (s *Service) CompleteOrder(ctx context.Context, orderID string) (domain.OrderCompleteResponse, error) {
	if orderID == "" {
		return domain.OrderCompleteResponse{}, domain.NewValidationError("order_id", "is required")
	}

	completed, err := s.repo.CompleteOrder(ctx, orderID, time.Now().UTC())
	if err != nil {
		return domain.OrderCompleteResponse{}, err
	}

	if err := s.orders.Delete(ctx, orderCacheKey(orderID)); err != nil {
		log.Printf("[service] WARN: failed to invalidate order cache id=%s: %v", orderID, err)
	}

	s.logAudit(ctx, "order_complete", "order", completed.ID, fmt.Sprintf("code=%s", completed.Code))
	return domain.OrderCompleteResponse{OrderID: completed.ID, Code: completed.Code, Status: completed.Status}, nil
}

func (s *Service) CancelOrder(ctx context.Context, req domain.OrderCancelRequest) (domain.OrderCompleteResponse, error) {
	if req.OrderID == "" {
		return domain.OrderCompleteResponse{}, domain.NewValidationError("order_id", "is required")
	}

	cancelled, err := s.repo.CancelOrder(ctx, req.OrderID, time.Now().UTC())
	if err != nil {
		return domain.OrderCompleteResponse{}, err
	}

	if err := s.orders.Delete(ctx, orderCacheKey(req.OrderID)); err != nil {
		log.Printf("[service] WARN: failed to invalidate order cache id=%s: %v", req.OrderID, err)
	}

	s.logAudit(ctx, "order_cancel", "order", cancelled.ID, fmt.Sprintf("code=%s,reason=%s", cancelled.Code, strings.TrimSpace(req.Reason)))
	return domain.OrderCompleteResponse{OrderID: cancelled.ID, Code: cancelled.Code, Status: cancelled.Status}, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (domain.OrderResponse, error) {
	if orderID == "" {
		return domain.OrderResponse{}, domain.NewValidationError("order_id", "is required")
	}

	key := orderCacheKey(orderID)
	if cached, ok, err := s.orders.Get(ctx, key); err != nil {
		log.Printf("[service] WARN: order cache read failed id=%s: %v", orderID, err)
	} else if ok {
		return *cached, nil
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return domain.OrderResponse{}, err
	}

	ids := make([]string, 0, len(order.Lines))
	for _, line := range order.Lines {
		ids = append(ids, line.ProductID)
	}
	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return domain.OrderResponse{}, err
	}

	resp := domain.OrderResponse{Order: *order, Lines: lineViews(products, order.Lines)}

	// Terminal orders never change again, so their detail view is safe
	// to cache.
	if order.Status.IsTerminal() {
		if err := s.orders.Set(ctx, key, &resp, s.cacheTTL); err != nil {
			log.Printf("[service] WARN: order cache write failed id=%s: %v", orderID, err)
		}
	}
	return resp, nil
}

func (s *Service) ListOrders(ctx context.Context, orderType domain.OrderType, req domain.OrderListRequest) (domain.OrderListResponse, error) {
	if !orderType.IsValid() {
		return domain.OrderListResponse{}, domain.NewValidationError("type", "unknown order type")
	}
	page := req.Page
	if page < 1 {
		page = 1
	}
	limit := req.Limit
	if limit < 1 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	orders, total, err := s.repo.ListOrders(ctx, orderType, page, limit)
	if err != nil {
		return domain.OrderListResponse{}, err
	}

	totalPages := (total + limit - 1) / limit
	return domain.OrderListResponse{
		Orders:     orders,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: totalPages,
	}, nil
}

// ReverseLedgerEntry posts an offsetting entry for a mis-posted
// movement. The original entry stays untouched and the product's cost
// basis is not recomputed; only the balance moves back.
func (s *Service) ReverseLedgerEntry(ctx context.Context, req domain.LedgerReversalRequest) (domain.LedgerReversalResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.LedgerReversalResponse{}, fmt.Errorf("admin role required")
	}

	if req.EntryID == "" {
		return domain.LedgerReversalResponse{}, domain.NewValidationError("entry_id", "is required")
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" {
		return domain.LedgerReversalResponse{}, domain.NewValidationError("reason", "is required")
	}

	original, err := s.repo.GetLedgerEntry(ctx, req.EntryID)
	if err != nil {
		return domain.LedgerReversalResponse{}, err
	}

	reversal, err := s.repo.ReverseLedgerEntry(ctx, req.EntryID, req.Reason, time.Now().UTC())
	if err != nil {
		return domain.LedgerReversalResponse{}, err
	}

	s.logAudit(ctx, "ledger_reverse", "stock_ledger", original.ID, fmt.Sprintf("product=%s,qty=%d,reversal=%s", original.ProductID, original.Quantity, reversal.ID))
	return domain.LedgerReversalResponse{Original: *original, Reversal: *reversal}, nil
}

// createOrderWithCode assigns a document code and inserts the order,
// regenerating on a code collision up to doccode.MaxAttempts times.
func (s *Service) createOrderWithCode(ctx context.Context, order domain.Order, completed bool) (*domain.Order, error) {
	for attempt := 1; attempt <= doccode.MaxAttempts; attempt++ {
		seq, err := s.repo.NextOrderSequence(ctx, order.Type, doccode.DateKey(order.CreatedAt))
		if err != nil {
			return nil, err
		}
		order.Code = doccode.Format(order.Type, order.CreatedAt, seq)

		var created *domain.Order
		if completed {
			created, err = s.repo.CreateCompletedOrder(ctx, order)
		} else {
			created, err = s.repo.CreateOrder(ctx, order)
		}
		if errors.Is(err, store.ErrCodeConflict) {
			log.Printf("[service] order code conflict code=%s attempt=%d", order.Code, attempt)
			continue
		}
		if err != nil {
			return nil, err
		}
		return created, nil
	}
	return nil, store.ErrCodeGeneration
}

func (s *Service) resolveProducts(ctx context.Context, items []domain.OrderLineInput) (map[string]domain.Product, error) {
	ids := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, item := range items {
		if item.ProductID == "" || seen[item.ProductID] {
			continue
		}
		seen[item.ProductID] = true
		ids = append(ids, item.ProductID)
	}
	if len(ids) == 0 {
		return nil, domain.NewValidationError("items", "item list is empty")
	}

	products, err := s.repo.GetProductsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		p, ok := products[id]
		if !ok {
			return nil, domain.NewValidationError("items", fmt.Sprintf("unknown product %s", id))
		}
		if !p.Active {
			return nil, domain.NewValidationError("items", fmt.Sprintf("product %s is inactive", id))
		}
	}
	return products, nil
}

func lineViews(products map[string]domain.Product, lines []domain.OrderLine) []domain.OrderLineView {
	views := make([]domain.OrderLineView, 0, len(lines))
	for _, line := range lines {
		view := domain.OrderLineView{OrderLine: line}
		if p, ok := products[line.ProductID]; ok {
			view.ProductCode = p.Code
			view.ProductName = p.Name
			view.ProductUnit = p.Unit
		}
		views = append(views, view)
	}
	return views
}

func derivePaymentStatus(paid, final decimal.Decimal) domain.PaymentStatus {
	switch {
	case paid.GreaterThanOrEqual(final):
		return domain.PaymentStatusPaid
	case paid.IsPositive():
		return domain.PaymentStatusPartial
	default:
		return domain.PaymentStatusUnpaid
	}
}

func orderCacheKey(orderID string) string {
	return "order:" + orderID
}

func (s *Service) logAudit(ctx context.Context, action, entity, entityID, details string) {
	username := "system"
	if actor, ok := ActorFromContext(ctx); ok {
		username = actor.Username
	}
	log.Printf("[service] audit action=%s entity=%s id=%s by=%s %s", action, entity, entityID, username, details)
}
