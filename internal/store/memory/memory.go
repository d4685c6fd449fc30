package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"khohang/backend/internal/domain"
	"khohang/backend/internal/ledger"
	"khohang/backend/internal/store"
	"khohang/backend/internal/xid"
)

// Store is the in-memory repository used for tests and dev mode. One
// mutex guards everything, so order completions are trivially
// serialized; the postgres store gets the same guarantee from row
// locks inside a serializable transaction.
type Store struct {
	mu        sync.RWMutex
	products  map[string]domain.Product
	suppliers map[string]domain.Supplier
	customers map[string]domain.Customer
	orders    map[string]domain.Order
	codes     map[string]string
	entries   []domain.StockLedgerEntry
	sequences map[string]int
	users     map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:  make(map[string]domain.Product),
		suppliers: make(map[string]domain.Supplier),
		customers: make(map[string]domain.Customer),
		orders:    make(map[string]domain.Order),
		codes:     make(map[string]string),
		sequences: make(map[string]int),
		users:     make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo
// mode. Credentials come from SEED_ADMIN_PASSWORD and
// SEED_CASHIER_PASSWORD; hardcoded dev defaults are used with a
// warning when unset. Production deployments run on PostgreSQL.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	seed := []struct {
		id    string
		code  string
		name  string
		unit  string
		stock int
		cost  string
		price string
	}{
		{"prd-gao-st25", "SP001", "Gạo ST25 túi 5kg", "túi", 40, "125000", "165000"},
		{"prd-nuoc-mam", "SP002", "Nước mắm Nam Ngư 500ml", "chai", 60, "28000", "42000"},
		{"prd-mi-hh", "SP003", "Mì Hảo Hảo tôm chua cay", "thùng", 25, "98000", "115000"},
		{"prd-ca-phe-g7", "SP004", "Cà phê G7 hộp 18 gói", "hộp", 30, "46000", "62000"},
		{"prd-dau-an", "SP005", "Dầu ăn Tường An 1L", "chai", 45, "38000", "52000"},
		{"prd-duong", "SP006", "Đường tinh luyện 1kg", "kg", 80, "21000", "27000"},
		{"prd-sua-th", "SP007", "Sữa tươi TH true MILK 1L", "hộp", 50, "29000", "38000"},
		{"prd-bia-333", "SP008", "Bia 333 lon 330ml", "lon", 120, "10500", "14000"},
	}
	for _, item := range seed {
		cost, _ := decimal.NewFromString(item.cost)
		price, _ := decimal.NewFromString(item.price)
		s.products[item.id] = domain.Product{
			ID:        item.id,
			Code:      item.code,
			Name:      item.name,
			Unit:      item.unit,
			Stock:     item.stock,
			CostPrice: cost,
			SalePrice: price,
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	s.suppliers["sup-an-phat"] = domain.Supplier{
		ID: "sup-an-phat", Name: "Công ty TNHH An Phát", Phone: "0283 555 0101", CreatedAt: now,
	}
	s.suppliers["sup-minh-long"] = domain.Supplier{
		ID: "sup-minh-long", Name: "Nhà phân phối Minh Long", Phone: "0283 555 0144", CreatedAt: now,
	}
	s.customers["cus-chi-hoa"] = domain.Customer{
		ID: "cus-chi-hoa", Name: "Chị Hoa", Phone: "0903 555 221", CreatedAt: now,
	}

	s.users = seedUsers()
	return s
}

func (s *Store) CreateProduct(_ context.Context, p domain.Product) (*domain.Product, error) {
	if p.Code == "" || p.Name == "" {
		return nil, store.ErrInvalidInput
	}
	if p.ID == "" {
		p.ID = xid.New("prd")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.UpdatedAt = p.CreatedAt
	p.Active = true

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.products {
		if existing.Code == p.Code {
			return nil, store.ErrInvalidInput
		}
	}
	s.products[p.ID] = p
	created := p
	return &created, nil
}

func (s *Store) GetProduct(_ context.Context, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := p
	return &found, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if p.Active {
			products = append(products, p)
		}
	}
	sort.Slice(products, func(i, j int) bool { return products[i].Code < products[j].Code })
	return products, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, productIDs []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(productIDs))
	for _, id := range productIDs {
		if p, ok := s.products[id]; ok {
			result[id] = p
		}
	}
	return result, nil
}

func (s *Store) CreateSupplier(_ context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	if strings.TrimSpace(supplier.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	if supplier.ID == "" {
		supplier.ID = xid.New("sup")
	}
	if supplier.CreatedAt.IsZero() {
		supplier.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.suppliers[supplier.ID] = supplier
	created := supplier
	return &created, nil
}

func (s *Store) GetSupplier(_ context.Context, supplierID string) (*domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sup, ok := s.suppliers[supplierID]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := sup
	return &found, nil
}

func (s *Store) ListSuppliers(_ context.Context) ([]domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	suppliers := make([]domain.Supplier, 0, len(s.suppliers))
	for _, sup := range s.suppliers {
		suppliers = append(suppliers, sup)
	}
	sort.Slice(suppliers, func(i, j int) bool { return suppliers[i].Name < suppliers[j].Name })
	return suppliers, nil
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	if strings.TrimSpace(customer.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	if customer.ID == "" {
		customer.ID = xid.New("cus")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[customer.ID] = customer
	created := customer
	return &created, nil
}

func (s *Store) GetCustomer(_ context.Context, customerID string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customers[customerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	found := c
	return &found, nil
}

func (s *Store) ListCustomers(_ context.Context) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customers := make([]domain.Customer, 0, len(s.customers))
	for _, c := range s.customers {
		customers = append(customers, c)
	}
	sort.Slice(customers, func(i, j int) bool { return customers[i].Name < customers[j].Name })
	return customers, nil
}

func (s *Store) NextOrderSequence(_ context.Context, orderType domain.OrderType, dateKey string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := string(orderType) + "|" + dateKey
	s.sequences[key]++
	return s.sequences[key], nil
}

func (s *Store) CreateOrder(_ context.Context, order domain.Order) (*domain.Order, error) {
	if err := prepareOrder(&order); err != nil {
		return nil, err
	}
	order.Status = domain.OrderStatusDraft

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.codes[order.Code]; exists {
		return nil, store.ErrCodeConflict
	}
	s.storeOrder(order)
	created := cloneOrder(order)
	return &created, nil
}

func (s *Store) CreateCompletedOrder(_ context.Context, order domain.Order) (*domain.Order, error) {
	if err := prepareOrder(&order); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.codes[order.Code]; exists {
		return nil, store.ErrCodeConflict
	}
	if err := s.postOrderLocked(&order, order.CreatedAt); err != nil {
		return nil, err
	}
	s.storeOrder(order)
	created := cloneOrder(order)
	return &created, nil
}

func (s *Store) CompleteOrder(_ context.Context, orderID string, at time.Time) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	switch stored.Status {
	case domain.OrderStatusCompleted:
		return nil, store.ErrAlreadyCompleted
	case domain.OrderStatusCancelled:
		return nil, store.ErrInvalidState
	}

	order := cloneOrder(stored)
	if err := s.postOrderLocked(&order, at); err != nil {
		return nil, err
	}
	s.storeOrder(order)
	completed := cloneOrder(order)
	return &completed, nil
}

func (s *Store) CancelOrder(_ context.Context, orderID string, at time.Time) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if !stored.Status.CanTransitionTo(domain.OrderStatusCancelled) {
		if stored.Status == domain.OrderStatusCompleted {
			return nil, store.ErrAlreadyCompleted
		}
		return nil, store.ErrInvalidState
	}

	order := cloneOrder(stored)
	order.Status = domain.OrderStatusCancelled
	cancelled := at
	order.CancelledAt = &cancelled
	s.storeOrder(order)
	result := cloneOrder(order)
	return &result, nil
}

func (s *Store) GetOrder(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	order := cloneOrder(stored)
	return &order, nil
}

func (s *Store) ListOrders(_ context.Context, orderType domain.OrderType, page int, limit int) ([]domain.OrderSummary, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]domain.Order, 0, len(s.orders))
	for _, order := range s.orders {
		if order.Type == orderType {
			matched = append(matched, order)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	summaries := make([]domain.OrderSummary, 0, end-start)
	for _, order := range matched[start:end] {
		counterpartyID := order.SupplierID
		if counterpartyID == "" {
			counterpartyID = order.CustomerID
		}
		name := ""
		if sup, ok := s.suppliers[order.SupplierID]; ok {
			name = sup.Name
		} else if cus, ok := s.customers[order.CustomerID]; ok {
			name = cus.Name
		}
		summaries = append(summaries, domain.OrderSummary{
			ID:               order.ID,
			Code:             order.Code,
			Type:             order.Type,
			Status:           order.Status,
			CounterpartyID:   counterpartyID,
			CounterpartyName: name,
			LineCount:        len(order.Lines),
			FinalAmount:      order.FinalAmount,
			CreatedAt:        order.CreatedAt,
		})
	}
	return summaries, total, nil
}

func (s *Store) GetLedgerEntry(_ context.Context, entryID string) (*domain.StockLedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, entry := range s.entries {
		if entry.ID == entryID {
			found := entry
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListLedgerEntries(_ context.Context, productID string, limit int) ([]domain.StockLedgerEntry, error) {
	if limit < 1 {
		limit = 200
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]domain.StockLedgerEntry, 0, limit)
	for _, entry := range s.entries {
		if entry.ProductID != productID {
			continue
		}
		entries = append(entries, entry)
		if len(entries) == limit {
			break
		}
	}
	return entries, nil
}

func (s *Store) ReverseLedgerEntry(_ context.Context, entryID string, reason string, at time.Time) (*domain.StockLedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var original *domain.StockLedgerEntry
	for i := range s.entries {
		if s.entries[i].ID == entryID {
			original = &s.entries[i]
		}
		if s.entries[i].ReversedEntryID == entryID {
			return nil, store.ErrInvalidState
		}
	}
	if original == nil {
		return nil, store.ErrNotFound
	}

	product, ok := s.products[original.ProductID]
	if !ok {
		return nil, store.ErrNotFound
	}

	reversal, err := ledger.Reversal(&product, *original, reason, at)
	if err != nil {
		return nil, err
	}
	reversal.ID = xid.New("sl")

	s.products[product.ID] = product
	s.entries = append(s.entries, reversal)
	created := reversal
	return &created, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	if strings.TrimSpace(user.Username) == "" || user.Password == "" {
		return store.ErrInvalidInput
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.Username]; exists {
		return store.ErrInvalidInput
	}
	s.users[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.users[username] = user
	return nil
}

func prepareOrder(order *domain.Order) error {
	if order.Code == "" || len(order.Lines) == 0 {
		return store.ErrInvalidInput
	}
	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	return nil
}

func (s *Store) storeOrder(order domain.Order) {
	s.orders[order.ID] = cloneOrder(order)
	s.codes[order.Code] = order.ID
}

func cloneOrder(order domain.Order) domain.Order {
	clone := order
	clone.Lines = make([]domain.OrderLine, len(order.Lines))
	copy(clone.Lines, order.Lines)
	return clone
}

// postOrderLocked mirrors the postgres completion path: guard first,
// then post every line against product copies, and only fold the
// copies back into the store once the whole order succeeded. A failed
// line therefore leaves no partial state behind. Caller holds mu.
func (s *Store) postOrderLocked(order *domain.Order, at time.Time) error {
	touched := make(map[string]*domain.Product, len(order.Lines))
	for _, line := range order.Lines {
		if _, ok := touched[line.ProductID]; ok {
			continue
		}
		p, ok := s.products[line.ProductID]
		if !ok {
			return fmt.Errorf("product %s: %w", line.ProductID, store.ErrNotFound)
		}
		cp := p
		touched[line.ProductID] = &cp
	}

	if order.Type == domain.OrderTypeSale {
		stock := make(map[string]int, len(touched))
		for id, p := range touched {
			stock[id] = p.Stock
		}
		if err := ledger.CheckAvailability(stock, order.Lines); err != nil {
			return err
		}
	}

	entries := make([]domain.StockLedgerEntry, 0, len(order.Lines))
	totalProfit := decimal.Zero
	for i := range order.Lines {
		line := &order.Lines[i]
		entry, err := ledger.PostLine(touched[line.ProductID], line, order.Type, order.Code, at)
		if err != nil {
			return err
		}
		entry.ID = xid.New("sl")
		entries = append(entries, entry)
		if order.Type == domain.OrderTypeSale {
			totalProfit = totalProfit.Add(line.Profit)
		}
	}

	for id, p := range touched {
		s.products[id] = *p
	}
	s.entries = append(s.entries, entries...)

	order.Status = domain.OrderStatusCompleted
	completed := at
	order.CompletedAt = &completed
	if order.Type == domain.OrderTypeSale {
		order.TotalProfit = totalProfit
	}
	return nil
}
