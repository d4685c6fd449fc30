package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"khohang/backend/internal/domain"
	"khohang/backend/internal/ledger"
	"khohang/backend/internal/store"
	"khohang/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateProduct(ctx context.Context, p domain.Product) (*domain.Product, error) {
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, code, name, unit, stock, cost_price, sale_price, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, p.ID, p.Code, p.Name, p.Unit, p.Stock, p.CostPrice, p.SalePrice, p.Active, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}

	created := p
	return &created, nil
}

func (s *Store) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, code, name, unit, stock, cost_price, sale_price, active, created_at, updated_at
		FROM products
		WHERE id = $1
	`, productID).Scan(&p.ID, &p.Code, &p.Name, &p.Unit, &p.Stock, &p.CostPrice, &p.SalePrice, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, name, unit, stock, cost_price, sale_price, active, created_at, updated_at
		FROM products
		WHERE active = true
		ORDER BY code
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Code, &p.Name, &p.Unit, &p.Stock, &p.CostPrice, &p.SalePrice, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(productIDs))
	if len(productIDs) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, name, unit, stock, cost_price, sale_price, active, created_at, updated_at
		FROM products
		WHERE id = ANY($1)
	`, productIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Code, &p.Name, &p.Unit, &p.Stock, &p.CostPrice, &p.SalePrice, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) CreateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	if strings.TrimSpace(supplier.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	if supplier.ID == "" {
		supplier.ID = xid.New("sup")
	}
	if supplier.CreatedAt.IsZero() {
		supplier.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suppliers (id, name, phone, address, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, supplier.ID, supplier.Name, supplier.Phone, supplier.Address, supplier.CreatedAt)
	if err != nil {
		return nil, err
	}
	created := supplier
	return &created, nil
}

func (s *Store) GetSupplier(ctx context.Context, supplierID string) (*domain.Supplier, error) {
	var sup domain.Supplier
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, address, created_at
		FROM suppliers
		WHERE id = $1
	`, supplierID).Scan(&sup.ID, &sup.Name, &sup.Phone, &sup.Address, &sup.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &sup, nil
}

func (s *Store) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, phone, address, created_at
		FROM suppliers
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	suppliers := make([]domain.Supplier, 0, 32)
	for rows.Next() {
		var sup domain.Supplier
		if err := rows.Scan(&sup.ID, &sup.Name, &sup.Phone, &sup.Address, &sup.CreatedAt); err != nil {
			return nil, err
		}
		suppliers = append(suppliers, sup)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return suppliers, nil
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if strings.TrimSpace(customer.Name) == "" {
		return nil, store.ErrInvalidInput
	}
	if customer.ID == "" {
		customer.ID = xid.New("cus")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, phone, address, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, customer.ID, customer.Name, customer.Phone, customer.Address, customer.CreatedAt)
	if err != nil {
		return nil, err
	}
	created := customer
	return &created, nil
}

func (s *Store) GetCustomer(ctx context.Context, customerID string) (*domain.Customer, error) {
	var c domain.Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, address, created_at
		FROM customers
		WHERE id = $1
	`, customerID).Scan(&c.ID, &c.Name, &c.Phone, &c.Address, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, phone, address, created_at
		FROM customers
		ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, 32)
	for rows.Next() {
		var c domain.Customer
		if err := rows.Scan(&c.ID, &c.Name, &c.Phone, &c.Address, &c.CreatedAt); err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return customers, nil
}

func (s *Store) NextOrderSequence(ctx context.Context, orderType domain.OrderType, dateKey string) (int, error) {
	var next int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO order_sequences (order_type, date_key, last_number)
		VALUES ($1, $2, 1)
		ON CONFLICT (order_type, date_key)
		DO UPDATE SET last_number = order_sequences.last_number + 1
		RETURNING last_number
	`, string(orderType), dateKey).Scan(&next)
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Store) CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	if err := prepareOrder(&order); err != nil {
		return nil, err
	}
	order.Status = domain.OrderStatusDraft

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertOrder(ctx, tx, order); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	created := order
	return &created, nil
}

func (s *Store) CreateCompletedOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	if err := prepareOrder(&order); err != nil {
		return nil, err
	}
	order.Status = domain.OrderStatusDraft

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertOrder(ctx, tx, order); err != nil {
		return nil, err
	}

	at := order.CreatedAt
	if err := postOrder(ctx, tx, &order, at); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	created := order
	return &created, nil
}

func (s *Store) CompleteOrder(ctx context.Context, orderID string, at time.Time) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	switch order.Status {
	case domain.OrderStatusCompleted:
		return nil, store.ErrAlreadyCompleted
	case domain.OrderStatusCancelled:
		return nil, store.ErrInvalidState
	}

	if err := postOrder(ctx, tx, order, at); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Store) CancelOrder(ctx context.Context, orderID string, at time.Time) (*domain.Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	order, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.Status.CanTransitionTo(domain.OrderStatusCancelled) {
		if order.Status == domain.OrderStatusCompleted {
			return nil, store.ErrAlreadyCompleted
		}
		return nil, store.ErrInvalidState
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, cancelled_at = $3
		WHERE id = $1
	`, order.ID, string(domain.OrderStatusCancelled), at)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	order.Status = domain.OrderStatusCancelled
	cancelled := at
	order.CancelledAt = &cancelled
	return order, nil
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := scanOrderRow(s.db.QueryRowContext(ctx, selectOrderSQL+` WHERE id = $1`, orderID))
	if err != nil {
		return nil, err
	}
	lines, err := loadOrderLines(ctx, s.db, order.ID)
	if err != nil {
		return nil, err
	}
	order.Lines = lines
	return order, nil
}

func (s *Store) ListOrders(ctx context.Context, orderType domain.OrderType, page int, limit int) ([]domain.OrderSummary, int, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)::int FROM orders WHERE order_type = $1
	`, string(orderType)).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, o.code, o.order_type, o.status,
			COALESCE(o.supplier_id, o.customer_id, ''),
			COALESCE(s.name, c.name, ''),
			(SELECT COUNT(*)::int FROM order_lines ol WHERE ol.order_id = o.id),
			o.final_amount, o.created_at
		FROM orders o
		LEFT JOIN suppliers s ON s.id = o.supplier_id
		LEFT JOIN customers c ON c.id = o.customer_id
		WHERE o.order_type = $1
		ORDER BY o.created_at DESC, o.id DESC
		LIMIT $2 OFFSET $3
	`, string(orderType), limit, (page-1)*limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	summaries := make([]domain.OrderSummary, 0, limit)
	for rows.Next() {
		var sum domain.OrderSummary
		if err := rows.Scan(&sum.ID, &sum.Code, &sum.Type, &sum.Status, &sum.CounterpartyID, &sum.CounterpartyName, &sum.LineCount, &sum.FinalAmount, &sum.CreatedAt); err != nil {
			return nil, 0, err
		}
		sum.CreatedAt = sum.CreatedAt.UTC()
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return summaries, total, nil
}

func (s *Store) GetLedgerEntry(ctx context.Context, entryID string) (*domain.StockLedgerEntry, error) {
	entry, err := scanLedgerRow(s.db.QueryRowContext(ctx, selectLedgerSQL+` WHERE id = $1`, entryID))
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Store) ListLedgerEntries(ctx context.Context, productID string, limit int) ([]domain.StockLedgerEntry, error) {
	if limit < 1 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, selectLedgerSQL+`
		WHERE product_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.StockLedgerEntry, 0, limit)
	for rows.Next() {
		entry, err := scanLedgerRows(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) ReverseLedgerEntry(ctx context.Context, entryID string, reason string, at time.Time) (*domain.StockLedgerEntry, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	original, err := scanLedgerRow(tx.QueryRowContext(ctx, selectLedgerSQL+` WHERE id = $1`, entryID))
	if err != nil {
		return nil, err
	}

	var alreadyReversed bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM stock_ledger WHERE reversed_entry_id = $1)
	`, entryID).Scan(&alreadyReversed)
	if err != nil {
		return nil, err
	}
	if alreadyReversed {
		return nil, store.ErrInvalidState
	}

	product, err := lockProduct(ctx, tx, original.ProductID)
	if err != nil {
		return nil, err
	}

	reversal, err := ledger.Reversal(product, *original, reason, at)
	if err != nil {
		return nil, err
	}
	reversal.ID = xid.New("sl")

	if err := insertLedgerEntry(ctx, tx, reversal); err != nil {
		return nil, err
	}
	if err := updateProductBalance(ctx, tx, *product); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &reversal, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if strings.TrimSpace(user.Username) == "" || user.Password == "" {
		return store.ErrInvalidInput
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return store.ErrInvalidInput
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

const selectOrderSQL = `
	SELECT id, code, order_type, supplier_id, customer_id,
		discount_type, discount_value, vat_rate, vat_amount, other_fee,
		total_amount, after_discount, final_amount, total_profit,
		paid_amount, payment_status, status, note,
		created_at, completed_at, cancelled_at
	FROM orders`

const selectLedgerSQL = `
	SELECT id, product_id, ref_code, ref_type, transaction_type,
		quantity, unit_cost, stock_before, stock_after,
		reversed_entry_id, note, created_at
	FROM stock_ledger`

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

func insertOrder(ctx context.Context, tx *sql.Tx, order domain.Order) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, code, order_type, supplier_id, customer_id,
			discount_type, discount_value, vat_rate, vat_amount, other_fee,
			total_amount, after_discount, final_amount, total_profit,
			paid_amount, payment_status, status, note,
			created_at, completed_at, cancelled_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
	`, order.ID, order.Code, string(order.Type), nullIfEmpty(order.SupplierID), nullIfEmpty(order.CustomerID),
		string(order.DiscountType), order.DiscountValue, order.VATRate, order.VATAmount, order.OtherFee,
		order.TotalAmount, order.AfterDiscount, order.FinalAmount, order.TotalProfit,
		order.PaidAmount, nullIfEmpty(string(order.PaymentStatus)), string(order.Status), order.Note,
		order.CreatedAt, nullTime(order.CompletedAt), nullTime(order.CancelledAt))
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrCodeConflict
		}
		return err
	}

	for i, line := range order.Lines {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_lines (
				order_id, line_no, product_id, quantity, unit_price,
				discount, total_amount, cost_price, profit, import_price
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, order.ID, i+1, line.ProductID, line.Quantity, line.UnitPrice,
			line.Discount, line.TotalAmount, line.CostPrice, line.Profit, line.ImportPrice)
		if err != nil {
			return err
		}
	}
	return nil
}

func lockOrder(ctx context.Context, tx *sql.Tx, orderID string) (*domain.Order, error) {
	order, err := scanOrderRow(tx.QueryRowContext(ctx, selectOrderSQL+` WHERE id = $1 FOR UPDATE`, orderID))
	if err != nil {
		return nil, err
	}
	lines, err := loadOrderLines(ctx, tx, order.ID)
	if err != nil {
		return nil, err
	}
	order.Lines = lines
	return order, nil
}

type rowQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadOrderLines(ctx context.Context, q rowQuerier, orderID string) ([]domain.OrderLine, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT product_id, quantity, unit_price, discount, total_amount, cost_price, profit, import_price
		FROM order_lines
		WHERE order_id = $1
		ORDER BY line_no ASC
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := make([]domain.OrderLine, 0, 8)
	for rows.Next() {
		var line domain.OrderLine
		if err := rows.Scan(&line.ProductID, &line.Quantity, &line.UnitPrice, &line.Discount, &line.TotalAmount, &line.CostPrice, &line.Profit, &line.ImportPrice); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrderRow(row rowScanner) (*domain.Order, error) {
	var order domain.Order
	var supplierID, customerID, paymentStatus sql.NullString
	var completedAt, cancelledAt sql.NullTime

	err := row.Scan(
		&order.ID, &order.Code, &order.Type, &supplierID, &customerID,
		&order.DiscountType, &order.DiscountValue, &order.VATRate, &order.VATAmount, &order.OtherFee,
		&order.TotalAmount, &order.AfterDiscount, &order.FinalAmount, &order.TotalProfit,
		&order.PaidAmount, &paymentStatus, &order.Status, &order.Note,
		&order.CreatedAt, &completedAt, &cancelledAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if supplierID.Valid {
		order.SupplierID = supplierID.String
	}
	if customerID.Valid {
		order.CustomerID = customerID.String
	}
	if paymentStatus.Valid {
		order.PaymentStatus = domain.PaymentStatus(paymentStatus.String)
	}
	if completedAt.Valid {
		at := completedAt.Time.UTC()
		order.CompletedAt = &at
	}
	if cancelledAt.Valid {
		at := cancelledAt.Time.UTC()
		order.CancelledAt = &at
	}
	order.CreatedAt = order.CreatedAt.UTC()
	return &order, nil
}

func scanLedgerRow(row rowScanner) (*domain.StockLedgerEntry, error) {
	var entry domain.StockLedgerEntry
	var reversedID sql.NullString

	err := row.Scan(
		&entry.ID, &entry.ProductID, &entry.RefCode, &entry.RefType, &entry.TransactionType,
		&entry.Quantity, &entry.UnitCost, &entry.StockBefore, &entry.StockAfter,
		&reversedID, &entry.Note, &entry.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if reversedID.Valid {
		entry.ReversedEntryID = reversedID.String
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	return &entry, nil
}

func scanLedgerRows(rows *sql.Rows) (*domain.StockLedgerEntry, error) {
	return scanLedgerRow(rows)
}

// lockProducts reads and row-locks every product an order touches, in
// id order so two concurrent completions acquire locks in the same
// sequence and cannot deadlock each other.
func lockProducts(ctx context.Context, tx *sql.Tx, productIDs []string) (map[string]*domain.Product, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, code, name, unit, stock, cost_price, sale_price, active, created_at, updated_at
		FROM products
		WHERE id = ANY($1)
		ORDER BY id
		FOR UPDATE
	`, productIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make(map[string]*domain.Product, len(productIDs))
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Code, &p.Name, &p.Unit, &p.Stock, &p.CostPrice, &p.SalePrice, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		products[p.ID] = &p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func lockProduct(ctx context.Context, tx *sql.Tx, productID string) (*domain.Product, error) {
	var p domain.Product
	err := tx.QueryRowContext(ctx, `
		SELECT id, code, name, unit, stock, cost_price, sale_price, active, created_at, updated_at
		FROM products
		WHERE id = $1
		FOR UPDATE
	`, productID).Scan(&p.ID, &p.Code, &p.Name, &p.Unit, &p.Stock, &p.CostPrice, &p.SalePrice, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// postOrder applies a completed order's stock effects: it locks every
// touched product, runs the availability guard for sales, posts one
// ledger entry per line, persists the new balances, and flips the
// order to completed. Everything runs inside the caller's transaction
// so a failure at any step rolls the whole completion back.
func postOrder(ctx context.Context, tx *sql.Tx, order *domain.Order, at time.Time) error {
	productIDs := make([]string, 0, len(order.Lines))
	seen := make(map[string]struct{}, len(order.Lines))
	for _, line := range order.Lines {
		if _, ok := seen[line.ProductID]; ok {
			continue
		}
		seen[line.ProductID] = struct{}{}
		productIDs = append(productIDs, line.ProductID)
	}

	products, err := lockProducts(ctx, tx, productIDs)
	if err != nil {
		return err
	}
	for _, id := range productIDs {
		if _, ok := products[id]; !ok {
			return fmt.Errorf("product %s: %w", id, store.ErrNotFound)
		}
	}

	if order.Type == domain.OrderTypeSale {
		stock := make(map[string]int, len(products))
		for id, p := range products {
			stock[id] = p.Stock
		}
		if err := ledger.CheckAvailability(stock, order.Lines); err != nil {
			return err
		}
	}

	totalProfit := decimal.Zero
	for i := range order.Lines {
		line := &order.Lines[i]
		product := products[line.ProductID]

		entry, err := ledger.PostLine(product, line, order.Type, order.Code, at)
		if err != nil {
			return err
		}
		entry.ID = xid.New("sl")

		if err := insertLedgerEntry(ctx, tx, entry); err != nil {
			return err
		}

		if order.Type == domain.OrderTypeSale {
			totalProfit = totalProfit.Add(line.Profit)
			_, err = tx.ExecContext(ctx, `
				UPDATE order_lines
				SET cost_price = $3, profit = $4
				WHERE order_id = $1 AND line_no = $2
			`, order.ID, i+1, line.CostPrice, line.Profit)
			if err != nil {
				return err
			}
		}
	}

	for _, id := range productIDs {
		if err := updateProductBalance(ctx, tx, *products[id]); err != nil {
			return err
		}
	}

	order.Status = domain.OrderStatusCompleted
	completed := at
	order.CompletedAt = &completed
	if order.Type == domain.OrderTypeSale {
		order.TotalProfit = totalProfit
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, completed_at = $3, total_profit = $4
		WHERE id = $1
	`, order.ID, string(domain.OrderStatusCompleted), at, order.TotalProfit)
	return err
}

func insertLedgerEntry(ctx context.Context, tx *sql.Tx, entry domain.StockLedgerEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stock_ledger (
			id, product_id, ref_code, ref_type, transaction_type,
			quantity, unit_cost, stock_before, stock_after,
			reversed_entry_id, note, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, entry.ID, entry.ProductID, entry.RefCode, string(entry.RefType), string(entry.TransactionType),
		entry.Quantity, entry.UnitCost, entry.StockBefore, entry.StockAfter,
		nullIfEmpty(entry.ReversedEntryID), entry.Note, entry.CreatedAt)
	return err
}

func updateProductBalance(ctx context.Context, tx *sql.Tx, p domain.Product) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE products
		SET stock = $2, cost_price = $3, updated_at = $4
		WHERE id = $1
	`, p.ID, p.Stock, p.CostPrice, p.UpdatedAt)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}
