package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"pos-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schema string

// ErrNotFound is returned when a looked-up row does not exist
var ErrNotFound = errors.New("not found")

// ErrSaleNumberTaken is returned by CreateSale when another sale already
// holds the sale number
var ErrSaleNumberTaken = errors.New("sale number taken")

// Repository is the set of data operations available both on the pool and
// inside a transaction.
type Repository interface {
	GetProducts(ctx context.Context) ([]models.Product, error)
	GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error)
	LockProducts(ctx context.Context, ids []int64) ([]models.Product, error)
	UpdateProductStock(ctx context.Context, productID int64, inStock decimal.Decimal) error

	CreateOrder(ctx context.Context, order *models.Order) error
	CreateOrderItem(ctx context.Context, item *models.OrderItem) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	LockOrder(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, userID int64, key string) (*models.Order, error)
	GetOrders(ctx context.Context) ([]models.Order, error)
	GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status string) error
	UpdateOrderPaymentStatus(ctx context.Context, orderID int64, paymentStatus string) error
	UpdateOrderPaymentMethod(ctx context.Context, orderID int64, method string) error

	CreateSale(ctx context.Context, sale *models.Sale) error
	CreateSaleItem(ctx context.Context, item *models.SaleItem) error
	GetSaleByID(ctx context.Context, id int64) (*models.Sale, error)
	LockSale(ctx context.Context, id int64) (*models.Sale, error)
	GetSaleByOrderID(ctx context.Context, orderID int64) (*models.Sale, error)
	GetSaleItemsBySaleID(ctx context.Context, saleID int64) ([]models.SaleItem, error)
	GetSales(ctx context.Context) ([]models.Sale, error)
	GetSalesSince(ctx context.Context, since time.Time) ([]models.Sale, error)
	GetUnpaidSales(ctx context.Context) ([]models.Sale, error)
	GetOpenDebts(ctx context.Context) ([]models.Sale, error)
	UpdateSalePayment(ctx context.Context, sale *models.Sale) error
	MarkDebtWarned(ctx context.Context, saleID int64, at time.Time) error

	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPaymentsBySaleID(ctx context.Context, saleID int64) ([]models.Payment, error)
	SumPaymentsBySaleID(ctx context.Context, saleID int64) (decimal.Decimal, error)
	GetPaymentsBetween(ctx context.Context, from, to time.Time) ([]models.Payment, error)

	CreateMpesaTransaction(ctx context.Context, txn *models.MpesaTransaction) (bool, error)
	GetMpesaTransaction(ctx context.Context, checkoutRequestID string) (*models.MpesaTransaction, error)
	GetMpesaTransactionsByOrderID(ctx context.Context, orderID int64) ([]models.MpesaTransaction, error)
	SetMpesaPayment(ctx context.Context, txnID, paymentID int64) error

	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// Backend is a Repository that can also open transactions.
type Backend interface {
	Repository
	WithTx(ctx context.Context, fn func(Repository) error) error
}

type Store struct {
	db *sqlx.DB
	q  sqlx.ExtContext
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db, q: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// WithTx runs fn inside a read-committed transaction. Any error from fn
// rolls the whole transaction back.
func (s *Store) WithTx(ctx context.Context, fn func(Repository) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Store{db: s.db, q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const productColumns = `id, name, sale_price, cost_price, in_stock, minimum_stock,
	is_weight_based, kilograms, is_active, created_at, updated_at`

// GetProducts retrieves all products
func (s *Store) GetProducts(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	err := sqlx.SelectContext(ctx, s.q, &products,
		"SELECT "+productColumns+" FROM products ORDER BY id")
	return products, err
}

// GetProductsByIDs retrieves multiple products by IDs
func (s *Store) GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	if len(ids) == 0 {
		return []models.Product{}, nil
	}

	query, args, err := sqlx.In("SELECT "+productColumns+" FROM products WHERE id IN (?) ORDER BY id", ids)
	if err != nil {
		return nil, err
	}
	query = s.q.Rebind(query)

	var products []models.Product
	err = sqlx.SelectContext(ctx, s.q, &products, query, args...)
	return products, err
}

// LockProducts selects products FOR UPDATE. Rows are locked in ascending id
// order so concurrent settlements cannot deadlock on each other.
func (s *Store) LockProducts(ctx context.Context, ids []int64) ([]models.Product, error) {
	if len(ids) == 0 {
		return []models.Product{}, nil
	}

	var products []models.Product
	err := sqlx.SelectContext(ctx, s.q, &products,
		"SELECT "+productColumns+" FROM products WHERE id = ANY($1) ORDER BY id FOR UPDATE",
		pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to lock products: %w", err)
	}
	return products, nil
}

// UpdateProductStock overwrites a product's stock level
func (s *Store) UpdateProductStock(ctx context.Context, productID int64, inStock decimal.Decimal) error {
	res, err := s.q.ExecContext(ctx,
		"UPDATE products SET in_stock = $1, updated_at = NOW() WHERE id = $2",
		inStock, productID)
	if err != nil {
		return err
	}
	return expectRow(res, "product", productID)
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, s.q, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.q.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}

func expectRow(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return nil
}

func notFound(err error, what string, id interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", what, id, ErrNotFound)
	}
	return err
}
