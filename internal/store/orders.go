package store

import (
	"context"
	"database/sql"
	"errors"

	"pos-service/internal/models"

	"github.com/jmoiron/sqlx"
)

const orderColumns = `id, user_id, customer_name, customer_phone, notes, status,
	payment_status, delivery_type, payment_method, idempotency_key, created_at, updated_at`

const orderItemColumns = `id, order_id, product_id, quantity, kilogram, unit_price`

// CreateOrder creates a new order
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (user_id, customer_name, customer_phone, notes, status,
			payment_status, delivery_type, payment_method, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`

	return sqlx.GetContext(ctx, s.q, order, query,
		order.UserID, order.CustomerName, order.CustomerPhone, order.Notes, order.Status,
		order.PaymentStatus, order.DeliveryType, order.PaymentMethod, order.IdempotencyKey)
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := sqlx.GetContext(ctx, s.q, &order,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
	if err != nil {
		return nil, notFound(err, "order", id)
	}
	return &order, nil
}

// LockOrder retrieves an order and holds its row lock until the transaction ends
func (s *Store) LockOrder(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := sqlx.GetContext(ctx, s.q, &order,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", id)
	if err != nil {
		return nil, notFound(err, "order", id)
	}
	return &order, nil
}

// GetOrderByIdempotencyKey retrieves the order a user created with an
// idempotency key. Keys are scoped per user; userID 0 matches anonymous orders.
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, userID int64, key string) (*models.Order, error) {
	var order models.Order
	err := sqlx.GetContext(ctx, s.q, &order,
		"SELECT "+orderColumns+" FROM orders WHERE COALESCE(user_id, 0) = $1 AND idempotency_key = $2",
		userID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrders retrieves all orders, newest first
func (s *Store) GetOrders(ctx context.Context) ([]models.Order, error) {
	var orders []models.Order
	err := sqlx.SelectContext(ctx, s.q, &orders,
		"SELECT "+orderColumns+" FROM orders ORDER BY created_at DESC")
	return orders, err
}

// GetOrdersByUserID retrieves orders for a user
func (s *Store) GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error) {
	var orders []models.Order
	err := sqlx.SelectContext(ctx, s.q, &orders,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
	return orders, err
}

// UpdateOrderStatus updates order status
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID int64, status string) error {
	res, err := s.q.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2",
		status, orderID)
	if err != nil {
		return err
	}
	return expectRow(res, "order", orderID)
}

// UpdateOrderPaymentStatus updates the money side of an order
func (s *Store) UpdateOrderPaymentStatus(ctx context.Context, orderID int64, paymentStatus string) error {
	res, err := s.q.ExecContext(ctx,
		"UPDATE orders SET payment_status = $1, updated_at = NOW() WHERE id = $2",
		paymentStatus, orderID)
	if err != nil {
		return err
	}
	return expectRow(res, "order", orderID)
}

// UpdateOrderPaymentMethod records how an order was settled
func (s *Store) UpdateOrderPaymentMethod(ctx context.Context, orderID int64, method string) error {
	res, err := s.q.ExecContext(ctx,
		"UPDATE orders SET payment_method = $1, updated_at = NOW() WHERE id = $2",
		method, orderID)
	if err != nil {
		return err
	}
	return expectRow(res, "order", orderID)
}

// CreateOrderItem creates a new order item
func (s *Store) CreateOrderItem(ctx context.Context, item *models.OrderItem) error {
	query := `
		INSERT INTO order_items (order_id, product_id, quantity, kilogram, unit_price)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	return sqlx.GetContext(ctx, s.q, &item.ID, query,
		item.OrderID, item.ProductID, item.Quantity, item.Kilogram, item.UnitPrice)
}

// GetOrderItemsByOrderID retrieves all items for an order
func (s *Store) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := sqlx.SelectContext(ctx, s.q, &items,
		"SELECT "+orderItemColumns+" FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}
