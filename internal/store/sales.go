package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pos-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

const saleColumns = `id, order_id, sale_number, customer_name, customer_phone, total_amount,
	cost_amount, profit_amount, payment_status, due_date, debt_warned_at, made_on, updated_on`

const paymentColumns = `id, sale_id, method, amount, reference, notes, paid_at`

// CreateSale creates a sale for a confirmed order. A sale number already
// in use yields ErrSaleNumberTaken without aborting the transaction.
func (s *Store) CreateSale(ctx context.Context, sale *models.Sale) error {
	query := `
		INSERT INTO sales (order_id, sale_number, customer_name, customer_phone, total_amount,
			cost_amount, profit_amount, payment_status, due_date, made_on, updated_on)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (sale_number) DO NOTHING
		RETURNING id, updated_on`

	err := sqlx.GetContext(ctx, s.q, sale, query,
		sale.OrderID, sale.SaleNumber, sale.CustomerName, sale.CustomerPhone, sale.TotalAmount,
		sale.CostAmount, sale.ProfitAmount, sale.PaymentStatus, sale.DueDate, sale.MadeOn)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", sale.SaleNumber, ErrSaleNumberTaken)
	}
	return err
}

// CreateSaleItem creates a sale item snapshot
func (s *Store) CreateSaleItem(ctx context.Context, item *models.SaleItem) error {
	query := `
		INSERT INTO sale_items (sale_id, product_id, product_name, quantity, unit_price, cost_price)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	return sqlx.GetContext(ctx, s.q, &item.ID, query,
		item.SaleID, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice, item.CostPrice)
}

// GetSaleByID retrieves a sale by ID
func (s *Store) GetSaleByID(ctx context.Context, id int64) (*models.Sale, error) {
	var sale models.Sale
	err := sqlx.GetContext(ctx, s.q, &sale,
		"SELECT "+saleColumns+" FROM sales WHERE id = $1", id)
	if err != nil {
		return nil, notFound(err, "sale", id)
	}
	return &sale, nil
}

// LockSale retrieves a sale and holds its row lock until the transaction ends
func (s *Store) LockSale(ctx context.Context, id int64) (*models.Sale, error) {
	var sale models.Sale
	err := sqlx.GetContext(ctx, s.q, &sale,
		"SELECT "+saleColumns+" FROM sales WHERE id = $1 FOR UPDATE", id)
	if err != nil {
		return nil, notFound(err, "sale", id)
	}
	return &sale, nil
}

// GetSaleByOrderID retrieves the sale created from an order
func (s *Store) GetSaleByOrderID(ctx context.Context, orderID int64) (*models.Sale, error) {
	var sale models.Sale
	err := sqlx.GetContext(ctx, s.q, &sale,
		"SELECT "+saleColumns+" FROM sales WHERE order_id = $1", orderID)
	if err != nil {
		return nil, notFound(err, "sale for order", orderID)
	}
	return &sale, nil
}

// GetSaleItemsBySaleID retrieves the item snapshots of a sale
func (s *Store) GetSaleItemsBySaleID(ctx context.Context, saleID int64) ([]models.SaleItem, error) {
	var items []models.SaleItem
	err := sqlx.SelectContext(ctx, s.q, &items,
		`SELECT id, sale_id, product_id, product_name, quantity, unit_price, cost_price
		FROM sale_items WHERE sale_id = $1 ORDER BY id`, saleID)
	return items, err
}

// GetSales retrieves all sales, newest first
func (s *Store) GetSales(ctx context.Context) ([]models.Sale, error) {
	var sales []models.Sale
	err := sqlx.SelectContext(ctx, s.q, &sales,
		"SELECT "+saleColumns+" FROM sales ORDER BY made_on DESC")
	return sales, err
}

// GetSalesSince retrieves sales made at or after since, newest first
func (s *Store) GetSalesSince(ctx context.Context, since time.Time) ([]models.Sale, error) {
	var sales []models.Sale
	err := sqlx.SelectContext(ctx, s.q, &sales,
		"SELECT "+saleColumns+" FROM sales WHERE made_on >= $1 ORDER BY made_on DESC", since)
	return sales, err
}

// GetUnpaidSales retrieves sales that are not fully paid, oldest first
func (s *Store) GetUnpaidSales(ctx context.Context) ([]models.Sale, error) {
	var sales []models.Sale
	err := sqlx.SelectContext(ctx, s.q, &sales,
		"SELECT "+saleColumns+" FROM sales WHERE payment_status <> $1 ORDER BY made_on",
		models.SaleStatusFullyPaid)
	return sales, err
}

// GetOpenDebts retrieves unpaid sales carrying a due date, earliest due first
func (s *Store) GetOpenDebts(ctx context.Context) ([]models.Sale, error) {
	var sales []models.Sale
	err := sqlx.SelectContext(ctx, s.q, &sales,
		`SELECT `+saleColumns+` FROM sales
		WHERE due_date IS NOT NULL AND payment_status <> $1
		ORDER BY due_date`,
		models.SaleStatusFullyPaid)
	return sales, err
}

// UpdateSalePayment persists payment_status and due_date
func (s *Store) UpdateSalePayment(ctx context.Context, sale *models.Sale) error {
	var updatedOn time.Time
	err := sqlx.GetContext(ctx, s.q, &updatedOn,
		`UPDATE sales SET payment_status = $1, due_date = $2, updated_on = NOW()
		WHERE id = $3 RETURNING updated_on`,
		sale.PaymentStatus, sale.DueDate, sale.ID)
	if err != nil {
		return notFound(err, "sale", sale.ID)
	}
	sale.UpdatedOn = updatedOn
	return nil
}

// MarkDebtWarned records when a due-date warning was last sent for a sale
func (s *Store) MarkDebtWarned(ctx context.Context, saleID int64, at time.Time) error {
	res, err := s.q.ExecContext(ctx,
		"UPDATE sales SET debt_warned_at = $1 WHERE id = $2", at, saleID)
	if err != nil {
		return err
	}
	return expectRow(res, "sale", saleID)
}

// CreatePayment appends a payment to a sale
func (s *Store) CreatePayment(ctx context.Context, payment *models.Payment) error {
	query := `
		INSERT INTO payments (sale_id, method, amount, reference, notes, paid_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	return sqlx.GetContext(ctx, s.q, &payment.ID, query,
		payment.SaleID, payment.Method, payment.Amount, payment.Reference, payment.Notes, payment.PaidAt)
}

// GetPaymentsBySaleID retrieves the payments of a sale in the order they were made
func (s *Store) GetPaymentsBySaleID(ctx context.Context, saleID int64) ([]models.Payment, error) {
	var payments []models.Payment
	err := sqlx.SelectContext(ctx, s.q, &payments,
		"SELECT "+paymentColumns+" FROM payments WHERE sale_id = $1 ORDER BY paid_at, id", saleID)
	return payments, err
}

// SumPaymentsBySaleID returns the total paid against a sale
func (s *Store) SumPaymentsBySaleID(ctx context.Context, saleID int64) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := sqlx.GetContext(ctx, s.q, &total,
		"SELECT COALESCE(SUM(amount), 0) FROM payments WHERE sale_id = $1", saleID)
	return total, err
}

// GetPaymentsBetween retrieves payments made in [from, to), newest first
func (s *Store) GetPaymentsBetween(ctx context.Context, from, to time.Time) ([]models.Payment, error) {
	var payments []models.Payment
	err := sqlx.SelectContext(ctx, s.q, &payments,
		"SELECT "+paymentColumns+" FROM payments WHERE paid_at >= $1 AND paid_at < $2 ORDER BY paid_at DESC",
		from, to)
	return payments, err
}

const mpesaColumns = `id, checkout_request_id, merchant_request_id, account_reference, order_id,
	payment_id, amount, phone_number, mpesa_receipt_number, transaction_date, result_code,
	result_desc, status, created_at`

// CreateMpesaTransaction records a gateway callback. It returns false when a
// transaction with the same checkout request id already exists.
func (s *Store) CreateMpesaTransaction(ctx context.Context, txn *models.MpesaTransaction) (bool, error) {
	query := `
		INSERT INTO mpesa_transactions (checkout_request_id, merchant_request_id, account_reference,
			order_id, payment_id, amount, phone_number, mpesa_receipt_number, transaction_date,
			result_code, result_desc, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (checkout_request_id) DO NOTHING
		RETURNING id, created_at`

	err := sqlx.GetContext(ctx, s.q, txn, query,
		txn.CheckoutRequestID, txn.MerchantRequestID, txn.AccountReference,
		txn.OrderID, txn.PaymentID, txn.Amount, txn.PhoneNumber, txn.MpesaReceiptNumber,
		txn.TransactionDate, txn.ResultCode, txn.ResultDesc, txn.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetMpesaTransaction retrieves a recorded callback by checkout request id
func (s *Store) GetMpesaTransaction(ctx context.Context, checkoutRequestID string) (*models.MpesaTransaction, error) {
	var txn models.MpesaTransaction
	err := sqlx.GetContext(ctx, s.q, &txn,
		"SELECT "+mpesaColumns+" FROM mpesa_transactions WHERE checkout_request_id = $1", checkoutRequestID)
	if err != nil {
		return nil, notFound(err, "mpesa transaction", checkoutRequestID)
	}
	return &txn, nil
}

// GetMpesaTransactionsByOrderID retrieves the callbacks recorded for an order, oldest first
func (s *Store) GetMpesaTransactionsByOrderID(ctx context.Context, orderID int64) ([]models.MpesaTransaction, error) {
	var txns []models.MpesaTransaction
	err := sqlx.SelectContext(ctx, s.q, &txns,
		"SELECT "+mpesaColumns+" FROM mpesa_transactions WHERE order_id = $1 ORDER BY id", orderID)
	return txns, err
}

// SetMpesaPayment links a recorded callback to the payment it produced
func (s *Store) SetMpesaPayment(ctx context.Context, txnID, paymentID int64) error {
	res, err := s.q.ExecContext(ctx,
		"UPDATE mpesa_transactions SET payment_id = $1 WHERE id = $2", paymentID, txnID)
	if err != nil {
		return err
	}
	return expectRow(res, "mpesa transaction", txnID)
}
