package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"pos-service/internal/billing"
	"pos-service/internal/models"
	"pos-service/internal/store"
	"pos-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ConfirmRequest carries the optional settlement instructions for an order
type ConfirmRequest struct {
	PaymentMethod  string `json:"payment_method"`
	MarkAsDebtDays *int   `json:"mark_as_debt_days"`
}

// ConfirmResult identifies the sale a confirmation produced
type ConfirmResult struct {
	SaleID             int64  `json:"sale_id"`
	SaleNumber         string `json:"sale_number"`
	OrderPaymentStatus string `json:"order_payment_status"`
	SalePaymentStatus  string `json:"sale_payment_status"`
	Success            bool   `json:"success"`
}

var confirmMethods = map[string]bool{
	models.PaymentMethodCash:  true,
	models.PaymentMethodMpesa: true,
	models.PaymentMethodDebt:  true,
	models.PaymentMethodCard:  true,
	models.PaymentMethodBank:  true,
	models.PaymentMethodOther: true,
}

// lineStock is the stock an order consumes from one product
type lineStock struct {
	product  *models.Product
	required decimal.Decimal
}

// Confirm settles a pending order into a sale. Everything happens in one
// transaction: the order row is locked, every product row is locked in id
// order and checked before any write, then the sale, its items, the stock
// decrements, the order status and the payment disposition are written.
func (s *OrderService) Confirm(ctx context.Context, caller Caller, orderID int64, req *ConfirmRequest) (*ConfirmResult, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Confirm")
	defer span.End()

	start := time.Now()
	defer func() {
		util.SettlementLatency.Observe(time.Since(start).Seconds())
	}()

	if req == nil {
		req = &ConfirmRequest{}
	}
	method := strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if method != "" && !confirmMethods[method] {
		return nil, validationError("unknown payment method %q", req.PaymentMethod)
	}
	if req.MarkAsDebtDays != nil && *req.MarkAsDebtDays < 0 {
		return nil, validationError("mark_as_debt_days cannot be negative")
	}

	var (
		result  *ConfirmResult
		sale    models.Sale
		changes []stockChange
		low     []models.Product
	)

	err := s.store.WithTx(ctx, func(tx store.Repository) error {
		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return fromStore(err)
		}
		if !caller.CanAccess(order) {
			return ErrForbidden
		}
		if order.Status != models.OrderStatusPending {
			return ErrOrderNotPending
		}

		items, err := tx.GetOrderItemsByOrderID(ctx, orderID)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return validationError("order %d has no items", orderID)
		}

		lines, err := lockStock(ctx, tx, items)
		if err != nil {
			return err
		}

		now := s.now()
		revenue := billing.OrderTotal(items)
		cost := decimal.Zero
		for _, item := range items {
			product := lines[item.ProductID].product
			cost = cost.Add(billing.RequiredStock(item, product).Mul(product.CostPrice))
		}

		sale = models.Sale{
			OrderID:       orderID,
			SaleNumber:    billing.SaleNumber(now),
			CustomerName:  order.CustomerName,
			CustomerPhone: order.CustomerPhone,
			TotalAmount:   revenue,
			CostAmount:    cost,
			ProfitAmount:  revenue.Sub(cost),
			PaymentStatus: models.SaleStatusNoPayment,
			MadeOn:        now,
		}
		if err := createSale(ctx, tx, &sale); err != nil {
			return err
		}

		for _, item := range items {
			product := lines[item.ProductID].product
			saleItem := models.SaleItem{
				SaleID:      sale.ID,
				ProductID:   product.ID,
				ProductName: product.Name,
				Quantity:    billing.SoldQuantity(item, product),
				UnitPrice:   item.UnitPrice,
				CostPrice:   product.CostPrice,
			}
			if err := tx.CreateSaleItem(ctx, &saleItem); err != nil {
				return fmt.Errorf("failed to create sale item: %w", err)
			}
		}

		for _, id := range sortedProductIDs(lines) {
			line := lines[id]
			left := billing.DeductStock(line.product.InStock, line.required)
			if err := tx.UpdateProductStock(ctx, id, left); err != nil {
				return fmt.Errorf("failed to update stock: %w", err)
			}
			line.product.InStock = left
			changes = append(changes, stockChange{
				ProductID: id,
				Deducted:  line.required,
				InStock:   left,
				Minimum:   line.product.MinimumStock,
			})
			if line.product.IsLowStock() {
				low = append(low, *line.product)
			}
		}

		if err := tx.UpdateOrderStatus(ctx, orderID, models.OrderStatusConfirmed); err != nil {
			return fmt.Errorf("failed to confirm order: %w", err)
		}

		prepaid, err := applyPrepayments(ctx, tx, &sale, now)
		if err != nil {
			return err
		}
		settleWith := method
		if settleWith == "" && prepaid.IsPositive() {
			settleWith = models.PaymentMethodMpesa
		}

		orderPayment, err := s.applyDisposition(ctx, tx, &sale, method, req.MarkAsDebtDays, prepaid, now)
		if err != nil {
			return err
		}
		if err := tx.UpdateOrderPaymentStatus(ctx, orderID, orderPayment); err != nil {
			return fmt.Errorf("failed to update order payment status: %w", err)
		}
		if settleWith != "" {
			if err := tx.UpdateOrderPaymentMethod(ctx, orderID, settleWith); err != nil {
				return fmt.Errorf("failed to update order payment method: %w", err)
			}
		}
		if err := tx.UpdateSalePayment(ctx, &sale); err != nil {
			return fmt.Errorf("failed to update sale payment: %w", err)
		}

		result = &ConfirmResult{
			SaleID:             sale.ID,
			SaleNumber:         sale.SaleNumber,
			OrderPaymentStatus: orderPayment,
			SalePaymentStatus:  sale.PaymentStatus,
			Success:            true,
		}
		return nil
	})
	if err != nil {
		util.FailSpan(span, err)
		return nil, s.confirmFailed(orderID, err)
	}

	util.OrdersConfirmedTotal.WithLabelValues(result.OrderPaymentStatus).Inc()
	util.SalesRevenueTotal.Add(sale.TotalAmount.InexactFloat64())
	s.logger.Info("Order confirmed",
		zap.Int64("order_id", orderID),
		zap.Int64("sale_id", sale.ID),
		zap.String("sale_number", sale.SaleNumber),
		zap.String("total", sale.TotalAmount.String()),
		zap.String("payment_status", sale.PaymentStatus))

	for _, p := range low {
		util.LowStockTotal.Inc()
		s.logger.Warn("Product low on stock",
			zap.Int64("product_id", p.ID),
			zap.String("name", p.Name),
			zap.String("in_stock", p.InStock.String()),
			zap.String("minimum_stock", p.MinimumStock.String()))
	}

	if s.inventory != nil {
		s.inventory.applyCommitted(ctx, changes)
	}

	event := &models.OrderConfirmedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeOrderConfirmed, s.now()),
		OrderID:       orderID,
		SaleID:        sale.ID,
		SaleNumber:    sale.SaleNumber,
		TotalAmount:   sale.TotalAmount,
		ProfitAmount:  sale.ProfitAmount,
		PaymentStatus: sale.PaymentStatus,
	}
	if err := s.eventPublisher.PublishOrderConfirmed(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderConfirmed event", zap.Error(err))
	}

	return result, nil
}

// createSale inserts the sale, falling back to a per-order suffix when
// another sale already holds the number for this second.
func createSale(ctx context.Context, tx store.Repository, sale *models.Sale) error {
	err := tx.CreateSale(ctx, sale)
	if errors.Is(err, store.ErrSaleNumberTaken) {
		sale.SaleNumber = fmt.Sprintf("%s-%d", sale.SaleNumber, sale.OrderID)
		err = tx.CreateSale(ctx, sale)
	}
	if err != nil {
		return fmt.Errorf("failed to create sale: %w", err)
	}
	return nil
}

// applyPrepayments books the gateway payments received for the order before
// it was confirmed against the new sale and returns their sum.
func applyPrepayments(ctx context.Context, tx store.Repository, sale *models.Sale, now time.Time) (decimal.Decimal, error) {
	txns, err := tx.GetMpesaTransactionsByOrderID(ctx, sale.OrderID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get mpesa transactions: %w", err)
	}

	paid := decimal.Zero
	for _, txn := range txns {
		if txn.Status != models.MpesaStatusSuccess || txn.PaymentID.Valid || !txn.Amount.IsPositive() {
			continue
		}
		paidAt := now
		if txn.TransactionDate.Valid {
			paidAt = txn.TransactionDate.Time
		}
		payment := &models.Payment{
			SaleID:    sale.ID,
			Method:    models.PaymentMethodMpesa,
			Amount:    txn.Amount,
			Reference: txn.MpesaReceiptNumber,
			Notes:     "mpesa callback " + txn.CheckoutRequestID,
			PaidAt:    paidAt,
		}
		if err := tx.CreatePayment(ctx, payment); err != nil {
			return decimal.Zero, fmt.Errorf("failed to record mpesa prepayment: %w", err)
		}
		if err := tx.SetMpesaPayment(ctx, txn.ID, payment.ID); err != nil {
			return decimal.Zero, fmt.Errorf("failed to link mpesa prepayment: %w", err)
		}
		paid = paid.Add(txn.Amount)
	}
	return paid, nil
}

// applyDisposition classifies the payment obligation of a fresh sale, given
// what was already paid before confirmation, and returns the order payment
// status that goes with it.
func (s *OrderService) applyDisposition(
	ctx context.Context,
	tx store.Repository,
	sale *models.Sale,
	method string,
	debtDays *int,
	prepaid decimal.Decimal,
	now time.Time,
) (string, error) {
	paid := prepaid
	switch {
	case method == models.PaymentMethodCash || method == models.PaymentMethodMpesa:
		// the settlement payment covers only what is still owed
		if balance := sale.TotalAmount.Sub(paid); balance.IsPositive() {
			payment := &models.Payment{
				SaleID:    sale.ID,
				Method:    method,
				Amount:    balance,
				Reference: sale.SaleNumber,
				Notes:     "settled at confirmation",
				PaidAt:    now,
			}
			if err := tx.CreatePayment(ctx, payment); err != nil {
				return "", fmt.Errorf("failed to record settlement payment: %w", err)
			}
			paid = paid.Add(balance)
		}
		billing.UpdatePaymentStatus(sale, paid, now)
		return models.OrderPaymentPaid, nil

	case method == models.PaymentMethodDebt || debtDays != nil:
		days := s.defaultDebtDays
		if debtDays != nil && *debtDays > 0 {
			days = *debtDays
		}
		billing.SetAsDebt(sale, days, now)
		billing.UpdatePaymentStatus(sale, paid, now)
		if sale.PaymentStatus == models.SaleStatusFullyPaid {
			return models.OrderPaymentPaid, nil
		}
		return models.OrderPaymentDebt, nil

	case paid.IsPositive():
		// part paid through the gateway; the rest becomes a debt
		billing.UpdatePaymentStatus(sale, paid, now)
		if sale.PaymentStatus == models.SaleStatusFullyPaid {
			return models.OrderPaymentPaid, nil
		}
		billing.SetAsDebt(sale, s.defaultDebtDays, now)
		return models.OrderPaymentDebt, nil

	default:
		return models.OrderPaymentPending, nil
	}
}

// confirmFailed counts a failed confirmation and wraps unexpected errors
// as ErrSettlementFailed. Business rule failures pass through untouched.
func (s *OrderService) confirmFailed(orderID int64, err error) error {
	var stockErr *InsufficientStockError
	switch {
	case errors.As(err, &stockErr):
		util.OrdersFailedTotal.WithLabelValues("insufficient_stock").Inc()
		s.logger.Warn("Confirmation rejected, insufficient stock",
			zap.Int64("order_id", orderID),
			zap.Int64("product_id", stockErr.ProductID),
			zap.String("available", stockErr.Available.String()),
			zap.String("required", stockErr.Required.String()))
		return err
	case errors.Is(err, ErrStateConflict):
		util.OrdersFailedTotal.WithLabelValues("not_pending").Inc()
		return err
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrNotFound), errors.Is(err, ErrValidation):
		util.OrdersFailedTotal.WithLabelValues("rejected").Inc()
		return err
	}

	util.OrdersFailedTotal.WithLabelValues("settlement_failed").Inc()
	s.logger.Error("Settlement failed", zap.Int64("order_id", orderID), zap.Error(err))
	return fmt.Errorf("%w: %w", ErrSettlementFailed, err)
}

// lockStock locks the products of an order and checks that every product
// has enough stock for all of its lines before anything is written.
func lockStock(ctx context.Context, tx store.Repository, items []models.OrderItem) (map[int64]*lineStock, error) {
	ids := make([]int64, 0, len(items))
	seen := make(map[int64]bool, len(items))
	for _, item := range items {
		if !seen[item.ProductID] {
			seen[item.ProductID] = true
			ids = append(ids, item.ProductID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	products, err := tx.LockProducts(ctx, ids)
	if err != nil {
		return nil, err
	}

	lines := make(map[int64]*lineStock, len(products))
	for i := range products {
		lines[products[i].ID] = &lineStock{product: &products[i], required: decimal.Zero}
	}

	for _, item := range items {
		line, ok := lines[item.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: product %d", ErrNotFound, item.ProductID)
		}
		line.required = line.required.Add(billing.RequiredStock(item, line.product))
	}

	for _, id := range ids {
		line := lines[id]
		if line.product.InStock.LessThan(line.required) {
			return nil, &InsufficientStockError{
				ProductID:   id,
				ProductName: line.product.Name,
				Available:   line.product.InStock,
				Required:    line.required,
			}
		}
	}

	return lines, nil
}

func sortedProductIDs(lines map[int64]*lineStock) []int64 {
	ids := make([]int64, 0, len(lines))
	for id := range lines {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

