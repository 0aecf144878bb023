// Package billing holds the side-effect free money and stock rules shared by
// order creation, settlement and payment tracking.
package billing

import (
	"database/sql"
	"math"
	"time"

	"pos-service/internal/models"

	"github.com/shopspring/decimal"
)

// DefaultDebtDays is the credit period applied when none is given.
const DefaultDebtDays = 7

// NearDueWindow is how close to its due date an open debt must be to warrant a warning.
const NearDueWindow = 48 * time.Hour

// Subtotal returns unit_price × kilogram for weighed lines and
// unit_price × quantity otherwise.
func Subtotal(item models.OrderItem) decimal.Decimal {
	if item.Kilogram.Valid {
		return item.UnitPrice.Mul(item.Kilogram.Decimal)
	}
	return item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
}

// OrderTotal sums the line subtotals. The order total is never stored.
func OrderTotal(items []models.OrderItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(Subtotal(item))
	}
	return total
}

// RequiredStock is the amount of stock an item consumes: its weight for
// weight-based products, its quantity otherwise.
func RequiredStock(item models.OrderItem, product *models.Product) decimal.Decimal {
	if product.IsWeightBased && item.Kilogram.Valid {
		return item.Kilogram.Decimal
	}
	return decimal.NewFromInt(int64(item.Quantity))
}

// SoldQuantity is the unit count recorded on a sale item. Weighed goods count as one unit.
func SoldQuantity(item models.OrderItem, product *models.Product) int {
	if product.IsWeightBased {
		return 1
	}
	return item.Quantity
}

// WeightUnitPrice derives the price per unit of weight. Products without a
// reference weight are priced per unit of weight already.
func WeightUnitPrice(product *models.Product) decimal.Decimal {
	if product.Kilograms.Valid && product.Kilograms.Decimal.IsPositive() {
		return product.SalePrice.DivRound(product.Kilograms.Decimal, 2)
	}
	return product.SalePrice
}

// DeductStock returns in_stock − required, clamped at zero.
func DeductStock(inStock, required decimal.Decimal) decimal.Decimal {
	left := inStock.Sub(required)
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}

// TotalPaid sums payment amounts.
func TotalPaid(payments []models.Payment) decimal.Decimal {
	total := decimal.Zero
	for _, p := range payments {
		total = total.Add(p.Amount)
	}
	return total
}

// PaymentStatus computes a sale's payment status from what has been paid so
// far. A cleared balance always wins over an elapsed due date.
func PaymentStatus(sale *models.Sale, totalPaid decimal.Decimal, now time.Time) string {
	switch {
	case totalPaid.GreaterThanOrEqual(sale.TotalAmount):
		return models.SaleStatusFullyPaid
	case sale.DueDate.Valid && now.After(sale.DueDate.Time):
		return models.SaleStatusOverdue
	case totalPaid.IsPositive():
		return models.SaleStatusPartial
	default:
		return models.SaleStatusNoPayment
	}
}

// UpdatePaymentStatus recomputes sale.PaymentStatus in place and reports
// whether it changed.
func UpdatePaymentStatus(sale *models.Sale, totalPaid decimal.Decimal, now time.Time) bool {
	status := PaymentStatus(sale, totalPaid, now)
	if status == sale.PaymentStatus {
		return false
	}
	sale.PaymentStatus = status
	return true
}

// isOpen reports whether a sale is still collecting money and not yet overdue.
func isOpen(sale *models.Sale) bool {
	return sale.PaymentStatus == models.SaleStatusNoPayment ||
		sale.PaymentStatus == models.SaleStatusPartial
}

// SetAsDebt puts an open sale on credit for the given number of days. It
// leaves the payment status alone; callers recompute afterwards. Sales that
// are already paid or overdue are left untouched.
func SetAsDebt(sale *models.Sale, days int, now time.Time) bool {
	if !isOpen(sale) {
		return false
	}
	if days <= 0 {
		days = DefaultDebtDays
	}
	sale.DueDate = sql.NullTime{Time: now.AddDate(0, 0, days), Valid: true}
	return true
}

// IsNearDue reports whether an open debt is due within NearDueWindow.
func IsNearDue(sale *models.Sale, now time.Time) bool {
	if !isOpen(sale) || !sale.DueDate.Valid {
		return false
	}
	return sale.DueDate.Time.Sub(now) <= NearDueWindow
}

// NeedsDebtWarning reports whether a near-due debt has not yet been warned
// about since it entered the warning window for its current due date.
func NeedsDebtWarning(sale *models.Sale, now time.Time) bool {
	if !IsNearDue(sale, now) {
		return false
	}
	if !sale.DebtWarnedAt.Valid {
		return true
	}
	return sale.DebtWarnedAt.Time.Before(sale.DueDate.Time.Add(-NearDueWindow))
}

// DaysRemaining is the whole number of days until the due date, rounded
// down, so a debt a few hours past due reports -1.
func DaysRemaining(sale *models.Sale, now time.Time) (int, bool) {
	if !sale.DueDate.Valid {
		return 0, false
	}
	days := sale.DueDate.Time.Sub(now).Hours() / 24
	return int(math.Floor(days)), true
}

// Balance is what is still owed. It never goes below zero.
func Balance(sale *models.Sale, totalPaid decimal.Decimal) decimal.Decimal {
	left := sale.TotalAmount.Sub(totalPaid)
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}

// SaleNumber formats the sale number for a confirmation instant.
func SaleNumber(confirmedAt time.Time) string {
	return "SALE-" + confirmedAt.Format("20060102150405")
}
