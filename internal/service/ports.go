package service

import (
	"context"
	"time"

	"pos-service/internal/models"

	"github.com/shopspring/decimal"
)

// EventPublisher publishes domain events. Implemented by broker.EventPublisher.
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderConfirmed(ctx context.Context, event *models.OrderConfirmedEvent) error
	PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error
	PublishPaymentRecorded(ctx context.Context, event *models.PaymentRecordedEvent) error
	PublishSaleFullyPaid(ctx context.Context, event *models.SaleFullyPaidEvent) error
	PublishDebtWarning(ctx context.Context, event *models.DebtWarningEvent) error
}

// StockCache mirrors product stock levels. Implemented by redisclient.Client.
type StockCache interface {
	SetStock(ctx context.Context, productID int64, inStock, minimum decimal.Decimal) error
	DeductStock(ctx context.Context, productID int64, amount decimal.Decimal) (decimal.Decimal, bool, error)
}

// CallbackGuard serializes and deduplicates gateway callbacks. Implemented by
// redisclient.Client.
type CallbackGuard interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
	CheckIdempotencyKey(ctx context.Context, key string) (bool, error)
	SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

type nopPublisher struct{}

func (nopPublisher) PublishOrderCreated(context.Context, *models.OrderCreatedEvent) error { return nil }
func (nopPublisher) PublishOrderConfirmed(context.Context, *models.OrderConfirmedEvent) error {
	return nil
}
func (nopPublisher) PublishOrderCancelled(context.Context, *models.OrderCancelledEvent) error {
	return nil
}
func (nopPublisher) PublishPaymentRecorded(context.Context, *models.PaymentRecordedEvent) error {
	return nil
}
func (nopPublisher) PublishSaleFullyPaid(context.Context, *models.SaleFullyPaidEvent) error {
	return nil
}
func (nopPublisher) PublishDebtWarning(context.Context, *models.DebtWarningEvent) error { return nil }

func publisherOrNop(p EventPublisher) EventPublisher {
	if p == nil {
		return nopPublisher{}
	}
	return p
}
