package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderCreated    = "ORDER_CREATED"
	EventTypeOrderConfirmed  = "ORDER_CONFIRMED"
	EventTypeOrderCancelled  = "ORDER_CANCELLED"
	EventTypePaymentRecorded = "PAYMENT_RECORDED"
	EventTypeSaleFullyPaid   = "SALE_FULLY_PAID"
	EventTypeDebtWarning     = "DEBT_WARNING"
	EventTypeMpesaCallback   = "MPESA_CALLBACK"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published when order is created
type OrderCreatedEvent struct {
	BaseEvent
	OrderID     int64           `json:"order_id"`
	UserID      int64           `json:"user_id,omitempty"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Items       []OrderItemData `json:"items"`
}

// OrderConfirmedEvent published when an order has been settled into a sale
type OrderConfirmedEvent struct {
	BaseEvent
	OrderID       int64           `json:"order_id"`
	SaleID        int64           `json:"sale_id"`
	SaleNumber    string          `json:"sale_number"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	ProfitAmount  decimal.Decimal `json:"profit_amount"`
	PaymentStatus string          `json:"payment_status"`
}

// OrderCancelledEvent published when a pending order is cancelled
type OrderCancelledEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	Reason  string `json:"reason"`
}

// PaymentRecordedEvent published after a payment is appended to a sale
type PaymentRecordedEvent struct {
	BaseEvent
	SaleID        int64           `json:"sale_id"`
	PaymentID     int64           `json:"payment_id"`
	Method        string          `json:"method"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentStatus string          `json:"payment_status"`
}

// SaleFullyPaidEvent published when a sale's balance is cleared
type SaleFullyPaidEvent struct {
	BaseEvent
	SaleID     int64           `json:"sale_id"`
	SaleNumber string          `json:"sale_number"`
	TotalPaid  decimal.Decimal `json:"total_paid"`
}

// DebtWarningEvent published for credit sales close to their due date
type DebtWarningEvent struct {
	BaseEvent
	SaleID     int64           `json:"sale_id"`
	SaleNumber string          `json:"sale_number"`
	Balance    decimal.Decimal `json:"balance"`
	DueDate    time.Time       `json:"due_date"`
}

// MpesaCallbackEvent carries a raw gateway callback relayed onto kafka
type MpesaCallbackEvent struct {
	BaseEvent
	Payload json.RawMessage `json:"payload"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID int64               `json:"product_id"`
	Quantity  int                 `json:"quantity"`
	Kilogram  decimal.NullDecimal `json:"kilogram"`
	UnitPrice decimal.Decimal     `json:"unit_price"`
}
