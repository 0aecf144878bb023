package models

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// Product represents a catalog product and its stock level
type Product struct {
	ID            int64               `db:"id" json:"id"`
	Name          string              `db:"name" json:"name"`
	SalePrice     decimal.Decimal     `db:"sale_price" json:"sale_price"`
	CostPrice     decimal.Decimal     `db:"cost_price" json:"cost_price"`
	InStock       decimal.Decimal     `db:"in_stock" json:"in_stock"`
	MinimumStock  decimal.Decimal     `db:"minimum_stock" json:"minimum_stock"`
	IsWeightBased bool                `db:"is_weight_based" json:"is_weight_based"`
	Kilograms     decimal.NullDecimal `db:"kilograms" json:"kilograms"`
	IsActive      bool                `db:"is_active" json:"is_active"`
	CreatedAt     time.Time           `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time           `db:"updated_at" json:"updated_at"`
}

// IsLowStock reports whether stock has dropped to the reorder threshold.
func (p *Product) IsLowStock() bool {
	return p.InStock.LessThanOrEqual(p.MinimumStock)
}

// Order represents a customer order
type Order struct {
	ID             int64          `db:"id" json:"id"`
	UserID         sql.NullInt64  `db:"user_id" json:"user_id"`
	CustomerName   string         `db:"customer_name" json:"customer_name"`
	CustomerPhone  string         `db:"customer_phone" json:"customer_phone"`
	Notes          string         `db:"notes" json:"notes"`
	Status         string         `db:"status" json:"status"`
	PaymentStatus  string         `db:"payment_status" json:"payment_status"`
	DeliveryType   string         `db:"delivery_type" json:"delivery_type"`
	PaymentMethod  string         `db:"payment_method" json:"payment_method"`
	IdempotencyKey sql.NullString `db:"idempotency_key" json:"-"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

// OwnedBy reports whether the order belongs to the given user.
func (o *Order) OwnedBy(userID int64) bool {
	return o.UserID.Valid && o.UserID.Int64 == userID
}

// OrderItem represents items in an order
type OrderItem struct {
	ID        int64               `db:"id" json:"id"`
	OrderID   int64               `db:"order_id" json:"order_id"`
	ProductID int64               `db:"product_id" json:"product_id"`
	Quantity  int                 `db:"quantity" json:"quantity"`
	Kilogram  decimal.NullDecimal `db:"kilogram" json:"kilogram"`
	UnitPrice decimal.Decimal     `db:"unit_price" json:"unit_price"`
}

// Sale is the finalized record of a confirmed order
type Sale struct {
	ID            int64           `db:"id" json:"id"`
	OrderID       int64           `db:"order_id" json:"order_id"`
	SaleNumber    string          `db:"sale_number" json:"sale_number"`
	CustomerName  string          `db:"customer_name" json:"customer_name"`
	CustomerPhone string          `db:"customer_phone" json:"customer_phone"`
	TotalAmount   decimal.Decimal `db:"total_amount" json:"total_amount"`
	CostAmount    decimal.Decimal `db:"cost_amount" json:"cost_amount"`
	ProfitAmount  decimal.Decimal `db:"profit_amount" json:"profit_amount"`
	PaymentStatus string          `db:"payment_status" json:"payment_status"`
	DueDate       sql.NullTime    `db:"due_date" json:"due_date"`
	DebtWarnedAt  sql.NullTime    `db:"debt_warned_at" json:"-"`
	MadeOn        time.Time       `db:"made_on" json:"made_on"`
	UpdatedOn     time.Time       `db:"updated_on" json:"updated_on"`
}

// SaleItem is an immutable price snapshot of a sold line
type SaleItem struct {
	ID          int64           `db:"id" json:"id"`
	SaleID      int64           `db:"sale_id" json:"sale_id"`
	ProductID   int64           `db:"product_id" json:"product_id"`
	ProductName string          `db:"product_name" json:"product_name"`
	Quantity    int             `db:"quantity" json:"quantity"`
	UnitPrice   decimal.Decimal `db:"unit_price" json:"unit_price"`
	CostPrice   decimal.Decimal `db:"cost_price" json:"cost_price"`
}

// Payment represents money received against a sale
type Payment struct {
	ID        int64           `db:"id" json:"id"`
	SaleID    int64           `db:"sale_id" json:"sale_id"`
	Method    string          `db:"method" json:"method"`
	Amount    decimal.Decimal `db:"amount" json:"amount"`
	Reference string          `db:"reference" json:"reference"`
	Notes     string          `db:"notes" json:"notes"`
	PaidAt    time.Time       `db:"paid_at" json:"paid_at"`
}

// MpesaTransaction is the record of one gateway callback
type MpesaTransaction struct {
	ID                 int64           `db:"id" json:"id"`
	CheckoutRequestID  string          `db:"checkout_request_id" json:"checkout_request_id"`
	MerchantRequestID  string          `db:"merchant_request_id" json:"merchant_request_id"`
	AccountReference   string          `db:"account_reference" json:"account_reference"`
	OrderID            sql.NullInt64   `db:"order_id" json:"order_id"`
	PaymentID          sql.NullInt64   `db:"payment_id" json:"payment_id"`
	Amount             decimal.Decimal `db:"amount" json:"amount"`
	PhoneNumber        string          `db:"phone_number" json:"phone_number"`
	MpesaReceiptNumber string          `db:"mpesa_receipt_number" json:"mpesa_receipt_number"`
	TransactionDate    sql.NullTime    `db:"transaction_date" json:"transaction_date"`
	ResultCode         int             `db:"result_code" json:"result_code"`
	ResultDesc         string          `db:"result_desc" json:"result_desc"`
	Status             string          `db:"status" json:"status"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
}

// Order statuses
const (
	OrderStatusPending   = "pending"
	OrderStatusConfirmed = "confirmed"
	OrderStatusCancelled = "cancelled"
)

// Order payment statuses
const (
	OrderPaymentPending = "PENDING"
	OrderPaymentPaid    = "PAID"
	OrderPaymentDebt    = "DEBT"
	OrderPaymentFailed  = "FAILED"
)

// Sale payment statuses
const (
	SaleStatusFullyPaid = "fully-paid"
	SaleStatusPartial   = "partial"
	SaleStatusNoPayment = "no-payment"
	SaleStatusOverdue   = "overdue"
)

// SaleStatuses lists every sale payment status in reporting order.
var SaleStatuses = []string{
	SaleStatusFullyPaid,
	SaleStatusPartial,
	SaleStatusNoPayment,
	SaleStatusOverdue,
}

// Payment methods
const (
	PaymentMethodCash  = "cash"
	PaymentMethodMpesa = "mpesa"
	PaymentMethodDebt  = "debt"
	PaymentMethodCard  = "card"
	PaymentMethodBank  = "bank"
	PaymentMethodOther = "other"
)

// Delivery types
const (
	DeliveryPickup   = "pickup"
	DeliveryDelivery = "delivery"
)

// Mpesa transaction statuses
const (
	MpesaStatusSuccess = "success"
	MpesaStatusFailed  = "failed"
)

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
