package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"pos-service/internal/billing"
	"pos-service/internal/models"
	"pos-service/internal/store"
	"pos-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OrderService handles order business logic and settlement
type OrderService struct {
	store           store.Backend
	inventory       *InventoryClient
	eventPublisher  EventPublisher
	defaultDebtDays int
	logger          *zap.Logger
	now             func() time.Time
}

// NewOrderService creates a new order service
func NewOrderService(
	backend store.Backend,
	inventory *InventoryClient,
	eventPublisher EventPublisher,
	defaultDebtDays int,
) *OrderService {
	if defaultDebtDays <= 0 {
		defaultDebtDays = billing.DefaultDebtDays
	}
	return &OrderService{
		store:           backend,
		inventory:       inventory,
		eventPublisher:  publisherOrNop(eventPublisher),
		defaultDebtDays: defaultDebtDays,
		logger:          util.GetLogger(),
		now:             time.Now,
	}
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	CustomerName   string             `json:"customer_name"`
	CustomerPhone  string             `json:"customer_phone"`
	Notes          string             `json:"notes"`
	DeliveryType   string             `json:"delivery_type"`
	PaymentMethod  string             `json:"payment_method"`
	Items          []OrderItemRequest `json:"items" binding:"required,min=1,dive"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
}

// OrderItemRequest represents an item in an order. Weight is only accepted
// for weight-based products.
type OrderItemRequest struct {
	ProductID int64            `json:"product_id" binding:"required"`
	Quantity  int              `json:"quantity"`
	Weight    *decimal.Decimal `json:"weight,omitempty"`
}

// OrderDetail is an order with its items and derived total
type OrderDetail struct {
	Order       *models.Order      `json:"order"`
	Items       []models.OrderItem `json:"items"`
	TotalAmount decimal.Decimal    `json:"total_amount"`
}

// CreateOrder creates a pending order. Stock is not checked until confirmation.
func (s *OrderService) CreateOrder(ctx context.Context, caller Caller, req *CreateOrderRequest) (*OrderDetail, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	idempotencyKey := req.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = uuid.New().String()
	} else {
		existing, err := s.store.GetOrderByIdempotencyKey(ctx, caller.UserID, idempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
		if existing != nil {
			if !caller.CanAccess(existing) {
				return nil, ErrForbidden
			}
			s.logger.Info("Duplicate order request detected",
				zap.String("idempotency_key", idempotencyKey),
				zap.Int64("order_id", existing.ID))
			return s.detail(ctx, s.store, existing)
		}
	}

	if len(req.Items) == 0 {
		util.OrdersFailedTotal.WithLabelValues("invalid_items").Inc()
		return nil, validationError("order needs at least one item")
	}

	deliveryType := strings.ToLower(strings.TrimSpace(req.DeliveryType))
	switch deliveryType {
	case "":
		deliveryType = models.DeliveryPickup
	case models.DeliveryPickup, models.DeliveryDelivery:
	default:
		return nil, validationError("unknown delivery type %q", req.DeliveryType)
	}

	products, err := s.validateOrderItems(ctx, req.Items)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("invalid_items").Inc()
		return nil, err
	}

	order := &models.Order{
		CustomerName:   req.CustomerName,
		CustomerPhone:  req.CustomerPhone,
		Notes:          req.Notes,
		Status:         models.OrderStatusPending,
		PaymentStatus:  models.OrderPaymentPending,
		DeliveryType:   deliveryType,
		PaymentMethod:  strings.ToLower(strings.TrimSpace(req.PaymentMethod)),
		IdempotencyKey: sql.NullString{String: idempotencyKey, Valid: true},
	}
	if caller.UserID != 0 {
		order.UserID = sql.NullInt64{Int64: caller.UserID, Valid: true}
	}

	items := make([]models.OrderItem, 0, len(req.Items))
	err = s.store.WithTx(ctx, func(tx store.Repository) error {
		if err := tx.CreateOrder(ctx, order); err != nil {
			return fmt.Errorf("failed to create order: %w", err)
		}
		for _, reqItem := range req.Items {
			item := buildOrderItem(order.ID, reqItem, products[reqItem.ProductID])
			if err := tx.CreateOrderItem(ctx, &item); err != nil {
				return fmt.Errorf("failed to create order item: %w", err)
			}
			items = append(items, item)
		}
		return nil
	})
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		return nil, err
	}

	util.OrdersCreatedTotal.Inc()
	total := billing.OrderTotal(items)
	s.logger.Info("Order created",
		zap.Int64("order_id", order.ID),
		zap.String("total", total.String()))

	itemData := make([]models.OrderItemData, 0, len(items))
	for _, item := range items {
		itemData = append(itemData, models.OrderItemData{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Kilogram:  item.Kilogram,
			UnitPrice: item.UnitPrice,
		})
	}

	event := &models.OrderCreatedEvent{
		BaseEvent:   newBaseEvent(models.EventTypeOrderCreated, s.now()),
		OrderID:     order.ID,
		UserID:      order.UserID.Int64,
		TotalAmount: total,
		Items:       itemData,
	}
	if err := s.eventPublisher.PublishOrderCreated(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderCreated event", zap.Error(err))
	}

	return &OrderDetail{Order: order, Items: items, TotalAmount: total}, nil
}

// validateOrderItems checks every requested line against its product
func (s *OrderService) validateOrderItems(ctx context.Context, items []OrderItemRequest) (map[int64]*models.Product, error) {
	productIDs := make([]int64, 0, len(items))
	for _, item := range items {
		productIDs = append(productIDs, item.ProductID)
	}

	products, err := s.store.GetProductsByIDs(ctx, productIDs)
	if err != nil {
		return nil, err
	}

	productMap := make(map[int64]*models.Product, len(products))
	for i := range products {
		productMap[products[i].ID] = &products[i]
	}

	for _, item := range items {
		product, ok := productMap[item.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: product %d", ErrNotFound, item.ProductID)
		}
		if !product.IsActive {
			return nil, validationError("product %s is not available", product.Name)
		}
		if product.IsWeightBased {
			if item.Weight == nil || !item.Weight.IsPositive() {
				return nil, validationError("product %s is sold by weight and needs a weight", product.Name)
			}
			if item.Quantity < 0 {
				return nil, validationError("quantity cannot be negative")
			}
			continue
		}
		if item.Weight != nil {
			return nil, validationError("product %s is not sold by weight", product.Name)
		}
		if item.Quantity < 1 {
			return nil, validationError("quantity for %s must be at least 1", product.Name)
		}
	}

	return productMap, nil
}

// buildOrderItem prices a validated line at the product's current price
func buildOrderItem(orderID int64, req OrderItemRequest, product *models.Product) models.OrderItem {
	item := models.OrderItem{
		OrderID:   orderID,
		ProductID: product.ID,
		Quantity:  req.Quantity,
		UnitPrice: product.SalePrice,
	}
	if product.IsWeightBased {
		item.Kilogram = decimal.NewNullDecimal(*req.Weight)
		item.UnitPrice = billing.WeightUnitPrice(product)
		if item.Quantity == 0 {
			item.Quantity = 1
		}
	}
	return item
}

// GetOrder retrieves an order the caller may see
func (s *OrderService) GetOrder(ctx context.Context, caller Caller, orderID int64) (*OrderDetail, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer span.End()

	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, fromStore(err)
	}
	if !caller.CanAccess(order) {
		return nil, ErrForbidden
	}
	return s.detail(ctx, s.store, order)
}

func (s *OrderService) detail(ctx context.Context, repo store.Repository, order *models.Order) (*OrderDetail, error) {
	items, err := repo.GetOrderItemsByOrderID(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	return &OrderDetail{Order: order, Items: items, TotalAmount: billing.OrderTotal(items)}, nil
}

// ListOrders returns every order to admins and their own orders to customers
func (s *OrderService) ListOrders(ctx context.Context, caller Caller) ([]models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ListOrders")
	defer span.End()

	if caller.IsAdmin() {
		return s.store.GetOrders(ctx)
	}
	return s.store.GetOrdersByUserID(ctx, caller.UserID)
}

// CancelOrder cancels a pending order. Confirmed orders cannot be cancelled.
func (s *OrderService) CancelOrder(ctx context.Context, caller Caller, orderID int64, reason string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CancelOrder")
	defer span.End()

	var order *models.Order
	err := s.store.WithTx(ctx, func(tx store.Repository) error {
		var err error
		order, err = tx.LockOrder(ctx, orderID)
		if err != nil {
			return fromStore(err)
		}
		if !caller.CanAccess(order) {
			return ErrForbidden
		}
		if order.Status != models.OrderStatusPending {
			return ErrOrderNotPending
		}
		if err := tx.UpdateOrderStatus(ctx, orderID, models.OrderStatusCancelled); err != nil {
			return fmt.Errorf("failed to cancel order: %w", err)
		}
		order.Status = models.OrderStatusCancelled
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrStateConflict) {
			util.OrdersFailedTotal.WithLabelValues("not_pending").Inc()
		}
		return nil, err
	}

	util.OrdersCancelledTotal.Inc()
	s.logger.Info("Order cancelled", zap.Int64("order_id", orderID), zap.String("reason", reason))

	event := &models.OrderCancelledEvent{
		BaseEvent: newBaseEvent(models.EventTypeOrderCancelled, s.now()),
		OrderID:   orderID,
		Reason:    reason,
	}
	if err := s.eventPublisher.PublishOrderCancelled(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderCancelled event", zap.Error(err))
	}

	return order, nil
}

func newBaseEvent(eventType string, at time.Time) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: at,
	}
}
