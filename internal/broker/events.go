package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"pos-service/internal/models"
	"pos-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// ErrMalformedEvent marks a message that can not be decoded
var ErrMalformedEvent = errors.New("malformed event")

type publisher interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer publisher
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func orderKey(id int64) string {
	return fmt.Sprintf("order-%d", id)
}

func saleKey(id int64) string {
	return fmt.Sprintf("sale-%d", id)
}

// PublishOrderCreated publishes OrderCreated event
func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderConfirmed publishes OrderConfirmed event
func (ep *EventPublisher) PublishOrderConfirmed(ctx context.Context, event *models.OrderConfirmedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderCancelled publishes OrderCancelled event
func (ep *EventPublisher) PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishPaymentRecorded publishes PaymentRecorded event
func (ep *EventPublisher) PublishPaymentRecorded(ctx context.Context, event *models.PaymentRecordedEvent) error {
	return ep.producer.PublishEvent(ctx, saleKey(event.SaleID), event)
}

// PublishSaleFullyPaid publishes SaleFullyPaid event
func (ep *EventPublisher) PublishSaleFullyPaid(ctx context.Context, event *models.SaleFullyPaidEvent) error {
	return ep.producer.PublishEvent(ctx, saleKey(event.SaleID), event)
}

// PublishDebtWarning publishes DebtWarning event
func (ep *EventPublisher) PublishDebtWarning(ctx context.Context, event *models.DebtWarningEvent) error {
	return ep.producer.PublishEvent(ctx, saleKey(event.SaleID), event)
}

// EventHandler handles incoming events
type EventHandler struct {
	onMpesaCallback func(context.Context, *models.MpesaCallbackEvent) error
	logger          *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnMpesaCallback registers a handler for relayed gateway callbacks
func (eh *EventHandler) OnMpesaCallback(handler func(context.Context, *models.MpesaCallbackEvent) error) {
	eh.onMpesaCallback = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	eh.logger.Debug("Handling event", zap.String("type", baseEvent.EventType), zap.String("id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeMpesaCallback:
		if eh.onMpesaCallback != nil {
			var event models.MpesaCallbackEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("%w: MpesaCallback: %w", ErrMalformedEvent, err)
			}
			return eh.onMpesaCallback(ctx, &event)
		}

	default:
		eh.logger.Warn("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
