package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pos-service/internal/broker"
	"pos-service/internal/models"
	"pos-service/internal/service"
	"pos-service/internal/store"
	"pos-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// CallbackWorker ingests gateway callbacks relayed onto kafka
type CallbackWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	store        store.Repository
	callbacks    *service.CallbackService
	logger       *zap.Logger
}

// NewCallbackWorker creates a new callback worker
func NewCallbackWorker(
	consumer *broker.Consumer,
	repo store.Repository,
	callbacks *service.CallbackService,
) *CallbackWorker {
	w := &CallbackWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		store:        repo,
		callbacks:    callbacks,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnMpesaCallback(w.handleCallback)
	return w
}

// Start starts the worker
func (w *CallbackWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting callback worker")
	return w.consumer.StartConsuming(ctx, w.HandleMessage)
}

// Stop stops the worker
func (w *CallbackWorker) Stop() error {
	w.logger.Info("Stopping callback worker")
	return w.consumer.Close()
}

// HandleMessage processes one kafka message. Messages that can never be
// processed are logged and dropped so they don't block the partition.
func (w *CallbackWorker) HandleMessage(ctx context.Context, msg kafka.Message) error {
	err := w.eventHandler.HandleMessage(ctx, msg)
	if errors.Is(err, errUnprocessable) || errors.Is(err, broker.ErrMalformedEvent) {
		w.logger.Warn("Dropping unprocessable message", zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}
	return err
}

var errUnprocessable = errors.New("unprocessable message")

func (w *CallbackWorker) handleCallback(ctx context.Context, event *models.MpesaCallbackEvent) error {
	if event.EventID == "" {
		return fmt.Errorf("%w: callback event without id", errUnprocessable)
	}

	processed, err := w.store.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event: %w", err)
	}
	if processed {
		w.logger.Info("Event already processed, skipping", zap.String("event_id", event.EventID))
		return nil
	}

	result, err := w.callbacks.HandleCallback(ctx, event.Payload)
	if err != nil {
		return err
	}
	w.logger.Info("Relayed callback handled",
		zap.String("event_id", event.EventID),
		zap.String("outcome", result.Outcome))

	if err := w.store.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		w.logger.Error("Failed to mark event processed", zap.String("event_id", event.EventID), zap.Error(err))
	}
	return nil
}

// DebtSweeper is the part of the payment service the monitor drives
type DebtSweeper interface {
	SweepDebts(ctx context.Context) (service.SweepResult, error)
}

// DebtMonitor periodically refreshes open debts and raises due-date warnings
type DebtMonitor struct {
	sweeper  DebtSweeper
	interval time.Duration
	logger   *zap.Logger
}

// NewDebtMonitor creates a new debt monitor
func NewDebtMonitor(sweeper DebtSweeper, interval time.Duration) *DebtMonitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &DebtMonitor{
		sweeper:  sweeper,
		interval: interval,
		logger:   util.GetLogger(),
	}
}

// Start sweeps once immediately and then on every tick until ctx is done
func (m *DebtMonitor) Start(ctx context.Context) error {
	m.logger.Info("Starting debt monitor", zap.Duration("interval", m.interval))

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			m.logger.Info("Stopping debt monitor")
			return err
		}
		m.sweep(ctx)
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
}

func (m *DebtMonitor) sweep(ctx context.Context) {
	result, err := m.sweeper.SweepDebts(ctx)
	if err != nil {
		m.logger.Error("Debt sweep failed", zap.Error(err))
		return
	}
	m.logger.Info("Debt sweep finished",
		zap.Int("checked", result.Checked),
		zap.Int("new_overdue", result.NewOverdue),
		zap.Int("warned", result.Warned))
}
