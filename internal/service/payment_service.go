package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pos-service/internal/billing"
	"pos-service/internal/models"
	"pos-service/internal/store"
	"pos-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaymentService records payments against sales and keeps their payment
// status current
type PaymentService struct {
	store          store.Backend
	eventPublisher EventPublisher
	logger         *zap.Logger
	now            func() time.Time
}

// NewPaymentService creates a new payment service
func NewPaymentService(backend store.Backend, eventPublisher EventPublisher) *PaymentService {
	return &PaymentService{
		store:          backend,
		eventPublisher: publisherOrNop(eventPublisher),
		logger:         util.GetLogger(),
		now:            time.Now,
	}
}

// AddPaymentRequest represents a payment taken against a sale
type AddPaymentRequest struct {
	Method    string          `json:"method" binding:"required"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
	Notes     string          `json:"notes"`
}

// PaymentResult is a recorded payment with the sale's resulting position
type PaymentResult struct {
	Payment       *models.Payment `json:"payment"`
	PaymentStatus string          `json:"payment_status"`
	TotalPaid     decimal.Decimal `json:"total_paid"`
	Balance       decimal.Decimal `json:"balance"`
}

// SaleDetail is a sale with everything needed to show its payment position
type SaleDetail struct {
	Sale          *models.Sale      `json:"sale"`
	Items         []models.SaleItem `json:"items"`
	Payments      []models.Payment  `json:"payments"`
	TotalPaid     decimal.Decimal   `json:"total_paid"`
	Balance       decimal.Decimal   `json:"balance"`
	IsFullyPaid   bool              `json:"is_fully_paid"`
	IsNearDue     bool              `json:"is_near_due"`
	DaysRemaining *int              `json:"days_remaining,omitempty"`
}

// SweepResult summarizes one pass over open debts
type SweepResult struct {
	Checked    int
	NewOverdue int
	Warned     int
}

var recordMethods = map[string]bool{
	models.PaymentMethodCash:  true,
	models.PaymentMethodMpesa: true,
	models.PaymentMethodCard:  true,
	models.PaymentMethodBank:  true,
	models.PaymentMethodOther: true,
}

// AddPayment appends a payment to a sale and recomputes its status in the
// same transaction. Overpayment is accepted.
func (ps *PaymentService) AddPayment(ctx context.Context, caller Caller, saleID int64, req *AddPaymentRequest) (*PaymentResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.AddPayment")
	defer span.End()

	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	method := strings.ToLower(strings.TrimSpace(req.Method))
	if !recordMethods[method] {
		return nil, validationError("unknown payment method %q", req.Method)
	}
	if !req.Amount.IsPositive() {
		return nil, validationError("amount must be greater than zero")
	}

	var (
		sale     *models.Sale
		payment  *models.Payment
		paid     decimal.Decimal
		previous string
	)
	err := ps.store.WithTx(ctx, func(tx store.Repository) error {
		var err error
		sale, err = tx.LockSale(ctx, saleID)
		if err != nil {
			return fromStore(err)
		}
		previous = sale.PaymentStatus

		now := ps.now()
		payment = &models.Payment{
			SaleID:    saleID,
			Method:    method,
			Amount:    req.Amount,
			Reference: req.Reference,
			Notes:     req.Notes,
			PaidAt:    now,
		}
		if err := tx.CreatePayment(ctx, payment); err != nil {
			return fmt.Errorf("failed to create payment: %w", err)
		}

		paid, err = tx.SumPaymentsBySaleID(ctx, saleID)
		if err != nil {
			return fmt.Errorf("failed to sum payments: %w", err)
		}
		billing.UpdatePaymentStatus(sale, paid, now)
		if err := tx.UpdateSalePayment(ctx, sale); err != nil {
			return fmt.Errorf("failed to update sale payment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	util.PaymentsRecordedTotal.WithLabelValues(method).Inc()
	ps.logger.Info("Payment recorded",
		zap.Int64("sale_id", saleID),
		zap.Int64("payment_id", payment.ID),
		zap.String("method", method),
		zap.String("amount", payment.Amount.String()),
		zap.String("payment_status", sale.PaymentStatus))

	ps.publishPayment(ctx, sale, payment, previous, paid)

	return &PaymentResult{
		Payment:       payment,
		PaymentStatus: sale.PaymentStatus,
		TotalPaid:     paid,
		Balance:       billing.Balance(sale, paid),
	}, nil
}

// publishPayment emits PaymentRecorded and, when the balance has just been
// cleared, SaleFullyPaid
func (ps *PaymentService) publishPayment(ctx context.Context, sale *models.Sale, payment *models.Payment, previous string, paid decimal.Decimal) {
	recorded := &models.PaymentRecordedEvent{
		BaseEvent:     newBaseEvent(models.EventTypePaymentRecorded, ps.now()),
		SaleID:        sale.ID,
		PaymentID:     payment.ID,
		Method:        payment.Method,
		Amount:        payment.Amount,
		PaymentStatus: sale.PaymentStatus,
	}
	if err := ps.eventPublisher.PublishPaymentRecorded(ctx, recorded); err != nil {
		ps.logger.Error("Failed to publish PaymentRecorded event", zap.Error(err))
	}

	if previous == models.SaleStatusFullyPaid || sale.PaymentStatus != models.SaleStatusFullyPaid {
		return
	}
	fullyPaid := &models.SaleFullyPaidEvent{
		BaseEvent:  newBaseEvent(models.EventTypeSaleFullyPaid, ps.now()),
		SaleID:     sale.ID,
		SaleNumber: sale.SaleNumber,
		TotalPaid:  paid,
	}
	if err := ps.eventPublisher.PublishSaleFullyPaid(ctx, fullyPaid); err != nil {
		ps.logger.Error("Failed to publish SaleFullyPaid event", zap.Error(err))
	}
}

// GetSale returns a sale with its items and payments, recomputing its
// payment status first when it is not already settled
func (ps *PaymentService) GetSale(ctx context.Context, caller Caller, saleID int64) (*SaleDetail, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.GetSale")
	defer span.End()

	if err := requireAdmin(caller); err != nil {
		return nil, err
	}

	now := ps.now()
	sale, err := ps.store.GetSaleByID(ctx, saleID)
	if err != nil {
		return nil, fromStore(err)
	}
	if sale.PaymentStatus != models.SaleStatusFullyPaid {
		if sale, _, err = ps.refreshLocked(ctx, saleID, now); err != nil {
			return nil, fromStore(err)
		}
	}

	payments, err := ps.store.GetPaymentsBySaleID(ctx, saleID)
	if err != nil {
		return nil, fmt.Errorf("failed to get payments: %w", err)
	}
	items, err := ps.store.GetSaleItemsBySaleID(ctx, saleID)
	if err != nil {
		return nil, fmt.Errorf("failed to get sale items: %w", err)
	}

	// payments read after the refresh may include one made since; derive the
	// position from them without writing
	paid := billing.TotalPaid(payments)
	billing.UpdatePaymentStatus(sale, paid, now)

	detail := &SaleDetail{
		Sale:        sale,
		Items:       items,
		Payments:    payments,
		TotalPaid:   paid,
		Balance:     billing.Balance(sale, paid),
		IsFullyPaid: sale.PaymentStatus == models.SaleStatusFullyPaid,
		IsNearDue:   billing.IsNearDue(sale, now),
	}
	if days, ok := billing.DaysRemaining(sale, now); ok {
		detail.DaysRemaining = &days
	}
	return detail, nil
}

// ListSales returns every sale, newest first, with stale statuses refreshed
func (ps *PaymentService) ListSales(ctx context.Context, caller Caller) ([]models.Sale, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.ListSales")
	defer span.End()

	if err := requireAdmin(caller); err != nil {
		return nil, err
	}

	sales, err := ps.store.GetSales(ctx)
	if err != nil {
		return nil, err
	}

	now := ps.now()
	for i := range sales {
		if sales[i].PaymentStatus == models.SaleStatusFullyPaid {
			continue
		}
		fresh, _, err := ps.refreshLocked(ctx, sales[i].ID, now)
		if err != nil {
			return nil, err
		}
		sales[i] = *fresh
	}
	return sales, nil
}

// refreshLocked recomputes a sale's status under its row lock, so a payment
// committed concurrently is never overwritten by a stale status.
func (ps *PaymentService) refreshLocked(ctx context.Context, saleID int64, now time.Time) (*models.Sale, decimal.Decimal, error) {
	var (
		sale *models.Sale
		paid decimal.Decimal
	)
	err := ps.store.WithTx(ctx, func(tx store.Repository) error {
		var err error
		sale, err = tx.LockSale(ctx, saleID)
		if err != nil {
			return err
		}
		paid, err = tx.SumPaymentsBySaleID(ctx, saleID)
		if err != nil {
			return fmt.Errorf("failed to sum payments: %w", err)
		}
		return ps.refresh(ctx, tx, sale, paid, now)
	})
	if err != nil {
		return nil, decimal.Zero, err
	}
	return sale, paid, nil
}

// refresh recomputes an unsettled sale's status and persists a change
func (ps *PaymentService) refresh(ctx context.Context, repo store.Repository, sale *models.Sale, paid decimal.Decimal, now time.Time) error {
	if sale.PaymentStatus == models.SaleStatusFullyPaid {
		return nil
	}
	previous := sale.PaymentStatus
	if !billing.UpdatePaymentStatus(sale, paid, now) {
		return nil
	}
	if err := repo.UpdateSalePayment(ctx, sale); err != nil {
		return fmt.Errorf("failed to update sale payment: %w", err)
	}
	if sale.PaymentStatus == models.SaleStatusOverdue {
		util.OverdueTransitionsTotal.Inc()
		ps.logger.Warn("Sale is now overdue",
			zap.Int64("sale_id", sale.ID),
			zap.String("sale_number", sale.SaleNumber),
			zap.String("previous_status", previous),
			zap.Time("due_date", sale.DueDate.Time))
	}
	return nil
}

// SweepDebts recomputes every open debt, persisting status changes, and
// publishes a DebtWarning for each debt that is close to its due date
func (ps *PaymentService) SweepDebts(ctx context.Context) (SweepResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.SweepDebts")
	defer span.End()

	var result SweepResult
	debts, err := ps.store.GetOpenDebts(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to get open debts: %w", err)
	}

	for i := range debts {
		saleID := debts[i].ID
		var (
			sale *models.Sale
			paid decimal.Decimal
		)
		now := ps.now()
		err := ps.store.WithTx(ctx, func(tx store.Repository) error {
			var err error
			sale, err = tx.LockSale(ctx, saleID)
			if err != nil {
				return err
			}
			paid, err = tx.SumPaymentsBySaleID(ctx, saleID)
			if err != nil {
				return err
			}
			wasOverdue := sale.PaymentStatus == models.SaleStatusOverdue
			if err := ps.refresh(ctx, tx, sale, paid, now); err != nil {
				return err
			}
			if !wasOverdue && sale.PaymentStatus == models.SaleStatusOverdue {
				result.NewOverdue++
			}
			return nil
		})
		if err != nil {
			ps.logger.Error("Failed to refresh debt", zap.Int64("sale_id", saleID), zap.Error(err))
			continue
		}
		result.Checked++

		if !billing.NeedsDebtWarning(sale, now) {
			continue
		}
		warning := &models.DebtWarningEvent{
			BaseEvent:  newBaseEvent(models.EventTypeDebtWarning, now),
			SaleID:     sale.ID,
			SaleNumber: sale.SaleNumber,
			Balance:    billing.Balance(sale, paid),
			DueDate:    sale.DueDate.Time,
		}
		if err := ps.eventPublisher.PublishDebtWarning(ctx, warning); err != nil {
			ps.logger.Error("Failed to publish DebtWarning event", zap.Int64("sale_id", sale.ID), zap.Error(err))
			continue
		}
		if err := ps.store.MarkDebtWarned(ctx, sale.ID, now); err != nil {
			ps.logger.Error("Failed to record debt warning", zap.Int64("sale_id", sale.ID), zap.Error(err))
		}
		util.DebtWarningsTotal.Inc()
		result.Warned++
	}

	util.DebtSweepsTotal.Inc()
	return result, nil
}
