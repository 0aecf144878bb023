package service

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pos-service/internal/billing"
	"pos-service/internal/models"
	"pos-service/internal/store"
	"pos-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Callback outcomes
const (
	CallbackRecorded   = "recorded"
	CallbackDuplicate  = "duplicate"
	CallbackInProgress = "in_progress"
	CallbackMalformed  = "malformed"
)

const (
	callbackLockTTL        = 30 * time.Second
	callbackIdempotencyTTL = 24 * time.Hour
	mpesaTimeLayout        = "20060102150405"
)

// gateway timestamps are East Africa Time
var mpesaZone = time.FixedZone("EAT", 3*60*60)

var errDuplicateCallback = errors.New("callback already recorded")

// CallbackAck is the acknowledgement body the gateway expects
type CallbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// AcceptedAck acknowledges a callback regardless of how it was handled
var AcceptedAck = CallbackAck{ResultCode: 0, ResultDesc: "Accepted"}

// CallbackResult describes what a callback changed
type CallbackResult struct {
	Outcome           string `json:"outcome"`
	CheckoutRequestID string `json:"checkout_request_id,omitempty"`
	OrderID           int64  `json:"order_id,omitempty"`
	PaymentID         int64  `json:"payment_id,omitempty"`
	Success           bool   `json:"success"`
}

type stkEnvelope struct {
	Body struct {
		StkCallback *stkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type stkCallback struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        *int   `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	AccountReference  string `json:"AccountReference"`
	CallbackMetadata  *struct {
		Item []metadataItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

type metadataItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value"`
}

// CallbackService translates asynchronous gateway results into payments
type CallbackService struct {
	store         store.Backend
	guard         CallbackGuard
	payments      *PaymentService
	accountPrefix string
	logger        *zap.Logger
	now           func() time.Time
}

// NewCallbackService creates a new callback service. A nil guard leaves
// deduplication to the unique checkout request id alone.
func NewCallbackService(backend store.Backend, guard CallbackGuard, payments *PaymentService, accountPrefix string) *CallbackService {
	return &CallbackService{
		store:         backend,
		guard:         guard,
		payments:      payments,
		accountPrefix: accountPrefix,
		logger:        util.GetLogger(),
		now:           time.Now,
	}
}

// HandleCallback records one gateway callback. Malformed and repeated
// callbacks are reported through the result, not as errors; an error means
// the callback could not be stored and may be retried.
func (cs *CallbackService) HandleCallback(ctx context.Context, payload []byte) (*CallbackResult, error) {
	ctx, span := util.StartSpan(ctx, "CallbackService.HandleCallback")
	defer span.End()

	cb, err := parseCallback(payload)
	if err != nil {
		util.MpesaCallbacksTotal.WithLabelValues(CallbackMalformed).Inc()
		cs.logger.Warn("Malformed mpesa callback", zap.Error(err), zap.ByteString("payload", truncate(payload, 512)))
		return &CallbackResult{Outcome: CallbackMalformed}, nil
	}

	checkoutID := cb.CheckoutRequestID
	result := &CallbackResult{CheckoutRequestID: checkoutID, Success: *cb.ResultCode == 0}
	key := "mpesa:" + checkoutID

	if cs.guard != nil {
		locked, err := cs.guard.AcquireLock(ctx, key, callbackLockTTL)
		switch {
		case err != nil:
			cs.logger.Warn("Callback lock unavailable, relying on database", zap.String("checkout_request_id", checkoutID), zap.Error(err))
		case !locked:
			util.MpesaCallbacksTotal.WithLabelValues(CallbackInProgress).Inc()
			cs.logger.Info("Callback already being processed", zap.String("checkout_request_id", checkoutID))
			result.Outcome = CallbackInProgress
			return result, nil
		default:
			defer func() {
				if err := cs.guard.ReleaseLock(context.Background(), key); err != nil {
					cs.logger.Warn("Failed to release callback lock", zap.String("checkout_request_id", checkoutID), zap.Error(err))
				}
			}()
		}

		seen, err := cs.guard.CheckIdempotencyKey(ctx, key)
		if err != nil {
			cs.logger.Warn("Callback idempotency check failed", zap.String("checkout_request_id", checkoutID), zap.Error(err))
		}
		if seen {
			return cs.duplicate(result), nil
		}
	}

	txn := cs.transaction(cb)
	orderID, resolved := parseAccountReference(cb.AccountReference, cs.accountPrefix)

	var (
		sale     *models.Sale
		payment  *models.Payment
		paid     decimal.Decimal
		previous string
	)
	err = cs.store.WithTx(ctx, func(tx store.Repository) error {
		var order *models.Order
		if resolved {
			o, err := tx.LockOrder(ctx, orderID)
			switch {
			case errors.Is(err, store.ErrNotFound):
				cs.logger.Warn("Callback references unknown order",
					zap.String("checkout_request_id", checkoutID),
					zap.String("account_reference", cb.AccountReference))
			case err != nil:
				return err
			default:
				order = o
				txn.OrderID = sql.NullInt64{Int64: o.ID, Valid: true}
			}
		} else {
			cs.logger.Warn("Callback account reference not resolvable",
				zap.String("checkout_request_id", checkoutID),
				zap.String("account_reference", cb.AccountReference))
		}

		inserted, err := tx.CreateMpesaTransaction(ctx, txn)
		if err != nil {
			return fmt.Errorf("failed to record mpesa transaction: %w", err)
		}
		if !inserted {
			return errDuplicateCallback
		}
		if order == nil {
			return nil
		}
		result.OrderID = order.ID

		if order.Status == models.OrderStatusCancelled {
			cs.logger.Warn("Callback for cancelled order, order left unchanged",
				zap.String("checkout_request_id", checkoutID),
				zap.Int64("order_id", order.ID),
				zap.String("status", txn.Status),
				zap.String("amount", txn.Amount.String()))
			return nil
		}

		if txn.Status == models.MpesaStatusFailed {
			if order.PaymentStatus == models.OrderPaymentPending {
				return tx.UpdateOrderPaymentStatus(ctx, order.ID, models.OrderPaymentFailed)
			}
			return nil
		}

		if err := tx.UpdateOrderPaymentStatus(ctx, order.ID, models.OrderPaymentPaid); err != nil {
			return err
		}

		existing, err := tx.GetSaleByOrderID(ctx, order.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		sale, err = tx.LockSale(ctx, existing.ID)
		if err != nil {
			return err
		}
		if sale.PaymentStatus == models.SaleStatusFullyPaid || !txn.Amount.IsPositive() {
			sale = nil
			return nil
		}
		previous = sale.PaymentStatus

		now := cs.now()
		payment = &models.Payment{
			SaleID:    sale.ID,
			Method:    models.PaymentMethodMpesa,
			Amount:    txn.Amount,
			Reference: txn.MpesaReceiptNumber,
			Notes:     "mpesa callback " + checkoutID,
			PaidAt:    now,
		}
		if err := tx.CreatePayment(ctx, payment); err != nil {
			return err
		}
		if err := tx.SetMpesaPayment(ctx, txn.ID, payment.ID); err != nil {
			return err
		}
		paid, err = tx.SumPaymentsBySaleID(ctx, sale.ID)
		if err != nil {
			return err
		}
		billing.UpdatePaymentStatus(sale, paid, now)
		return tx.UpdateSalePayment(ctx, sale)
	})
	if errors.Is(err, errDuplicateCallback) {
		cs.remember(ctx, key, checkoutID)
		return cs.duplicate(result), nil
	}
	if err != nil {
		util.FailSpan(span, err)
		util.MpesaCallbacksTotal.WithLabelValues("error").Inc()
		cs.logger.Error("Failed to process mpesa callback", zap.String("checkout_request_id", checkoutID), zap.Error(err))
		return nil, fmt.Errorf("failed to process callback %s: %w", checkoutID, err)
	}

	cs.remember(ctx, key, checkoutID)
	util.MpesaCallbacksTotal.WithLabelValues(txn.Status).Inc()
	result.Outcome = CallbackRecorded
	cs.logger.Info("Mpesa callback recorded",
		zap.String("checkout_request_id", checkoutID),
		zap.String("status", txn.Status),
		zap.Int64("order_id", result.OrderID),
		zap.String("amount", txn.Amount.String()))

	if payment != nil {
		result.PaymentID = payment.ID
		util.PaymentsRecordedTotal.WithLabelValues(models.PaymentMethodMpesa).Inc()
		if cs.payments != nil {
			cs.payments.publishPayment(ctx, sale, payment, previous, paid)
		}
	}
	return result, nil
}

func (cs *CallbackService) duplicate(result *CallbackResult) *CallbackResult {
	util.MpesaCallbacksTotal.WithLabelValues(CallbackDuplicate).Inc()
	cs.logger.Info("Duplicate mpesa callback ignored", zap.String("checkout_request_id", result.CheckoutRequestID))
	result.Outcome = CallbackDuplicate
	return result
}

func (cs *CallbackService) remember(ctx context.Context, key, checkoutID string) {
	if cs.guard == nil {
		return
	}
	if err := cs.guard.SetIdempotencyKey(ctx, key, checkoutID, callbackIdempotencyTTL); err != nil {
		cs.logger.Warn("Failed to store callback idempotency key", zap.String("checkout_request_id", checkoutID), zap.Error(err))
	}
}

// transaction maps a parsed callback onto its stored record
func (cs *CallbackService) transaction(cb *stkCallback) *models.MpesaTransaction {
	txn := &models.MpesaTransaction{
		CheckoutRequestID: cb.CheckoutRequestID,
		MerchantRequestID: cb.MerchantRequestID,
		AccountReference:  cb.AccountReference,
		Amount:            decimal.Zero,
		ResultCode:        *cb.ResultCode,
		ResultDesc:        cb.ResultDesc,
		Status:            models.MpesaStatusFailed,
	}
	if *cb.ResultCode != 0 {
		return txn
	}
	txn.Status = models.MpesaStatusSuccess
	if cb.CallbackMetadata == nil {
		return txn
	}

	for _, item := range cb.CallbackMetadata.Item {
		value := metadataString(item.Value)
		switch item.Name {
		case "Amount":
			if amount, err := decimal.NewFromString(value); err == nil {
				txn.Amount = amount
			} else {
				cs.logger.Warn("Unparseable callback amount", zap.String("value", value))
			}
		case "MpesaReceiptNumber":
			txn.MpesaReceiptNumber = value
		case "TransactionDate":
			if at, err := time.ParseInLocation(mpesaTimeLayout, value, mpesaZone); err == nil {
				txn.TransactionDate = sql.NullTime{Time: at, Valid: true}
			}
		case "PhoneNumber":
			txn.PhoneNumber = value
		}
	}
	return txn
}

func parseCallback(payload []byte) (*stkCallback, error) {
	var env stkEnvelope
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	cb := env.Body.StkCallback
	if cb == nil {
		return nil, errors.New("missing Body.stkCallback")
	}
	if strings.TrimSpace(cb.CheckoutRequestID) == "" {
		return nil, errors.New("missing CheckoutRequestID")
	}
	if cb.ResultCode == nil {
		return nil, errors.New("missing ResultCode")
	}
	return cb, nil
}

// parseAccountReference extracts the order id from "<prefix>-<orderID>".
// With an empty prefix any leading label is accepted.
func parseAccountReference(ref, prefix string) (int64, bool) {
	i := strings.LastIndex(ref, "-")
	if i < 0 {
		return 0, false
	}
	if prefix != "" && !strings.EqualFold(strings.TrimSpace(ref[:i]), prefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimSpace(ref[i+1:]), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func metadataString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
