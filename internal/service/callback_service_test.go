package service

import (
	"fmt"
	"testing"

	"pos-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func successPayload(checkoutID string, orderID int64, amount string) []byte {
	return []byte(fmt.Sprintf(`{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": %q,
      "ResultCode": 0,
      "ResultDesc": "The service request is processed successfully.",
      "AccountReference": "EasyBuy-%d",
      "CallbackMetadata": {
        "Item": [
          {"Name": "Amount", "Value": %s},
          {"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
          {"Name": "TransactionDate", "Value": 20240310143015},
          {"Name": "PhoneNumber", "Value": 254708374149}
        ]
      }
    }
  }
}`, checkoutID, orderID, amount))
}

func failedPayload(checkoutID string, orderID int64) []byte {
	return []byte(fmt.Sprintf(`{"Body":{"stkCallback":{"MerchantRequestID":"m-1","CheckoutRequestID":%q,"ResultCode":1032,"ResultDesc":"Request cancelled by user","AccountReference":"EasyBuy-%d"}}}`, checkoutID, orderID))
}

func TestCallbackSettlesDebt(t *testing.T) {
	f := newFixture(t)
	sale := f.confirmedDebt(t, "100", 7)

	res, err := f.callbacks.HandleCallback(f.ctx, successPayload("ws_CO_1", sale.OrderID, "100"))
	require.NoError(t, err)
	assert.Equal(t, CallbackRecorded, res.Outcome)
	assert.True(t, res.Success)
	assert.Equal(t, sale.OrderID, res.OrderID)
	assert.NotZero(t, res.PaymentID)

	payments := f.mem.PaymentsSnapshot()
	require.Len(t, payments, 1)
	assert.Equal(t, models.PaymentMethodMpesa, payments[0].Method)
	assert.Equal(t, "NLJ7RT61SV", payments[0].Reference)
	assert.True(t, d("100").Equal(payments[0].Amount))

	txns := f.mem.MpesaSnapshot()
	require.Len(t, txns, 1)
	assert.Equal(t, models.MpesaStatusSuccess, txns[0].Status)
	assert.Equal(t, "254708374149", txns[0].PhoneNumber)
	assert.True(t, txns[0].OrderID.Valid)
	assert.Equal(t, payments[0].ID, txns[0].PaymentID.Int64)
	require.True(t, txns[0].TransactionDate.Valid)
	assert.Equal(t, "2024-03-10T11:30:15Z", txns[0].TransactionDate.Time.UTC().Format("2006-01-02T15:04:05Z"))

	stored, err := f.mem.GetSaleByID(f.ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SaleStatusFullyPaid, stored.PaymentStatus)

	order, err := f.mem.GetOrderByID(f.ctx, sale.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderPaymentPaid, order.PaymentStatus)

	assert.Equal(t, 1, f.pub.count(models.EventTypePaymentRecorded))
	assert.Equal(t, 1, f.pub.count(models.EventTypeSaleFullyPaid))
}

func TestCallbackPartialAmount(t *testing.T) {
	f := newFixture(t)
	sale := f.confirmedDebt(t, "100", 7)

	_, err := f.callbacks.HandleCallback(f.ctx, successPayload("ws_CO_2", sale.OrderID, "40"))
	require.NoError(t, err)

	stored, err := f.mem.GetSaleByID(f.ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SaleStatusPartial, stored.PaymentStatus)
	assert.Equal(t, 0, f.pub.count(models.EventTypeSaleFullyPaid))
}

func TestCallbackDuplicate(t *testing.T) {
	f := newFixture(t)
	sale := f.confirmedDebt(t, "100", 7)
	payload := successPayload("ws_CO_3", sale.OrderID, "50")

	first, err := f.callbacks.HandleCallback(f.ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, CallbackRecorded, first.Outcome)

	second, err := f.callbacks.HandleCallback(f.ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, CallbackDuplicate, second.Outcome)

	assert.Len(t, f.mem.PaymentsSnapshot(), 1)
	assert.Len(t, f.mem.MpesaSnapshot(), 1)
	assert.Equal(t, 1, f.pub.count(models.EventTypePaymentRecorded))
}

func TestCallbackDuplicateWithoutGuard(t *testing.T) {
	f := newFixture(t)
	sale := f.confirmedDebt(t, "100", 7)
	callbacks := NewCallbackService(f.mem, nil, f.payments, "EasyBuy")
	payload := successPayload("ws_CO_4", sale.OrderID, "50")

	_, err := callbacks.HandleCallback(f.ctx, payload)
	require.NoError(t, err)
	res, err := callbacks.HandleCallback(f.ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, CallbackDuplicate, res.Outcome)
	assert.Len(t, f.mem.PaymentsSnapshot(), 1)
}

func TestCallbackInProgress(t *testing.T) {
	f := newFixture(t)
	sale := f.confirmedDebt(t, "100", 7)
	f.guard.locks["mpesa:ws_CO_5"] = true

	res, err := f.callbacks.HandleCallback(f.ctx, successPayload("ws_CO_5", sale.OrderID, "100"))
	require.NoError(t, err)
	assert.Equal(t, CallbackInProgress, res.Outcome)
	assert.Empty(t, f.mem.MpesaSnapshot())
	assert.Empty(t, f.mem.PaymentsSnapshot())
}

func TestCallbackMalformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: `{"Body":`},
		{name: "no stkCallback", payload: `{"Body":{}}`},
		{name: "no checkout id", payload: `{"Body":{"stkCallback":{"ResultCode":0}}}`},
		{name: "no result code", payload: `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_6"}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			res, err := f.callbacks.HandleCallback(f.ctx, []byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, CallbackMalformed, res.Outcome)
			assert.Empty(t, f.mem.MpesaSnapshot())
		})
	}
}

func TestCallbackFailedResult(t *testing.T) {
	f := newFixture(t)
	p := f.product("Cola", "70", "50", "10")
	o := f.order(t, customer, OrderItemRequest{ProductID: p.ID, Quantity: 1})

	res, err := f.callbacks.HandleCallback(f.ctx, failedPayload("ws_CO_7", o.Order.ID))
	require.NoError(t, err)
	assert.Equal(t, CallbackRecorded, res.Outcome)
	assert.False(t, res.Success)

	txns := f.mem.MpesaSnapshot()
	require.Len(t, txns, 1)
	assert.Equal(t, models.MpesaStatusFailed, txns[0].Status)
	assert.Equal(t, 1032, txns[0].ResultCode)

	order, err := f.mem.GetOrderByID(f.ctx, o.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderPaymentFailed, order.PaymentStatus)
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Empty(t, f.mem.PaymentsSnapshot())
}

func TestCallbackBeforeConfirmation(t *testing.T) {
	f := newFixture(t)
	p := f.product("Cola", "70", "50", "10")
	o := f.order(t, customer, OrderItemRequest{ProductID: p.ID, Quantity: 1})

	res, err := f.callbacks.HandleCallback(f.ctx, successPayload("ws_CO_8", o.Order.ID, "70"))
	require.NoError(t, err)
	assert.Equal(t, CallbackRecorded, res.Outcome)
	assert.Zero(t, res.PaymentID)

	order, err := f.mem.GetOrderByID(f.ctx, o.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderPaymentPaid, order.PaymentStatus)
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Empty(t, f.mem.SalesSnapshot())
	assert.Empty(t, f.mem.PaymentsSnapshot())
}

func TestCallbackForCancelledOrder(t *testing.T) {
	f := newFixture(t)
	p := f.product("Cola", "70", "50", "10")
	o := f.order(t, customer, OrderItemRequest{ProductID: p.ID, Quantity: 1})
	_, err := f.orders.CancelOrder(f.ctx, customer, o.Order.ID, "changed mind")
	require.NoError(t, err)

	res, err := f.callbacks.HandleCallback(f.ctx, successPayload("ws_CO_c", o.Order.ID, "70"))
	require.NoError(t, err)
	assert.Equal(t, CallbackRecorded, res.Outcome)

	order, err := f.mem.GetOrderByID(f.ctx, o.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, order.Status)
	assert.Equal(t, models.OrderPaymentPending, order.PaymentStatus)

	txns := f.mem.MpesaSnapshot()
	require.Len(t, txns, 1)
	assert.Equal(t, o.Order.ID, txns[0].OrderID.Int64)
	assert.Empty(t, f.mem.PaymentsSnapshot())
}

func TestCallbackUnknownOrder(t *testing.T) {
	f := newFixture(t)

	res, err := f.callbacks.HandleCallback(f.ctx, successPayload("ws_CO_9", 999, "100"))
	require.NoError(t, err)
	assert.Equal(t, CallbackRecorded, res.Outcome)
	assert.Zero(t, res.OrderID)

	txns := f.mem.MpesaSnapshot()
	require.Len(t, txns, 1)
	assert.False(t, txns[0].OrderID.Valid)
	assert.Equal(t, "EasyBuy-999", txns[0].AccountReference)
}

func TestCallbackStoreFailure(t *testing.T) {
	f := newFixture(t)
	sale := f.confirmedDebt(t, "100", 7)
	f.mem.FailOn("CreatePayment", assert.AnError)

	_, err := f.callbacks.HandleCallback(f.ctx, successPayload("ws_CO_10", sale.OrderID, "100"))
	require.ErrorIs(t, err, assert.AnError)
	assert.Empty(t, f.mem.MpesaSnapshot())
	assert.False(t, f.guard.keys["mpesa:ws_CO_10"])
	assert.False(t, f.guard.locks["mpesa:ws_CO_10"])
}

func TestParseAccountReference(t *testing.T) {
	tests := []struct {
		ref    string
		prefix string
		id     int64
		ok     bool
	}{
		{ref: "EasyBuy-42", prefix: "EasyBuy", id: 42, ok: true},
		{ref: "easybuy-42", prefix: "EasyBuy", id: 42, ok: true},
		{ref: "Easy-Buy-7", prefix: "Easy-Buy", id: 7, ok: true},
		{ref: "Other-42", prefix: "EasyBuy", ok: false},
		{ref: "Other-42", prefix: "", id: 42, ok: true},
		{ref: "EasyBuy42", prefix: "EasyBuy", ok: false},
		{ref: "EasyBuy-abc", prefix: "EasyBuy", ok: false},
		{ref: "EasyBuy-0", prefix: "EasyBuy", ok: false},
		{ref: "", prefix: "EasyBuy", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			id, ok := parseAccountReference(tt.ref, tt.prefix)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.id, id)
		})
	}
}
