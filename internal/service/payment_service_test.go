package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"pos-service/internal/models"
	"pos-service/internal/store/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddPaymentProgression(t *testing.T) {
	f := newFixture(t)
	sale := f.confirmedDebt(t, "100", 7)

	res, err := f.payments.AddPayment(f.ctx, admin, sale.ID, &AddPaymentRequest{Method: "cash", Amount: d("40")})
	require.NoError(t, err)
	assert.Equal(t, models.SaleStatusPartial, res.PaymentStatus)
	assert.True(t, d("40").Equal(res.TotalPaid))
	assert.True(t, d("60").Equal(res.Balance))

	res, err = f.payments.AddPayment(f.ctx, admin, sale.ID, &AddPaymentRequest{Method: "mpesa", Amount: d("60"), Reference: "QK12"})
	require.NoError(t, err)
	assert.Equal(t, models.SaleStatusFullyPaid, res.PaymentStatus)
	assert.True(t, res.Balance.IsZero())
	assert.Equal(t, 1, f.pub.count(models.EventTypeSaleFullyPaid))

	res, err = f.payments.AddPayment(f.ctx, admin, sale.ID, &AddPaymentRequest{Method: "card", Amount: d("10")})
	require.NoError(t, err)
	assert.Equal(t, models.SaleStatusFullyPaid, res.PaymentStatus)
	assert.True(t, d("110").Equal(res.TotalPaid))
	assert.True(t, res.Balance.IsZero())

	assert.Equal(t, 3, f.pub.count(models.EventTypePaymentRecorded))
	assert.Equal(t, 1, f.pub.count(models.EventTypeSaleFullyPaid))

	stored, err := f.mem.GetSaleByID(f.ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SaleStatusFullyPaid, stored.PaymentStatus)
}

func TestAddPaymentRejects(t *testing.T) {
	f := newFixture(t)
	sale := f.confirmedDebt(t, "100", 7)

	tests := []struct {
		name    string
		caller  Caller
		saleID  int64
		req     *AddPaymentRequest
		wantErr error
	}{
		{name: "customer", caller: customer, saleID: sale.ID, req: &AddPaymentRequest{Method: "cash", Amount: d("1")}, wantErr: ErrForbidden},
		{name: "debt is not a payment method", caller: admin, saleID: sale.ID, req: &AddPaymentRequest{Method: "debt", Amount: d("1")}, wantErr: ErrValidation},
		{name: "zero amount", caller: admin, saleID: sale.ID, req: &AddPaymentRequest{Method: "cash", Amount: d("0")}, wantErr: ErrValidation},
		{name: "negative amount", caller: admin, saleID: sale.ID, req: &AddPaymentRequest{Method: "cash", Amount: d("-5")}, wantErr: ErrValidation},
		{name: "unknown sale", caller: admin, saleID: 999, req: &AddPaymentRequest{Method: "cash", Amount: d("1")}, wantErr: ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.payments.AddPayment(f.ctx, tt.caller, tt.saleID, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Empty(t, f.mem.PaymentsSnapshot())
}

func TestGetSaleRecomputesOverdueLazily(t *testing.T) {
	f := newFixture(t)
	sale := f.confirmedDebt(t, "100", 7)

	_, err := f.payments.AddPayment(f.ctx, admin, sale.ID, &AddPaymentRequest{Method: "cash", Amount: d("40")})
	require.NoError(t, err)

	f.now = f.now.AddDate(0, 0, 8)

	detail, err := f.payments.GetSale(f.ctx, admin, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SaleStatusOverdue, detail.Sale.PaymentStatus)
	assert.True(t, d("60").Equal(detail.Balance))
	assert.False(t, detail.IsNearDue)
	require.NotNil(t, detail.DaysRemaining)
	assert.Equal(t, -1, *detail.DaysRemaining)

	stored, err := f.mem.GetSaleByID(f.ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SaleStatusOverdue, stored.PaymentStatus)

	res, err := f.payments.AddPayment(f.ctx, admin, sale.ID, &AddPaymentRequest{Method: "cash", Amount: d("60")})
	require.NoError(t, err)
	assert.Equal(t, models.SaleStatusFullyPaid, res.PaymentStatus)
}

func TestGetSaleDetail(t *testing.T) {
	f := newFixture(t)
	sale := f.confirmedDebt(t, "250", 2)

	detail, err := f.payments.GetSale(f.ctx, admin, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SaleStatusNoPayment, detail.Sale.PaymentStatus)
	assert.Len(t, detail.Items, 1)
	assert.Empty(t, detail.Payments)
	assert.True(t, detail.TotalPaid.IsZero())
	assert.True(t, d("250").Equal(detail.Balance))
	assert.False(t, detail.IsFullyPaid)
	assert.True(t, detail.IsNearDue)
	require.NotNil(t, detail.DaysRemaining)
	assert.Equal(t, 2, *detail.DaysRemaining)

	_, err = f.payments.GetSale(f.ctx, customer, sale.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.payments.GetSale(f.ctx, admin, 12345)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSalesRefreshesStatuses(t *testing.T) {
	f := newFixture(t)
	f.confirmedDebt(t, "100", 1)
	f.confirmedDebt(t, "100", 30)

	f.now = f.now.Add(36 * time.Hour)

	sales, err := f.payments.ListSales(f.ctx, admin)
	require.NoError(t, err)
	require.Len(t, sales, 2)

	statuses := map[string]int{}
	for _, s := range sales {
		statuses[s.PaymentStatus]++
	}
	assert.Equal(t, 1, statuses[models.SaleStatusOverdue])
	assert.Equal(t, 1, statuses[models.SaleStatusNoPayment])

	_, err = f.payments.ListSales(f.ctx, customer)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestSweepDebts(t *testing.T) {
	f := newFixture(t)
	soon := f.confirmedDebt(t, "100", 1)
	later := f.confirmedDebt(t, "100", 10)
	near := f.confirmedDebt(t, "100", 3)
	paid := f.confirmedDebt(t, "100", 1)
	_, err := f.payments.AddPayment(f.ctx, admin, paid.ID, &AddPaymentRequest{Method: "cash", Amount: d("100")})
	require.NoError(t, err)

	f.now = f.now.Add(36 * time.Hour)

	res, err := f.payments.SweepDebts(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Checked)
	assert.Equal(t, 1, res.NewOverdue)
	assert.Equal(t, 1, res.Warned)

	require.Len(t, f.pub.warnings, 1)
	assert.Equal(t, near.ID, f.pub.warnings[0].SaleID)
	assert.True(t, d("100").Equal(f.pub.warnings[0].Balance))

	stored, err := f.mem.GetSaleByID(f.ctx, soon.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SaleStatusOverdue, stored.PaymentStatus)

	stored, err = f.mem.GetSaleByID(f.ctx, later.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SaleStatusNoPayment, stored.PaymentStatus)

	res, err = f.payments.SweepDebts(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.NewOverdue)
	assert.Equal(t, 0, res.Warned, "one warning per due window")
	assert.Len(t, f.pub.warnings, 1)

	f.now = f.now.Add(time.Hour)
	res, err = f.payments.SweepDebts(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Warned)

	stored, err = f.mem.GetSaleByID(f.ctx, near.ID)
	require.NoError(t, err)
	assert.True(t, stored.DebtWarnedAt.Valid)
}

// interleavingBackend runs hook once, right after the first read of a sale's
// payments outside a transaction, to model a payment committed by another
// request in between.
type interleavingBackend struct {
	*memstore.Memory
	once sync.Once
	hook func()
}

func (b *interleavingBackend) GetPaymentsBySaleID(ctx context.Context, saleID int64) ([]models.Payment, error) {
	payments, err := b.Memory.GetPaymentsBySaleID(ctx, saleID)
	b.once.Do(b.hook)
	return payments, err
}

func (b *interleavingBackend) GetSales(ctx context.Context) ([]models.Sale, error) {
	sales, err := b.Memory.GetSales(ctx)
	b.once.Do(b.hook)
	return sales, err
}

func TestLazyRefreshDoesNotOverwriteConcurrentPayment(t *testing.T) {
	for _, read := range []string{"GetSale", "ListSales"} {
		t.Run(read, func(t *testing.T) {
			f := newFixture(t)
			sale := f.confirmedDebt(t, "100", 2)
			_, err := f.payments.AddPayment(f.ctx, admin, sale.ID, &AddPaymentRequest{Method: "cash", Amount: d("40")})
			require.NoError(t, err)
			f.now = f.now.Add(72 * time.Hour)

			racing := &interleavingBackend{Memory: f.mem}
			racing.hook = func() {
				_, err := f.payments.AddPayment(f.ctx, admin, sale.ID, &AddPaymentRequest{Method: "cash", Amount: d("60")})
				require.NoError(t, err)
			}
			reader := NewPaymentService(racing, f.pub)
			reader.now = func() time.Time { return f.now }

			if read == "GetSale" {
				_, err = reader.GetSale(f.ctx, admin, sale.ID)
			} else {
				_, err = reader.ListSales(f.ctx, admin)
			}
			require.NoError(t, err)

			stored, err := f.mem.GetSaleByID(f.ctx, sale.ID)
			require.NoError(t, err)
			assert.Equal(t, models.SaleStatusFullyPaid, stored.PaymentStatus)

			unpaid, err := f.mem.GetUnpaidSales(f.ctx)
			require.NoError(t, err)
			assert.Empty(t, unpaid)
		})
	}
}
