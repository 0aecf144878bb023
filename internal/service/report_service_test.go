package service

import (
	"testing"
	"time"

	"pos-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalytics(t *testing.T) {
	f := newFixture(t)
	p := f.product("Cola", "100", "60", "100")

	twoDaysAgo := f.now.AddDate(0, 0, -2)
	today := f.now
	for _, at := range []time.Time{twoDaysAgo, today, today} {
		f.now = at
		o := f.order(t, customer, OrderItemRequest{ProductID: p.ID, Quantity: 2})
		_, err := f.orders.Confirm(f.ctx, customer, o.Order.ID, &ConfirmRequest{PaymentMethod: "cash"})
		require.NoError(t, err)
	}
	f.confirmedDebt(t, "50", 7)

	report, err := f.reports.Analytics(f.ctx, admin, 30)
	require.NoError(t, err)

	assert.Equal(t, 4, report.Totals.Count)
	assert.True(t, d("650").Equal(report.Totals.Revenue))
	assert.True(t, d("361").Equal(report.Totals.Cost))
	assert.True(t, d("289").Equal(report.Totals.Profit))
	assert.True(t, d("44.46").Equal(report.Totals.ProfitMargin))
	assert.True(t, d("162.5").Equal(report.Totals.AverageTicket))
	assert.Len(t, report.Recent, 4)

	require.Len(t, report.ByStatus, len(models.SaleStatuses))
	byStatus := map[string]StatusBreakdown{}
	for _, b := range report.ByStatus {
		byStatus[b.Status] = b
	}
	assert.Equal(t, 3, byStatus[models.SaleStatusFullyPaid].Count)
	assert.Equal(t, 1, byStatus[models.SaleStatusNoPayment].Count)
	assert.Equal(t, 0, byStatus[models.SaleStatusOverdue].Count)

	require.Len(t, report.Daily, 7)
	assert.Equal(t, "2024-03-04", report.Daily[0].Date)
	assert.Equal(t, "2024-03-10", report.Daily[6].Date)
	assert.Equal(t, 3, report.Daily[6].Count)
	assert.True(t, d("450").Equal(report.Daily[6].Revenue))
	assert.Equal(t, 1, report.Daily[4].Count)
	assert.Equal(t, 0, report.Daily[5].Count)

	_, err = f.reports.Analytics(f.ctx, admin, 0)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.reports.Analytics(f.ctx, customer, 30)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestReportsShowLapsedDebtAsOverdue(t *testing.T) {
	f := newFixture(t)
	sale := f.confirmedDebt(t, "100", 1)
	_, err := f.payments.AddPayment(f.ctx, admin, sale.ID, &AddPaymentRequest{Method: "cash", Amount: d("30")})
	require.NoError(t, err)
	f.now = f.now.Add(48 * time.Hour)

	report, err := f.reports.Analytics(f.ctx, admin, 30)
	require.NoError(t, err)
	byStatus := map[string]StatusBreakdown{}
	for _, b := range report.ByStatus {
		byStatus[b.Status] = b
	}
	assert.Equal(t, 1, byStatus[models.SaleStatusOverdue].Count)
	assert.Equal(t, 0, byStatus[models.SaleStatusPartial].Count)
	require.Len(t, report.Recent, 1)
	assert.Equal(t, models.SaleStatusOverdue, report.Recent[0].PaymentStatus)

	unpaid, err := f.reports.Unpaid(f.ctx, admin)
	require.NoError(t, err)
	require.Len(t, unpaid, 1)
	assert.Equal(t, models.SaleStatusOverdue, unpaid[0].PaymentStatus)

	stored, err := f.mem.GetSaleByID(f.ctx, sale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SaleStatusPartial, stored.PaymentStatus, "reports do not write")
}

func TestAnalyticsEmpty(t *testing.T) {
	f := newFixture(t)

	report, err := f.reports.Analytics(f.ctx, admin, 7)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Totals.Count)
	assert.True(t, report.Totals.ProfitMargin.IsZero())
	assert.True(t, report.Totals.AverageTicket.IsZero())
	assert.Empty(t, report.Recent)
	assert.Len(t, report.Daily, 7)
}

func TestTodayPayments(t *testing.T) {
	f := newFixture(t)
	p := f.product("Cola", "100", "60", "100")

	yesterday := f.now.AddDate(0, 0, -1)
	today := f.now

	f.now = yesterday
	old := f.order(t, customer, OrderItemRequest{ProductID: p.ID, Quantity: 1})
	_, err := f.orders.Confirm(f.ctx, customer, old.Order.ID, &ConfirmRequest{PaymentMethod: "cash"})
	require.NoError(t, err)

	f.now = today
	for _, method := range []string{"cash", "mpesa", "mpesa"} {
		o := f.order(t, customer, OrderItemRequest{ProductID: p.ID, Quantity: 1})
		_, err := f.orders.Confirm(f.ctx, customer, o.Order.ID, &ConfirmRequest{PaymentMethod: method})
		require.NoError(t, err)
	}
	debt := f.confirmedDebt(t, "80", 7)
	_, err = f.payments.AddPayment(f.ctx, admin, debt.ID, &AddPaymentRequest{Method: "bank", Amount: d("30")})
	require.NoError(t, err)

	summary, err := f.reports.TodayPayments(f.ctx, admin)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-10", summary.Date)
	assert.Equal(t, 4, summary.Count)
	assert.True(t, d("100").Equal(summary.Cash))
	assert.True(t, d("200").Equal(summary.Mpesa))
	assert.True(t, d("30").Equal(summary.Other))
	assert.True(t, d("330").Equal(summary.Total))
	assert.Len(t, summary.Recent, 4)
}

func TestDebtReports(t *testing.T) {
	f := newFixture(t)
	overdue := f.confirmedDebt(t, "100", 1)
	near := f.confirmedDebt(t, "200", 3)
	far := f.confirmedDebt(t, "300", 20)
	_, err := f.payments.AddPayment(f.ctx, admin, near.ID, &AddPaymentRequest{Method: "cash", Amount: d("50")})
	require.NoError(t, err)

	f.now = f.now.Add(36 * time.Hour)

	debts, err := f.reports.Debts(f.ctx, admin)
	require.NoError(t, err)
	require.Len(t, debts, 3)

	assert.Equal(t, overdue.ID, debts[0].Sale.ID)
	assert.Equal(t, -1, debts[0].DaysRemaining)
	assert.True(t, debts[0].IsOverdue)
	assert.False(t, debts[0].IsNearDue)
	assert.Equal(t, models.SaleStatusOverdue, debts[0].Sale.PaymentStatus)

	assert.Equal(t, near.ID, debts[1].Sale.ID)
	assert.Equal(t, 1, debts[1].DaysRemaining)
	assert.True(t, debts[1].IsNearDue)
	assert.False(t, debts[1].IsOverdue)
	assert.True(t, d("50").Equal(debts[1].TotalPaid))
	assert.True(t, d("150").Equal(debts[1].Balance))

	assert.Equal(t, far.ID, debts[2].Sale.ID)
	assert.False(t, debts[2].IsNearDue)

	late, err := f.reports.Overdue(f.ctx, admin)
	require.NoError(t, err)
	require.Len(t, late, 1)
	assert.Equal(t, overdue.ID, late[0].Sale.ID)

	unpaid, err := f.reports.Unpaid(f.ctx, admin)
	require.NoError(t, err)
	assert.Len(t, unpaid, 3)

	_, err = f.reports.Debts(f.ctx, customer)
	assert.ErrorIs(t, err, ErrForbidden)
}
