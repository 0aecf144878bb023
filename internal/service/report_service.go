package service

import (
	"context"
	"fmt"
	"time"

	"pos-service/internal/billing"
	"pos-service/internal/models"
	"pos-service/internal/store"
	"pos-service/internal/util"

	"github.com/shopspring/decimal"
)

const (
	recentLimit   = 10
	dailyWindow   = 7
	maxReportDays = 3650
)

// ReportService builds the administrative reports
type ReportService struct {
	store store.Repository
	now   func() time.Time
}

// NewReportService creates a new report service
func NewReportService(repo store.Repository) *ReportService {
	return &ReportService{store: repo, now: time.Now}
}

// Totals aggregates money over a set of sales
type Totals struct {
	Count         int             `json:"count"`
	Revenue       decimal.Decimal `json:"revenue"`
	Cost          decimal.Decimal `json:"cost"`
	Profit        decimal.Decimal `json:"profit"`
	ProfitMargin  decimal.Decimal `json:"profit_margin"`
	AverageTicket decimal.Decimal `json:"average_ticket"`
}

// StatusBreakdown counts sales in one payment status
type StatusBreakdown struct {
	Status  string          `json:"status"`
	Count   int             `json:"count"`
	Revenue decimal.Decimal `json:"revenue"`
}

// DailyTotal is one day of sales
type DailyTotal struct {
	Date    string          `json:"date"`
	Count   int             `json:"count"`
	Revenue decimal.Decimal `json:"revenue"`
}

// AnalyticsReport summarizes sales over a window of days
type AnalyticsReport struct {
	Days     int               `json:"days"`
	Since    time.Time         `json:"since"`
	Totals   Totals            `json:"totals"`
	ByStatus []StatusBreakdown `json:"by_status"`
	Recent   []models.Sale     `json:"recent_sales"`
	Daily    []DailyTotal      `json:"daily"`
}

// PaymentSummary totals the payments taken in one day
type PaymentSummary struct {
	Date   string           `json:"date"`
	Cash   decimal.Decimal  `json:"cash"`
	Mpesa  decimal.Decimal  `json:"mpesa"`
	Other  decimal.Decimal  `json:"other"`
	Total  decimal.Decimal  `json:"total"`
	Count  int              `json:"count"`
	Recent []models.Payment `json:"recent_payments"`
}

// DebtEntry is an unsettled sale with its position against its due date
type DebtEntry struct {
	Sale          models.Sale     `json:"sale"`
	TotalPaid     decimal.Decimal `json:"total_paid"`
	Balance       decimal.Decimal `json:"balance"`
	DaysRemaining int             `json:"days_remaining"`
	IsNearDue     bool            `json:"is_near_due"`
	IsOverdue     bool            `json:"is_overdue"`
}

var hundred = decimal.NewFromInt(100)

// Analytics aggregates the sales made in the last days days
func (rs *ReportService) Analytics(ctx context.Context, caller Caller, days int) (*AnalyticsReport, error) {
	ctx, span := util.StartSpan(ctx, "ReportService.Analytics")
	defer span.End()

	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	if days < 1 || days > maxReportDays {
		return nil, validationError("days must be between 1 and %d", maxReportDays)
	}

	now := rs.now()
	since := now.AddDate(0, 0, -days)
	sales, err := rs.store.GetSalesSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to get sales: %w", err)
	}
	if _, err := rs.current(ctx, sales, now); err != nil {
		return nil, err
	}

	report := &AnalyticsReport{
		Days:   days,
		Since:  since,
		Totals: summarize(sales),
		Recent: sales,
	}
	if len(report.Recent) > recentLimit {
		report.Recent = report.Recent[:recentLimit]
	}

	counts := make(map[string]*StatusBreakdown, len(models.SaleStatuses))
	for _, status := range models.SaleStatuses {
		counts[status] = &StatusBreakdown{Status: status, Revenue: decimal.Zero}
	}
	for _, sale := range sales {
		b, ok := counts[sale.PaymentStatus]
		if !ok {
			continue
		}
		b.Count++
		b.Revenue = b.Revenue.Add(sale.TotalAmount)
	}
	for _, status := range models.SaleStatuses {
		report.ByStatus = append(report.ByStatus, *counts[status])
	}

	report.Daily, err = rs.daily(ctx, now)
	if err != nil {
		return nil, err
	}
	return report, nil
}

// daily returns count and revenue per day for the last week, oldest first
func (rs *ReportService) daily(ctx context.Context, now time.Time) ([]DailyTotal, error) {
	today := startOfDay(now)
	first := today.AddDate(0, 0, -(dailyWindow - 1))
	sales, err := rs.store.GetSalesSince(ctx, first)
	if err != nil {
		return nil, fmt.Errorf("failed to get sales: %w", err)
	}

	days := make([]DailyTotal, dailyWindow)
	index := make(map[string]int, dailyWindow)
	for i := 0; i < dailyWindow; i++ {
		date := first.AddDate(0, 0, i).Format("2006-01-02")
		days[i] = DailyTotal{Date: date, Revenue: decimal.Zero}
		index[date] = i
	}
	for _, sale := range sales {
		i, ok := index[sale.MadeOn.In(now.Location()).Format("2006-01-02")]
		if !ok {
			continue
		}
		days[i].Count++
		days[i].Revenue = days[i].Revenue.Add(sale.TotalAmount)
	}
	return days, nil
}

func summarize(sales []models.Sale) Totals {
	t := Totals{
		Count:         len(sales),
		Revenue:       decimal.Zero,
		Cost:          decimal.Zero,
		Profit:        decimal.Zero,
		ProfitMargin:  decimal.Zero,
		AverageTicket: decimal.Zero,
	}
	for _, sale := range sales {
		t.Revenue = t.Revenue.Add(sale.TotalAmount)
		t.Cost = t.Cost.Add(sale.CostAmount)
		t.Profit = t.Profit.Add(sale.ProfitAmount)
	}
	if t.Revenue.IsPositive() {
		t.ProfitMargin = t.Profit.Mul(hundred).DivRound(t.Revenue, 2)
	}
	if t.Count > 0 {
		t.AverageTicket = t.Revenue.DivRound(decimal.NewFromInt(int64(t.Count)), 2)
	}
	return t
}

// Overdue lists unsettled sales whose due date has passed, earliest first
func (rs *ReportService) Overdue(ctx context.Context, caller Caller) ([]DebtEntry, error) {
	ctx, span := util.StartSpan(ctx, "ReportService.Overdue")
	defer span.End()

	entries, err := rs.debts(ctx, caller)
	if err != nil {
		return nil, err
	}
	now := rs.now()
	overdue := make([]DebtEntry, 0, len(entries))
	for _, e := range entries {
		if e.Sale.DueDate.Time.Before(now) {
			overdue = append(overdue, e)
		}
	}
	return overdue, nil
}

// Debts lists every unsettled sale with a due date, earliest due first
func (rs *ReportService) Debts(ctx context.Context, caller Caller) ([]DebtEntry, error) {
	ctx, span := util.StartSpan(ctx, "ReportService.Debts")
	defer span.End()

	return rs.debts(ctx, caller)
}

func (rs *ReportService) debts(ctx context.Context, caller Caller) ([]DebtEntry, error) {
	if err := requireAdmin(caller); err != nil {
		return nil, err
	}

	sales, err := rs.store.GetOpenDebts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get debts: %w", err)
	}

	now := rs.now()
	paidBySale, err := rs.current(ctx, sales, now)
	if err != nil {
		return nil, err
	}
	entries := make([]DebtEntry, 0, len(sales))
	for i := range sales {
		sale := &sales[i]
		paid := paidBySale[sale.ID]
		days, _ := billing.DaysRemaining(sale, now)
		entries = append(entries, DebtEntry{
			Sale:          *sale,
			TotalPaid:     paid,
			Balance:       billing.Balance(sale, paid),
			DaysRemaining: days,
			IsNearDue:     billing.IsNearDue(sale, now),
			IsOverdue:     days < 0,
		})
	}
	return entries, nil
}

// Unpaid lists every sale that is not fully paid, oldest first
func (rs *ReportService) Unpaid(ctx context.Context, caller Caller) ([]models.Sale, error) {
	ctx, span := util.StartSpan(ctx, "ReportService.Unpaid")
	defer span.End()

	if err := requireAdmin(caller); err != nil {
		return nil, err
	}
	sales, err := rs.store.GetUnpaidSales(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get unpaid sales: %w", err)
	}
	if _, err := rs.current(ctx, sales, rs.now()); err != nil {
		return nil, err
	}
	return sales, nil
}

// current brings the payment status of unsettled sales up to date in memory
// and returns what has been paid against each of them. Nothing is written.
func (rs *ReportService) current(ctx context.Context, sales []models.Sale, now time.Time) (map[int64]decimal.Decimal, error) {
	paid := make(map[int64]decimal.Decimal, len(sales))
	for i := range sales {
		sale := &sales[i]
		if sale.PaymentStatus == models.SaleStatusFullyPaid {
			continue
		}
		total, err := rs.store.SumPaymentsBySaleID(ctx, sale.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to sum payments: %w", err)
		}
		billing.UpdatePaymentStatus(sale, total, now)
		paid[sale.ID] = total
	}
	return paid, nil
}

// TodayPayments totals the payments taken since midnight by method
func (rs *ReportService) TodayPayments(ctx context.Context, caller Caller) (*PaymentSummary, error) {
	ctx, span := util.StartSpan(ctx, "ReportService.TodayPayments")
	defer span.End()

	if err := requireAdmin(caller); err != nil {
		return nil, err
	}

	now := rs.now()
	from := startOfDay(now)
	payments, err := rs.store.GetPaymentsBetween(ctx, from, from.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("failed to get payments: %w", err)
	}

	summary := &PaymentSummary{
		Date:  from.Format("2006-01-02"),
		Cash:  decimal.Zero,
		Mpesa: decimal.Zero,
		Other: decimal.Zero,
		Total: decimal.Zero,
		Count: len(payments),
	}
	for _, p := range payments {
		switch p.Method {
		case models.PaymentMethodCash:
			summary.Cash = summary.Cash.Add(p.Amount)
		case models.PaymentMethodMpesa:
			summary.Mpesa = summary.Mpesa.Add(p.Amount)
		default:
			summary.Other = summary.Other.Add(p.Amount)
		}
		summary.Total = summary.Total.Add(p.Amount)
	}
	summary.Recent = payments
	if len(summary.Recent) > recentLimit {
		summary.Recent = summary.Recent[:recentLimit]
	}
	return summary, nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
