package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersConfirmedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_confirmed_total",
		Help: "Total number of orders settled into sales, by order payment status",
	}, []string{"payment_status"})

	OrdersFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_failed_total",
		Help: "Total number of rejected order operations",
	}, []string{"reason"})

	OrdersCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancelled orders",
	})

	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settlement_latency_seconds",
		Help:    "Latency of order confirmation transactions",
		Buckets: prometheus.DefBuckets,
	})

	SalesRevenueTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sales_revenue_total",
		Help: "Revenue of confirmed sales",
	})

	LowStockTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_low_stock_total",
		Help: "Times a settlement left a product at or below its minimum stock",
	})

	StockCacheErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_cache_errors_total",
		Help: "Failures updating the redis stock mirror",
	}, []string{"op"})

	PaymentsRecordedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_recorded_total",
		Help: "Total number of payments appended to sales",
	}, []string{"method"})

	MpesaCallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mpesa_callbacks_total",
		Help: "Gateway callbacks received, by outcome",
	}, []string{"outcome"})

	DebtSweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "debt_sweeps_total",
		Help: "Completed debt monitor sweeps",
	})

	OverdueTransitionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sales_overdue_transitions_total",
		Help: "Sales moved to overdue by a recompute",
	})

	DebtWarningsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "debt_warnings_total",
		Help: "Near-due debt warnings published",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
