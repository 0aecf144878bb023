package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"pos-service/internal/service"
	"pos-service/internal/util"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const maxCallbackBody = 1 << 20

// ReadinessCheck reports whether a dependency can serve traffic
type ReadinessCheck func(ctx context.Context) error

// Options configures the router
type Options struct {
	JWTSecret      []byte
	AllowedOrigins []string
	Readiness      map[string]ReadinessCheck
}

// Handler contains HTTP handlers
type Handler struct {
	orderService    *service.OrderService
	paymentService  *service.PaymentService
	reportService   *service.ReportService
	callbackService *service.CallbackService
	opts            Options
	logger          *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	orderService *service.OrderService,
	paymentService *service.PaymentService,
	reportService *service.ReportService,
	callbackService *service.CallbackService,
	opts Options,
) *Handler {
	return &Handler{
		orderService:    orderService,
		paymentService:  paymentService,
		reportService:   reportService,
		callbackService: callbackService,
		opts:            opts,
		logger:          util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(h.opts.AllowedOrigins))
	router.Use(prometheusMiddleware())
	router.Use(requestLogger(h.logger))

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.POST("/mpesa/callback", h.mpesaCallback)

	authed := v1.Group("")
	authed.Use(AuthMiddleware(h.opts.JWTSecret))
	{
		authed.POST("/orders", h.createOrder)
		authed.GET("/orders", h.listOrders)
		authed.GET("/orders/:id", h.getOrder)
		authed.POST("/orders/:id/confirm", h.confirmOrder)
		authed.POST("/orders/:id/cancel", h.cancelOrder)
	}

	admin := authed.Group("")
	admin.Use(RequireRole(service.RoleAdmin))
	{
		admin.GET("/sales", h.listSales)
		admin.GET("/sales/:id", h.getSale)
		admin.POST("/sales/:id/payments", h.addPayment)

		admin.GET("/reports/analytics", h.analytics)
		admin.GET("/reports/overdue", h.overdue)
		admin.GET("/reports/payments/today", h.todayPayments)
		admin.GET("/reports/unpaid", h.unpaid)
		admin.GET("/reports/debts", h.debts)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	ready := true
	for name, check := range h.opts.Readiness {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

func idParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name + " ID"})
		return 0, false
	}
	return id, true
}

func mustCaller(c *gin.Context) (service.Caller, bool) {
	caller, ok := callerFrom(c)
	if !ok {
		writeError(c, service.ErrUnauthorized)
	}
	return caller, ok
}

func bindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Invalid request body",
		"details": err.Error(),
	})
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	caller, ok := mustCaller(c)
	if !ok {
		return
	}

	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	resp, err := h.orderService.CreateOrder(c.Request.Context(), caller, &req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) listOrders(c *gin.Context) {
	caller, ok := mustCaller(c)
	if !ok {
		return
	}

	orders, err := h.orderService.ListOrders(c.Request.Context(), caller)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	caller, ok := mustCaller(c)
	if !ok {
		return
	}
	orderID, ok := idParam(c, "order")
	if !ok {
		return
	}

	order, err := h.orderService.GetOrder(c.Request.Context(), caller, orderID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// confirmOrder settles a pending order into a sale. The body is optional.
func (h *Handler) confirmOrder(c *gin.Context) {
	caller, ok := mustCaller(c)
	if !ok {
		return
	}
	orderID, ok := idParam(c, "order")
	if !ok {
		return
	}

	var req service.ConfirmRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
			bindError(c, err)
			return
		}
	}

	result, err := h.orderService.Confirm(c.Request.Context(), caller, orderID, &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancelOrder(c *gin.Context) {
	caller, ok := mustCaller(c)
	if !ok {
		return
	}
	orderID, ok := idParam(c, "order")
	if !ok {
		return
	}

	var req cancelRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
			bindError(c, err)
			return
		}
	}

	order, err := h.orderService.CancelOrder(c.Request.Context(), caller, orderID, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) listSales(c *gin.Context) {
	caller, ok := mustCaller(c)
	if !ok {
		return
	}

	sales, err := h.paymentService.ListSales(c.Request.Context(), caller)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sales": sales})
}

func (h *Handler) getSale(c *gin.Context) {
	caller, ok := mustCaller(c)
	if !ok {
		return
	}
	saleID, ok := idParam(c, "sale")
	if !ok {
		return
	}

	sale, err := h.paymentService.GetSale(c.Request.Context(), caller, saleID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sale)
}

func (h *Handler) addPayment(c *gin.Context) {
	caller, ok := mustCaller(c)
	if !ok {
		return
	}
	saleID, ok := idParam(c, "sale")
	if !ok {
		return
	}

	var req service.AddPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	result, err := h.paymentService.AddPayment(c.Request.Context(), caller, saleID, &req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

// mpesaCallback always acknowledges so the gateway does not retry; failures
// are logged and the callback can be replayed through the kafka relay.
func (h *Handler) mpesaCallback(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		h.logger.Error("Failed to read mpesa callback", zap.Error(err))
		c.JSON(http.StatusOK, service.AcceptedAck)
		return
	}

	result, err := h.callbackService.HandleCallback(c.Request.Context(), payload)
	if err != nil {
		h.logger.Error("Mpesa callback not recorded", zap.Error(err))
	} else {
		h.logger.Debug("Mpesa callback handled",
			zap.String("checkout_request_id", result.CheckoutRequestID),
			zap.String("outcome", result.Outcome))
	}
	c.JSON(http.StatusOK, service.AcceptedAck)
}

func (h *Handler) analytics(c *gin.Context) {
	caller, ok := mustCaller(c)
	if !ok {
		return
	}

	days := 30
	if raw := c.Query("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days must be an integer"})
			return
		}
		days = parsed
	}

	report, err := h.reportService.Analytics(c.Request.Context(), caller, days)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) overdue(c *gin.Context) {
	caller, ok := mustCaller(c)
	if !ok {
		return
	}

	entries, err := h.reportService.Overdue(c.Request.Context(), caller)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sales": entries})
}

func (h *Handler) todayPayments(c *gin.Context) {
	caller, ok := mustCaller(c)
	if !ok {
		return
	}

	summary, err := h.reportService.TodayPayments(c.Request.Context(), caller)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) unpaid(c *gin.Context) {
	caller, ok := mustCaller(c)
	if !ok {
		return
	}

	sales, err := h.reportService.Unpaid(c.Request.Context(), caller)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sales": sales})
}

func (h *Handler) debts(c *gin.Context) {
	caller, ok := mustCaller(c)
	if !ok {
		return
	}

	entries, err := h.reportService.Debts(c.Request.Context(), caller)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"debts": entries})
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "Idempotency-Key"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}

	allowAll := len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
	}
	if allowAll {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}
