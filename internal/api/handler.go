package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"marketplace-core/internal/models"
	"marketplace-core/internal/pricing"
	"marketplace-core/internal/provider"
	"marketplace-core/internal/service"
	"marketplace-core/internal/sla"
	"marketplace-core/internal/store"
	"marketplace-core/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	checkout   *service.CheckoutService
	reconciler *service.Reconciler
	lifecycle  *service.LifecycleService
	slaEngine  *sla.Engine
	store      *store.Store
}

// NewHandler creates a new HTTP handler
func NewHandler(
	checkout *service.CheckoutService,
	reconciler *service.Reconciler,
	lifecycle *service.LifecycleService,
	slaEngine *sla.Engine,
	st *store.Store,
) *Handler {
	return &Handler{
		checkout:   checkout,
		reconciler: reconciler,
		lifecycle:  lifecycle,
		slaEngine:  slaEngine,
		store:      st,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/checkout", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.GET("/orders", h.listOrders)
		v1.POST("/orders/:id/cancel", h.cancelOrder)
		v1.POST("/orders/:id/advance", h.advanceOrder)

		v1.POST("/payments/:provider/confirm", h.confirmPayment)
		v1.POST("/webhooks/:provider", h.paymentWebhook)

		v1.GET("/sellers/:id/notifications", h.sellerNotifications)
		v1.POST("/notifications/:id/ack", h.ackNotification)

		v1.GET("/reconciliations/review", h.listManualReview)
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
	if err := h.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createOrder handles checkout
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CheckoutRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	resp, err := h.checkout.CreateOrder(c.Request.Context(), &req)
	if err != nil {
		h.checkoutError(c, err)
		return
	}

	if resp.Duplicate {
		c.JSON(http.StatusOK, resp)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) checkoutError(c *gin.Context, err error) {
	if ce, ok := pricing.AsCouponError(err); ok {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":  "Coupon rejected",
			"reason": ce.Reason,
		})
		return
	}
	switch {
	case errors.Is(err, store.ErrInsufficientStock):
		c.JSON(http.StatusConflict, gin.H{
			"error":  "Insufficient stock",
			"reason": "insufficient_stock",
		})
	case errors.Is(err, store.ErrProductNotFound):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "Unknown product in cart",
			"details": err.Error(),
		})
	case errors.Is(err, pricing.ErrInvalidShippingMethod),
		errors.Is(err, pricing.ErrInsufficientCartData):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "Invalid cart",
			"details": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to create order",
			"details": err.Error(),
		})
	}
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	detail, err := h.lifecycle.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to load order",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, detail)
}

// listOrders handles listing a customer's orders
func (h *Handler) listOrders(c *gin.Context) {
	customerRef := c.Query("customer")
	if customerRef == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "customer query parameter required"})
		return
	}

	orders, err := h.lifecycle.ListOrders(c.Request.Context(), customerRef)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to list orders",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// cancelOrder handles customer-initiated cancellation
func (h *Handler) cancelOrder(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req cancelRequest
	_ = c.ShouldBindJSON(&req)

	order, err := h.lifecycle.Cancel(c.Request.Context(), orderID, req.Reason)
	if err != nil {
		h.lifecycleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": order})
}

type advanceRequest struct {
	Status models.OrderStatus `json:"status" binding:"required"`
}

// advanceOrder handles seller-driven fulfillment progress
func (h *Handler) advanceOrder(c *gin.Context) {
	orderID, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req advanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, err := h.lifecycle.Advance(c.Request.Context(), orderID, req.Status)
	if err != nil {
		h.lifecycleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": order})
}

func (h *Handler) lifecycleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
	case errors.Is(err, service.ErrInvalidTransition), errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "Invalid status transition",
			"details": err.Error(),
		})
	case errors.Is(err, service.ErrPaymentPending):
		c.JSON(http.StatusConflict, gin.H{
			"error":  "Payment not settled",
			"reason": "payment_pending",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to update order",
			"details": err.Error(),
		})
	}
}

type confirmPaymentRequest struct {
	ProviderRef string `json:"provider_ref" binding:"required"`
}

// confirmPayment handles a client-initiated payment confirmation. The
// provider is re-verified server side before anything is applied.
func (h *Handler) confirmPayment(c *gin.Context) {
	var req confirmPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	result, err := h.reconciler.ConfirmPayment(c.Request.Context(), c.Param("provider"), req.ProviderRef)
	if err != nil {
		h.reconcileError(c, result, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// paymentWebhook handles asynchronous provider notifications. Resolved
// outcomes are acknowledged with 200 so the provider stops retrying;
// only transport-level failures ask for a retry.
func (h *Handler) paymentWebhook(c *gin.Context) {
	var req confirmPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	result, err := h.reconciler.ConfirmPayment(c.Request.Context(), c.Param("provider"), req.ProviderRef)
	switch {
	case err == nil,
		errors.Is(err, service.ErrPaymentFailed),
		errors.Is(err, service.ErrManualReview):
		c.JSON(http.StatusOK, result)
	case errors.Is(err, service.ErrPaymentPending):
		c.JSON(http.StatusAccepted, gin.H{"status": "pending"})
	case errors.Is(err, store.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown payment reference"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to process webhook",
			"details": err.Error(),
		})
	}
}

func (h *Handler) reconcileError(c *gin.Context, result *service.ReconcileResult, err error) {
	switch {
	case errors.Is(err, provider.ErrUnknownProvider):
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown payment provider"})
	case errors.Is(err, store.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown payment reference"})
	case errors.Is(err, service.ErrPaymentPending):
		c.JSON(http.StatusAccepted, gin.H{"status": "pending"})
	case errors.Is(err, service.ErrPaymentFailed):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":  "Payment failed",
			"result": result,
		})
	case errors.Is(err, service.ErrManualReview):
		c.JSON(http.StatusConflict, gin.H{
			"error":  "Payment held for manual review",
			"result": result,
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to confirm payment",
			"details": err.Error(),
		})
	}
}

// sellerNotifications handles the seller SLA dashboard
func (h *Handler) sellerNotifications(c *gin.Context) {
	entries, err := h.slaEngine.SellerDashboard(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to load notifications",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"notifications": entries})
}

// ackNotification handles a seller acknowledging a fulfillment task
func (h *Handler) ackNotification(c *gin.Context) {
	notificationID, ok := pathID(c, "id")
	if !ok {
		return
	}

	if err := h.slaEngine.Acknowledge(c.Request.Context(), notificationID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to acknowledge notification",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "acknowledged"})
}

// listManualReview handles the operator queue of held reconciliations
func (h *Handler) listManualReview(c *gin.Context) {
	rows, err := h.store.ListManualReviewReconciliations(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to list reconciliations",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"reconciliations": rows})
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name})
		return 0, false
	}
	return id, true
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
