package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created, by payment method",
	}, []string{"payment_method"})

	OrdersConfirmedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_confirmed_total",
		Help: "Total number of orders confirmed as paid",
	})

	OrdersCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancelled orders",
	})

	CheckoutFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_failed_total",
		Help: "Total number of failed checkouts",
	}, []string{"reason"})

	OversellConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oversell_conflicts_total",
		Help: "Total number of stock decrements rejected for insufficient stock",
	})

	ReconciliationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_reconciliations_total",
		Help: "Total number of payment reconciliation attempts, by outcome",
	}, []string{"outcome"})

	ManualReviewTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_manual_review_total",
		Help: "Total number of paid orders flagged for manual reconciliation",
	})

	PaymentVerifyLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_verify_latency_seconds",
		Help:    "Latency of payment provider verification calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	CouponRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coupon_rejections_total",
		Help: "Total number of coupon rejections, by reason",
	}, []string{"reason"})

	SLANotificationsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sla_notifications_created_total",
		Help: "Total number of fulfillment notifications created, by stage",
	}, []string{"stage"})

	SLAEscalationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sla_escalations_total",
		Help: "Total number of SLA priority escalations, by indicator",
	}, []string{"indicator"})

	SLASweepLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sla_sweep_latency_seconds",
		Help:    "Latency of full SLA sweep passes",
		Buckets: prometheus.DefBuckets,
	})

	DispatchFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_dispatch_failed_total",
		Help: "Total number of failed notification deliveries, by channel",
	}, []string{"channel"})

	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "notification_dispatch_latency_seconds",
		Help:    "Latency of notification delivery attempts",
		Buckets: prometheus.DefBuckets,
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
