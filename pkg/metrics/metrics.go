package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_webhook_events_total",
		Help: "Webhook events by processing outcome.",
	}, []string{"outcome"})

	ReceiptsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconciler_receipts_issued_total",
		Help: "Receipts created.",
	})

	EmailAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_email_attempts_total",
		Help: "Receipt email delivery attempts by kind and result.",
	}, []string{"kind", "result"})

	SweepItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_sweep_items_total",
		Help: "Reconciliation sweep items by mode and result.",
	}, []string{"mode", "result"})

	ReferrerCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_referrer_cache_total",
		Help: "Ambassador directory cache lookups by result.",
	}, []string{"result"})
)
