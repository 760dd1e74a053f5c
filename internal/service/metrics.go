package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reconciliation anomalies are never surfaced to the provider (it has no
// usable retry semantics for our errors), so these counters are the only
// place they become visible.
var (
	notificationsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciliation_notifications_ingested_total",
		Help: "Inbound notifications by source channel and ingest outcome",
	}, []string{"source", "outcome"})

	matchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciliation_match_total",
		Help: "Account-stream match attempts by outcome",
	}, []string{"outcome"})

	ledgerWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciliation_ledger_writes_total",
		Help: "Ledger reconcile calls by outcome",
	}, []string{"outcome"})

	activationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconciliation_activation_failures_total",
		Help: "Activation trigger calls that failed after a committed payment",
	})

	requestsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reconciliation_requests_expired_total",
		Help: "PENDING requests moved to EXPIRED by the sweep",
	})

	missingNotifications = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reconciliation_missing_notifications",
		Help: "Completed requests past the SLA with no account-stream notification",
	})
)

// Match outcome label values. window_expired is split out because a request
// that exists but fell outside the time window is a higher-severity signal
// than a plain criteria mismatch.
const (
	matchOutcomeMatched        = "matched"
	matchOutcomeNoRequest      = "no_request"
	matchOutcomeCriteriaFailed = "criteria_failed"
	matchOutcomeWindowExpired  = "window_expired"
	matchOutcomeMultiple       = "multiple_matches"
)
