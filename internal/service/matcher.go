package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/judeokello/microbima-sub000/internal/domain"
)

// matchCandidateLimit bounds how many recent requests per account reference
// the matcher inspects. Anything beyond this is ancient history relative to
// the match window.
const matchCandidateLimit = 50

// MatchStore is the slice of the store the matcher needs.
type MatchStore interface {
	FindRequestsByAccountRef(ctx context.Context, accountRef string, limit int) ([]*domain.PaymentRequest, error)
	LinkTransaction(ctx context.Context, id, transactionRef string, completedAt time.Time) error
	LinkNotificationToRequest(ctx context.Context, transactionRef, requestID string) error
}

// Matcher correlates an account-stream notification to a payment request.
// All criteria must hold: same account reference, same phone, exactly the
// same amount, status PENDING or COMPLETED, and initiation within the
// trailing window.
type Matcher struct {
	store  MatchStore
	window time.Duration
	log    *slog.Logger
	now    func() time.Time
}

func NewMatcher(s MatchStore, window time.Duration, log *slog.Logger) *Matcher {
	return &Matcher{store: s, window: window, log: log, now: time.Now}
}

// Match finds the request behind a notification and links the two records.
// A PENDING request is completed by the link: the account stream is
// authoritative proof of payment even if the per-request callback never
// arrives. Returns nil with no error when nothing matches; the reason is
// recorded on the match metric.
func (m *Matcher) Match(ctx context.Context, n *domain.TransactionNotification) (*domain.PaymentRequest, error) {
	candidates, err := m.store.FindRequestsByAccountRef(ctx, n.AccountReference, matchCandidateLimit)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		matchOutcomes.WithLabelValues(matchOutcomeNoRequest).Inc()
		return nil, nil
	}

	cutoff := m.now().Add(-m.window)
	var matches []*domain.PaymentRequest
	windowOnlyMiss := false
	for _, r := range candidates {
		if r.Status != domain.RequestPending && r.Status != domain.RequestCompleted {
			continue
		}
		if r.MSISDN != n.MSISDN || !r.Amount.Equal(n.Amount) {
			continue
		}
		// The window is exclusive at the boundary: initiated exactly
		// window-ago is already outside.
		if !r.InitiatedAt.After(cutoff) {
			// Everything but the window held. This is the signal that the
			// provider is delivering later than the window assumes.
			windowOnlyMiss = true
			continue
		}
		matches = append(matches, r)
	}

	if len(matches) == 0 {
		if windowOnlyMiss {
			m.log.Warn("request matched all criteria except the time window",
				"transaction_reference", n.TransactionReference,
				"account_reference", n.AccountReference)
			matchOutcomes.WithLabelValues(matchOutcomeWindowExpired).Inc()
		} else {
			matchOutcomes.WithLabelValues(matchOutcomeCriteriaFailed).Inc()
		}
		return nil, nil
	}

	// Candidates come back newest first, so the tie-break is simply the
	// head of the list.
	winner := matches[0]
	if len(matches) > 1 {
		m.log.Warn("multiple requests matched one notification; picking most recent",
			"transaction_reference", n.TransactionReference,
			"account_reference", n.AccountReference,
			"matched", len(matches), "winner", winner.ID)
		matchOutcomes.WithLabelValues(matchOutcomeMultiple).Inc()
	} else {
		matchOutcomes.WithLabelValues(matchOutcomeMatched).Inc()
	}

	if err := m.store.LinkTransaction(ctx, winner.ID, n.TransactionReference, n.CompletedAt); err != nil {
		return nil, err
	}
	if err := m.store.LinkNotificationToRequest(ctx, n.TransactionReference, winner.ID); err != nil {
		return nil, err
	}
	n.PaymentRequestID = winner.ID
	winner.TransactionReference = n.TransactionReference
	if winner.Status == domain.RequestPending {
		winner.Status = domain.RequestCompleted
	}
	return winner, nil
}
