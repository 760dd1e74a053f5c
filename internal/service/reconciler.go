package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/judeokello/microbima-sub000/internal/domain"
	"github.com/judeokello/microbima-sub000/internal/store"
)

// Activator triggers first-payment activation for a customer. Implemented
// by an out-of-scope collaborator; errors are logged, never propagated to
// the payment path.
type Activator interface {
	Activate(ctx context.Context, customerID int64) error
}

// LedgerStore is the slice of the store the ledger writer needs.
type LedgerStore interface {
	ReconcilePayment(ctx context.Context, p domain.ReconcileParams) (*domain.ReconcileResult, error)
	MarkPolicyActive(ctx context.Context, policyID int64) (bool, error)
	LinkTransaction(ctx context.Context, id, transactionRef string, completedAt time.Time) error
	LinkNotificationToRequest(ctx context.Context, transactionRef, requestID string) error
}

// CallbackEvent is the normalized per-request callback. The transaction
// fields are only present when ResultCode is zero.
type CallbackEvent struct {
	CorrelationToken     string
	ResultCode           int
	ResultDescription    string
	TransactionReference string
	Amount               decimal.Decimal
	MSISDN               string
	CompletedAtRaw       string
	Raw                  []byte
}

// StreamEvent is the normalized account-wide confirmation: every
// transaction against the merchant account, whether or not a request
// caused it.
type StreamEvent struct {
	TransactionReference string
	TransactionType      string
	Amount               decimal.Decimal
	AccountReference     string
	MSISDN               string
	OrgAccountBalance    *decimal.Decimal
	CompletedAtRaw       string
	Raw                  []byte
}

// Reconciler funnels both inbound channels into the single idempotent
// ledger write. This chokepoint is what makes arrival order irrelevant.
type Reconciler struct {
	requests  *RequestService
	ingestor  *Ingestor
	matcher   *Matcher
	ledger    LedgerStore
	activator Activator
	log       *slog.Logger
}

func NewReconciler(requests *RequestService, ingestor *Ingestor, matcher *Matcher, ledger LedgerStore, activator Activator, log *slog.Logger) *Reconciler {
	return &Reconciler{
		requests:  requests,
		ingestor:  ingestor,
		matcher:   matcher,
		ledger:    ledger,
		activator: activator,
		log:       log,
	}
}

// ProcessCallback handles the provider's per-request callback. Any error is
// for the caller's log only; the HTTP layer acknowledges regardless.
func (r *Reconciler) ProcessCallback(ctx context.Context, ev CallbackEvent) error {
	req, err := r.requests.FindByToken(ctx, ev.CorrelationToken)
	if err != nil {
		if errors.Is(err, store.ErrRequestNotFound) {
			r.log.Warn("callback for unknown correlation token",
				"token", ev.CorrelationToken, "result_code", ev.ResultCode)
			return nil
		}
		return err
	}

	status := domain.ClassifyResult(ev.ResultCode, ev.ResultDescription)
	if err := r.requests.MarkTerminal(ctx, req.ID, status, ev.ResultCode, ev.ResultDescription); err != nil {
		return err
	}
	if status != domain.RequestCompleted {
		r.log.Info("payment prompt ended without payment",
			"request_id", req.ID, "status", status, "result_code", ev.ResultCode)
		return nil
	}

	// A success callback without a receipt cannot key a notification or a
	// ledger row; an empty reference would also collide with the next
	// malformed callback on the unique constraint. Stop here and let the
	// account stream reconcile the money.
	if ev.TransactionReference == "" {
		r.log.Error("success callback carries no receipt number; skipping reconciliation",
			"request_id", req.ID, "token", ev.CorrelationToken)
		return nil
	}

	msisdn := ev.MSISDN
	if msisdn == "" {
		msisdn = req.MSISDN
	}
	n := &domain.TransactionNotification{
		TransactionReference: ev.TransactionReference,
		Source:               domain.SourceCallback,
		Amount:               ev.Amount,
		AccountReference:     req.AccountReference,
		MSISDN:               msisdn,
		CompletedAt:          r.ingestor.NormalizeTimestamp(ev.TransactionReference, ev.CompletedAtRaw),
		RawPayload:           ev.Raw,
	}
	if _, err := r.ingestor.Ingest(ctx, n); err != nil {
		return err
	}

	// The callback carries its own correlation, so the links are direct;
	// the matcher is only for the account stream.
	if err := r.ledger.LinkTransaction(ctx, req.ID, n.TransactionReference, n.CompletedAt); err != nil {
		return err
	}
	if err := r.ledger.LinkNotificationToRequest(ctx, n.TransactionReference, req.ID); err != nil {
		return err
	}

	return r.writeLedger(ctx, n)
}

// ProcessStreamEvent handles one account-stream confirmation: ingest with
// dedup, fuzzy-match to a request, then the idempotent ledger write.
func (r *Reconciler) ProcessStreamEvent(ctx context.Context, ev StreamEvent) error {
	n := &domain.TransactionNotification{
		TransactionReference: ev.TransactionReference,
		Source:               domain.SourceAccountStream,
		TransactionType:      ev.TransactionType,
		Amount:               ev.Amount,
		AccountReference:     ev.AccountReference,
		MSISDN:               ev.MSISDN,
		OrgAccountBalance:    ev.OrgAccountBalance,
		CompletedAt:          r.ingestor.NormalizeTimestamp(ev.TransactionReference, ev.CompletedAtRaw),
		RawPayload:           ev.Raw,
	}
	if _, err := r.ingestor.Ingest(ctx, n); err != nil {
		return err
	}

	if n.PaymentRequestID == "" {
		if _, err := r.matcher.Match(ctx, n); err != nil {
			return err
		}
	}

	return r.writeLedger(ctx, n)
}

// writeLedger runs the transactional reconcile and, after the payment row
// has committed, fires activation when it is due. An activation failure is
// logged and counted; the policy stays pending so a later payment or a
// manual retry can fire it again.
func (r *Reconciler) writeLedger(ctx context.Context, n *domain.TransactionNotification) error {
	res, err := r.ledger.ReconcilePayment(ctx, domain.ReconcileParams{
		TransactionReference: n.TransactionReference,
		AccountReference:     n.AccountReference,
		Amount:               n.Amount,
		PaymentDate:          n.CompletedAt,
		Details:              fmt.Sprintf("M-PESA %s from %s", n.TransactionReference, n.MSISDN),
		RawMessage:           string(n.RawPayload),
	})
	if err != nil {
		return err
	}
	ledgerWrites.WithLabelValues(string(res.Outcome)).Inc()

	switch res.Outcome {
	case domain.OutcomeUnmatched:
		r.log.Warn("notification has no policy; ledger entry not created",
			"transaction_reference", n.TransactionReference,
			"account_reference", n.AccountReference)
		return nil
	case domain.OutcomeReplayed:
		return nil
	}

	if res.ActivationDue {
		if err := r.activator.Activate(ctx, res.Policy.CustomerID); err != nil {
			activationFailures.Inc()
			r.log.Error("activation failed after committed payment",
				"policy_id", res.Policy.ID, "customer_id", res.Policy.CustomerID, "err", err)
			return nil
		}
		if _, err := r.ledger.MarkPolicyActive(ctx, res.Policy.ID); err != nil {
			r.log.Error("policy activation flag update failed",
				"policy_id", res.Policy.ID, "err", err)
		}
	}
	return nil
}
