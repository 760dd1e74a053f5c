package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/judeokello/microbima-sub000/internal/domain"
)

// IngestOutcome reports what happened to an inbound notification event.
type IngestOutcome string

const (
	IngestCreated   IngestOutcome = "created"
	IngestDuplicate IngestOutcome = "duplicate"
	IngestUpdated   IngestOutcome = "updated"
)

// NotificationStore is the slice of the store the ingestor needs.
type NotificationStore interface {
	GetNotificationByReference(ctx context.Context, transactionRef string) (*domain.TransactionNotification, error)
	InsertNotification(ctx context.Context, n *domain.TransactionNotification) (bool, error)
	UpdateNotificationDescriptive(ctx context.Context, n *domain.TransactionNotification) error
}

// Ingestor normalizes and de-duplicates inbound notification events before
// any side effect. At most one row exists per transaction reference no
// matter how many times either channel reports it.
type Ingestor struct {
	store NotificationStore
	log   *slog.Logger
	now   func() time.Time
}

func NewIngestor(s NotificationStore, log *slog.Logger) *Ingestor {
	return &Ingestor{store: s, log: log, now: time.Now}
}

// NormalizeTimestamp parses the provider's compact timestamp, falling back
// to ingest time with a warning when it is malformed. A bad timestamp never
// fails the event.
func (i *Ingestor) NormalizeTimestamp(transactionRef, raw string) time.Time {
	t, err := domain.ParseProviderTime(raw)
	if err != nil {
		i.log.Warn("malformed provider timestamp; using ingest time",
			"transaction_reference", transactionRef, "raw", raw)
		return i.now().UTC()
	}
	return t
}

// Ingest records a notification on first sighting of its transaction
// reference and updates only descriptive fields on redelivery. The linked
// request id is never changed once set; that field belongs to the matcher.
func (i *Ingestor) Ingest(ctx context.Context, n *domain.TransactionNotification) (IngestOutcome, error) {
	msisdn, err := domain.NormalizeMSISDN(n.MSISDN)
	if err != nil {
		// The provider occasionally masks phone numbers; keep the raw
		// value rather than dropping the event.
		i.log.Warn("unnormalizable msisdn on notification",
			"transaction_reference", n.TransactionReference, "msisdn", n.MSISDN)
	} else {
		n.MSISDN = msisdn
	}
	if n.IngestedAt.IsZero() {
		n.IngestedAt = i.now().UTC()
	}

	created, err := i.store.InsertNotification(ctx, n)
	if err != nil {
		return "", err
	}
	if created {
		notificationsIngested.WithLabelValues(string(n.Source), string(IngestCreated)).Inc()
		return IngestCreated, nil
	}

	// Redelivery, or the other channel got here first. The row keeps the
	// source that created it; the metric is attributed to the channel that
	// delivered this event.
	deliveredBy := n.Source
	existing, err := i.store.GetNotificationByReference(ctx, n.TransactionReference)
	if err != nil {
		return "", err
	}
	if err := i.store.UpdateNotificationDescriptive(ctx, n); err != nil {
		return "", err
	}
	n.ID = existing.ID
	n.Source = existing.Source
	n.PaymentRequestID = existing.PaymentRequestID

	outcome := IngestUpdated
	if existing.Amount.Equal(n.Amount) && existing.MSISDN == n.MSISDN &&
		existing.AccountReference == n.AccountReference {
		outcome = IngestDuplicate
	}
	notificationsIngested.WithLabelValues(string(deliveredBy), string(outcome)).Inc()
	return outcome, nil
}
