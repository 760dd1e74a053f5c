package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/judeokello/microbima-sub000/internal/config"
	"github.com/judeokello/microbima-sub000/internal/domain"
)

// SweepStore is the slice of the store the background sweep needs.
type SweepStore interface {
	ExpireStale(ctx context.Context, cutoff time.Time) ([]string, error)
	ListMissingNotifications(ctx context.Context, completedBefore time.Time) ([]*domain.PaymentRequest, error)
}

// Sweeper runs the two periodic jobs: expiring stale PENDING requests and
// flagging completed requests whose account-stream notification never
// arrived. The detect path performs no writes, so it is safe at any
// cadence; remediation is a human's job.
type Sweeper struct {
	store SweepStore
	cfg   config.SweepConfig
	log   *slog.Logger
	now   func() time.Time
}

func NewSweeper(s SweepStore, cfg config.SweepConfig, log *slog.Logger) *Sweeper {
	return &Sweeper{store: s, cfg: cfg, log: log, now: time.Now}
}

// Run blocks until the context is cancelled, running each sweep on its own
// ticker so the intervals stay independent.
func (s *Sweeper) Run(ctx context.Context) {
	expiry := time.NewTicker(s.cfg.ExpiryInterval)
	defer expiry.Stop()
	missing := time.NewTicker(s.cfg.MissingInterval)
	defer missing.Stop()

	s.log.Info("sweep started",
		"expiry_interval", s.cfg.ExpiryInterval,
		"missing_interval", s.cfg.MissingInterval)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweep stopped")
			return
		case <-expiry.C:
			s.ExpireStaleRequests(ctx)
		case <-missing.C:
			s.DetectMissingNotifications(ctx)
		}
	}
}

// ExpireStaleRequests moves PENDING requests older than the timeout to
// EXPIRED. Expiry is a status change only; no cancellation reaches the
// provider.
func (s *Sweeper) ExpireStaleRequests(ctx context.Context) {
	cutoff := s.now().Add(-s.cfg.RequestTimeout)
	ids, err := s.store.ExpireStale(ctx, cutoff)
	if err != nil {
		s.log.Error("expire sweep failed", "err", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	requestsExpired.Add(float64(len(ids)))
	s.log.Warn("expired stale payment requests", "count", len(ids), "ids", ids)
}

// DetectMissingNotifications flags completed requests past the SLA with no
// linked transaction reference, for alerting only.
func (s *Sweeper) DetectMissingNotifications(ctx context.Context) []*domain.PaymentRequest {
	cutoff := s.now().Add(-s.cfg.MissingSLA)
	requests, err := s.store.ListMissingNotifications(ctx, cutoff)
	if err != nil {
		s.log.Error("missing-notification sweep failed", "err", err)
		return nil
	}
	missingNotifications.Set(float64(len(requests)))
	for _, r := range requests {
		s.log.Warn("completed request never received account-stream notification",
			"request_id", r.ID,
			"account_reference", r.AccountReference,
			"completed_at", r.CompletedAt)
	}
	return requests
}
