package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/judeokello/microbima-sub000/internal/domain"
	"github.com/judeokello/microbima-sub000/internal/gateway"
	"github.com/judeokello/microbima-sub000/internal/store"
)

// PaymentInitiator is the outbound capability that triggers the handset
// prompt. Implemented by gateway.Client.
type PaymentInitiator interface {
	Initiate(ctx context.Context, in gateway.InitiateRequest) (*gateway.InitiateResponse, error)
}

// RequestStore is the slice of the store the request lifecycle needs.
type RequestStore interface {
	GetPolicyByNumber(ctx context.Context, policyNumber string) (*domain.Policy, error)
	CreateRequest(ctx context.Context, r *domain.PaymentRequest) error
	GetRequest(ctx context.Context, id string) (*domain.PaymentRequest, error)
	GetRequestByToken(ctx context.Context, token string) (*domain.PaymentRequest, error)
	AttachCorrelationToken(ctx context.Context, id, token string) error
	MarkTerminal(ctx context.Context, id string, status domain.RequestStatus, resultCode *int, resultDesc string, completedAt *time.Time) (bool, error)
}

// RequestService owns the push-payment request lifecycle.
type RequestService struct {
	store     RequestStore
	initiator PaymentInitiator
	log       *slog.Logger
	now       func() time.Time
}

func NewRequestService(s RequestStore, initiator PaymentInitiator, log *slog.Logger) *RequestService {
	return &RequestService{store: s, initiator: initiator, log: log, now: time.Now}
}

// CreateInput is the caller's request to initiate a payment prompt.
type CreateInput struct {
	MSISDN           string
	Amount           decimal.Decimal
	AccountReference string
	Description      string
}

// Create validates and persists a PENDING request, then asks the gateway to
// fire the prompt. The row is persisted first so its id can serve as the
// provider-facing idempotency token. A gateway failure after persistence
// leaves the request PENDING with no token; the sweep or an operator
// resolves it, so the row is never rolled back.
func (s *RequestService) Create(ctx context.Context, in CreateInput) (*domain.PaymentRequest, error) {
	if err := domain.ValidateAmount(in.Amount); err != nil {
		return nil, err
	}
	msisdn, err := domain.NormalizeMSISDN(in.MSISDN)
	if err != nil {
		return nil, &domain.ValidationError{Field: "msisdn", Reason: err.Error()}
	}
	if _, err := s.store.GetPolicyByNumber(ctx, in.AccountReference); err != nil {
		if errors.Is(err, store.ErrPolicyNotFound) {
			return nil, &domain.ValidationError{Field: "account_reference", Reason: "no such policy"}
		}
		return nil, err
	}

	req := &domain.PaymentRequest{
		ID:               uuid.NewString(),
		MSISDN:           msisdn,
		Amount:           in.Amount,
		AccountReference: in.AccountReference,
		Description:      in.Description,
		Status:           domain.RequestPending,
		InitiatedAt:      s.now().UTC(),
	}
	if err := s.store.CreateRequest(ctx, req); err != nil {
		return nil, err
	}

	resp, err := s.initiator.Initiate(ctx, gateway.InitiateRequest{
		RequestID:        req.ID,
		MSISDN:           msisdn,
		Amount:           in.Amount,
		AccountReference: in.AccountReference,
		Description:      in.Description,
	})
	if err != nil {
		s.log.Error("gateway initiate failed; request left pending",
			"request_id", req.ID, "err", err)
		return req, err
	}

	if err := s.store.AttachCorrelationToken(ctx, req.ID, resp.CorrelationToken); err != nil {
		// The prompt is already on its way; losing the token only costs us
		// the per-request callback correlation, and the account stream
		// still reconciles the payment.
		s.log.Error("correlation token attach failed",
			"request_id", req.ID, "token", resp.CorrelationToken, "err", err)
		return req, nil
	}
	req.CorrelationToken = resp.CorrelationToken
	return req, nil
}

// Get returns one request by id.
func (s *RequestService) Get(ctx context.Context, id string) (*domain.PaymentRequest, error) {
	return s.store.GetRequest(ctx, id)
}

// FindByToken locates the request a per-request callback belongs to.
func (s *RequestService) FindByToken(ctx context.Context, token string) (*domain.PaymentRequest, error) {
	return s.store.GetRequestByToken(ctx, token)
}

// MarkTerminal applies a one-way transition out of PENDING. Redelivered
// callbacks hit an already-terminal row; that is logged, never an error.
func (s *RequestService) MarkTerminal(ctx context.Context, id string, status domain.RequestStatus, resultCode int, resultDesc string) error {
	var completedAt *time.Time
	if status == domain.RequestCompleted {
		t := s.now().UTC()
		completedAt = &t
	}
	applied, err := s.store.MarkTerminal(ctx, id, status, &resultCode, resultDesc, completedAt)
	if err != nil {
		return err
	}
	if !applied {
		s.log.Info("terminal transition skipped; request already terminal",
			"request_id", id, "status", status)
	}
	return nil
}
