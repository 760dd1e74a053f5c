package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/judeokello/microbima-sub000/internal/domain"
	"github.com/judeokello/microbima-sub000/internal/gateway"
	"github.com/judeokello/microbima-sub000/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore mirrors the semantics of the postgres store, including the
// uniqueness arbitration on transaction references.
type memStore struct {
	mu            sync.Mutex
	policies      map[string]*domain.Policy
	requests      map[string]*domain.PaymentRequest
	notifications map[string]*domain.TransactionNotification
	entries       map[string]*domain.PaymentLedgerEntry
	entrySeq      int64
}

func newMemStore() *memStore {
	return &memStore{
		policies:      map[string]*domain.Policy{},
		requests:      map[string]*domain.PaymentRequest{},
		notifications: map[string]*domain.TransactionNotification{},
		entries:       map[string]*domain.PaymentLedgerEntry{},
	}
}

func (m *memStore) addPolicy(number string, customerID int64, status domain.PolicyStatus) *domain.Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := &domain.Policy{
		ID:           int64(len(m.policies) + 1),
		PolicyNumber: number,
		CustomerID:   customerID,
		Status:       status,
	}
	m.policies[number] = p
	return p
}

func (m *memStore) GetPolicyByNumber(_ context.Context, number string) (*domain.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.policies[number]
	if !ok {
		return nil, store.ErrPolicyNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) MarkPolicyActive(_ context.Context, policyID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.policies {
		if p.ID == policyID && p.Status == domain.PolicyPendingActivation {
			p.Status = domain.PolicyActive
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) CreateRequest(_ context.Context, r *domain.PaymentRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *memStore) GetRequest(_ context.Context, id string) (*domain.PaymentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, store.ErrRequestNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) GetRequestByToken(_ context.Context, token string) (*domain.PaymentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requests {
		if r.CorrelationToken == token && token != "" {
			cp := *r
			return &cp, nil
		}
	}
	return nil, store.ErrRequestNotFound
}

func (m *memStore) AttachCorrelationToken(_ context.Context, id, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return store.ErrRequestNotFound
	}
	if r.CorrelationToken != "" && r.CorrelationToken != token {
		return errors.New("request already carries a different correlation token")
	}
	r.CorrelationToken = token
	return nil
}

func (m *memStore) MarkTerminal(_ context.Context, id string, status domain.RequestStatus, resultCode *int, resultDesc string, completedAt *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok || r.Status != domain.RequestPending {
		return false, nil
	}
	r.Status = status
	r.ResultCode = resultCode
	r.ResultDescription = resultDesc
	r.CompletedAt = completedAt
	return true, nil
}

func (m *memStore) LinkTransaction(_ context.Context, id, transactionRef string, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return store.ErrRequestNotFound
	}
	if r.TransactionReference == "" {
		r.TransactionReference = transactionRef
	}
	if r.Status == domain.RequestPending {
		r.Status = domain.RequestCompleted
		at := completedAt
		r.CompletedAt = &at
	}
	return nil
}

func (m *memStore) FindRequestsByAccountRef(_ context.Context, accountRef string, limit int) ([]*domain.PaymentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.PaymentRequest
	for _, r := range m.requests {
		if r.AccountReference == accountRef {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InitiatedAt.After(out[j].InitiatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ExpireStale(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, r := range m.requests {
		if r.Status == domain.RequestPending && r.InitiatedAt.Before(cutoff) {
			r.Status = domain.RequestExpired
			ids = append(ids, r.ID)
		}
	}
	return ids, nil
}

func (m *memStore) ListMissingNotifications(_ context.Context, completedBefore time.Time) ([]*domain.PaymentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.PaymentRequest
	for _, r := range m.requests {
		if r.Status == domain.RequestCompleted && r.TransactionReference == "" &&
			r.CompletedAt != nil && r.CompletedAt.Before(completedBefore) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) GetNotificationByReference(_ context.Context, ref string) (*domain.TransactionNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[ref]
	if !ok {
		return nil, store.ErrNotificationNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *memStore) InsertNotification(_ context.Context, n *domain.TransactionNotification) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.notifications[n.TransactionReference]; exists {
		return false, nil
	}
	cp := *n
	cp.ID = int64(len(m.notifications) + 1)
	m.notifications[n.TransactionReference] = &cp
	n.ID = cp.ID
	return true, nil
}

func (m *memStore) UpdateNotificationDescriptive(_ context.Context, n *domain.TransactionNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.notifications[n.TransactionReference]
	if !ok {
		return store.ErrNotificationNotFound
	}
	existing.TransactionType = n.TransactionType
	existing.Amount = n.Amount
	existing.AccountReference = n.AccountReference
	existing.MSISDN = n.MSISDN
	if n.OrgAccountBalance != nil {
		existing.OrgAccountBalance = n.OrgAccountBalance
	}
	existing.CompletedAt = n.CompletedAt
	return nil
}

func (m *memStore) LinkNotificationToRequest(_ context.Context, ref, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[ref]
	if !ok {
		return store.ErrNotificationNotFound
	}
	if n.PaymentRequestID == "" {
		n.PaymentRequestID = requestID
	}
	return nil
}

func (m *memStore) ReconcilePayment(_ context.Context, p domain.ReconcileParams) (*domain.ReconcileResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[p.TransactionReference]; ok {
		cp := *entry
		return &domain.ReconcileResult{Entry: &cp, Outcome: domain.OutcomeReplayed}, nil
	}

	policy, ok := m.policies[p.AccountReference]
	if !ok {
		return &domain.ReconcileResult{Outcome: domain.OutcomeUnmatched}, nil
	}

	var entry *domain.PaymentLedgerEntry
	outcome := domain.OutcomeCreated
	for ref, e := range m.entries {
		if e.PolicyID == policy.ID && e.Provisional && e.PaymentDate == nil {
			outcome = domain.OutcomePromoted
			entry = e
			delete(m.entries, ref)
			break
		}
	}
	if entry == nil {
		m.entrySeq++
		entry = &domain.PaymentLedgerEntry{ID: m.entrySeq, PolicyID: policy.ID}
	}
	at := p.PaymentDate
	entry.TransactionReference = p.TransactionReference
	entry.Amount = p.Amount
	entry.PaymentDate = &at
	entry.Provisional = false
	entry.Details = p.Details
	entry.RawMessage = p.RawMessage
	m.entries[p.TransactionReference] = entry

	cp := *entry
	pcp := *policy
	return &domain.ReconcileResult{
		Entry:         &cp,
		Outcome:       outcome,
		Policy:        &pcp,
		ActivationDue: policy.Status == domain.PolicyPendingActivation,
	}, nil
}

func (m *memStore) addProvisionalEntry(policyID int64, ref string) *domain.PaymentLedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entrySeq++
	e := &domain.PaymentLedgerEntry{
		ID:                   m.entrySeq,
		PolicyID:             policyID,
		TransactionReference: ref,
		Provisional:          true,
	}
	m.entries[ref] = e
	return e
}

func (m *memStore) entryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// fakeInitiator stands in for the gateway client.
type fakeInitiator struct {
	mu    sync.Mutex
	calls []gateway.InitiateRequest
	token string
	err   error
}

func (f *fakeInitiator) Initiate(_ context.Context, in gateway.InitiateRequest) (*gateway.InitiateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, in)
	if f.err != nil {
		return nil, f.err
	}
	return &gateway.InitiateResponse{CorrelationToken: f.token}, nil
}

// fakeActivator records activation calls.
type fakeActivator struct {
	mu        sync.Mutex
	activated []int64
	err       error
}

func (f *fakeActivator) Activate(_ context.Context, customerID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.activated = append(f.activated, customerID)
	return nil
}
