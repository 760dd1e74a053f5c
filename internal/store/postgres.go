package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/judeokello/microbima-sub000/internal/domain"
)

var (
	ErrPolicyNotFound       = errors.New("policy not found")
	ErrRequestNotFound      = errors.New("payment request not found")
	ErrNotificationNotFound = errors.New("transaction notification not found")
)

const uniqueViolationCode = "23505"

type Store struct {
	Db *pgxpool.Pool
}

func NewStore(connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Db: pool}, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

// --- policies ---

func (s *Store) GetPolicyByNumber(ctx context.Context, policyNumber string) (*domain.Policy, error) {
	var p domain.Policy
	err := s.Db.QueryRow(ctx,
		"SELECT id, policy_number, customer_id, status FROM policies WHERE policy_number = $1",
		policyNumber).Scan(&p.ID, &p.PolicyNumber, &p.CustomerID, &p.Status)
	if err == pgx.ErrNoRows {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// MarkPolicyActive flips a policy out of PENDING_ACTIVATION. Returns false
// when the policy was already active, which makes the caller's
// activate-then-mark sequence safe to repeat.
func (s *Store) MarkPolicyActive(ctx context.Context, policyID int64) (bool, error) {
	tag, err := s.Db.Exec(ctx,
		"UPDATE policies SET status = $1 WHERE id = $2 AND status = $3",
		domain.PolicyActive, policyID, domain.PolicyPendingActivation)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// --- payment requests ---

const requestColumns = `id, msisdn, amount::text, account_reference,
	COALESCE(correlation_token, ''), status, result_code,
	COALESCE(result_description, ''), COALESCE(description, ''),
	COALESCE(transaction_reference, ''), initiated_at, completed_at`

func scanRequest(row pgx.Row) (*domain.PaymentRequest, error) {
	var r domain.PaymentRequest
	var amount string
	err := row.Scan(&r.ID, &r.MSISDN, &amount, &r.AccountReference,
		&r.CorrelationToken, &r.Status, &r.ResultCode, &r.ResultDescription,
		&r.Description, &r.TransactionReference, &r.InitiatedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	r.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("bad amount in payment_requests row %s: %w", r.ID, err)
	}
	return &r, nil
}

func (s *Store) CreateRequest(ctx context.Context, r *domain.PaymentRequest) error {
	_, err := s.Db.Exec(ctx,
		`INSERT INTO payment_requests (id, msisdn, amount, account_reference, status, description, initiated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.MSISDN, r.Amount.String(), r.AccountReference, r.Status, r.Description, r.InitiatedAt)
	if err != nil {
		return fmt.Errorf("payment request insert failed: %w", err)
	}
	return nil
}

func (s *Store) GetRequest(ctx context.Context, id string) (*domain.PaymentRequest, error) {
	r, err := scanRequest(s.Db.QueryRow(ctx,
		"SELECT "+requestColumns+" FROM payment_requests WHERE id = $1", id))
	if err == pgx.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	return r, err
}

func (s *Store) GetRequestByToken(ctx context.Context, token string) (*domain.PaymentRequest, error) {
	r, err := scanRequest(s.Db.QueryRow(ctx,
		"SELECT "+requestColumns+" FROM payment_requests WHERE correlation_token = $1", token))
	if err == pgx.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	return r, err
}

// AttachCorrelationToken is a no-op when called again with the same token.
func (s *Store) AttachCorrelationToken(ctx context.Context, id, token string) error {
	tag, err := s.Db.Exec(ctx,
		`UPDATE payment_requests SET correlation_token = $1
		 WHERE id = $2 AND (correlation_token IS NULL OR correlation_token = $1)`,
		token, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var existing *string
		err := s.Db.QueryRow(ctx,
			"SELECT correlation_token FROM payment_requests WHERE id = $1", id).Scan(&existing)
		if err == pgx.ErrNoRows {
			return ErrRequestNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("request %s already carries a different correlation token", id)
	}
	return nil
}

// MarkTerminal transitions a request out of PENDING. Returns false when the
// request was already terminal; the guard in the WHERE clause is what makes
// redelivered callbacks harmless.
func (s *Store) MarkTerminal(ctx context.Context, id string, status domain.RequestStatus, resultCode *int, resultDesc string, completedAt *time.Time) (bool, error) {
	tag, err := s.Db.Exec(ctx,
		`UPDATE payment_requests
		 SET status = $1, result_code = $2, result_description = $3, completed_at = $4
		 WHERE id = $5 AND status = $6`,
		status, resultCode, resultDesc, completedAt, id, domain.RequestPending)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// LinkTransaction records the matched receipt on a request and, when the
// request is still PENDING, completes it in the same statement. The status
// guard keeps a second concurrent match idempotent.
func (s *Store) LinkTransaction(ctx context.Context, id, transactionRef string, completedAt time.Time) error {
	_, err := s.Db.Exec(ctx,
		`UPDATE payment_requests
		 SET transaction_reference = COALESCE(transaction_reference, $1),
		     completed_at = CASE WHEN status = $2 THEN $3 ELSE completed_at END,
		     status = CASE WHEN status = $2 THEN $4 ELSE status END
		 WHERE id = $5`,
		transactionRef, domain.RequestPending, completedAt, domain.RequestCompleted, id)
	return err
}

// FindRequestsByAccountRef returns recent requests for an account reference,
// newest first, for the matcher to filter in memory. The limit bounds the
// scan; anything older than the match window plus slack is noise anyway.
func (s *Store) FindRequestsByAccountRef(ctx context.Context, accountRef string, limit int) ([]*domain.PaymentRequest, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT "+requestColumns+` FROM payment_requests
		 WHERE account_reference = $1 ORDER BY initiated_at DESC LIMIT $2`,
		accountRef, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.PaymentRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ExpireStale moves every PENDING request older than the cutoff to EXPIRED
// in one statement and returns the affected ids.
func (s *Store) ExpireStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.Db.Query(ctx,
		`UPDATE payment_requests SET status = $1
		 WHERE status = $2 AND initiated_at < $3
		 RETURNING id`,
		domain.RequestExpired, domain.RequestPending, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListMissingNotifications returns COMPLETED requests whose account-wide
// notification never arrived within the SLA. Read only.
func (s *Store) ListMissingNotifications(ctx context.Context, completedBefore time.Time) ([]*domain.PaymentRequest, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT "+requestColumns+` FROM payment_requests
		 WHERE status = $1 AND completed_at < $2 AND transaction_reference IS NULL
		 ORDER BY completed_at`,
		domain.RequestCompleted, completedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.PaymentRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- transaction notifications ---

const notificationColumns = `id, transaction_reference, source,
	COALESCE(transaction_type, ''), amount::text, account_reference, msisdn,
	org_account_balance::text, completed_at, COALESCE(payment_request_id::text, ''),
	raw_payload, ingested_at`

func scanNotification(row pgx.Row) (*domain.TransactionNotification, error) {
	var n domain.TransactionNotification
	var amount string
	var balance *string
	err := row.Scan(&n.ID, &n.TransactionReference, &n.Source, &n.TransactionType,
		&amount, &n.AccountReference, &n.MSISDN, &balance, &n.CompletedAt,
		&n.PaymentRequestID, &n.RawPayload, &n.IngestedAt)
	if err != nil {
		return nil, err
	}
	n.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("bad amount in transaction_notifications row %d: %w", n.ID, err)
	}
	if balance != nil {
		b, err := decimal.NewFromString(*balance)
		if err != nil {
			return nil, fmt.Errorf("bad balance in transaction_notifications row %d: %w", n.ID, err)
		}
		n.OrgAccountBalance = &b
	}
	return &n, nil
}

func (s *Store) GetNotificationByReference(ctx context.Context, transactionRef string) (*domain.TransactionNotification, error) {
	n, err := scanNotification(s.Db.QueryRow(ctx,
		"SELECT "+notificationColumns+" FROM transaction_notifications WHERE transaction_reference = $1",
		transactionRef))
	if err == pgx.ErrNoRows {
		return nil, ErrNotificationNotFound
	}
	return n, err
}

// InsertNotification creates the first row for a transaction reference.
// Returns false on the unique-violation path, which is how a concurrent
// insert of the same receipt by the other channel is detected.
func (s *Store) InsertNotification(ctx context.Context, n *domain.TransactionNotification) (bool, error) {
	var balance *string
	if n.OrgAccountBalance != nil {
		v := n.OrgAccountBalance.String()
		balance = &v
	}
	var requestID *string
	if n.PaymentRequestID != "" {
		requestID = &n.PaymentRequestID
	}
	err := s.Db.QueryRow(ctx,
		`INSERT INTO transaction_notifications
		 (transaction_reference, source, transaction_type, amount, account_reference,
		  msisdn, org_account_balance, completed_at, payment_request_id, raw_payload, ingested_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING id`,
		n.TransactionReference, n.Source, n.TransactionType, n.Amount.String(),
		n.AccountReference, n.MSISDN, balance, n.CompletedAt, requestID,
		n.RawPayload, n.IngestedAt).Scan(&n.ID)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("notification insert failed: %w", err)
	}
	return true, nil
}

// UpdateNotificationDescriptive refreshes the mutable descriptive fields on
// redelivery. The linked request id is deliberately not touched.
func (s *Store) UpdateNotificationDescriptive(ctx context.Context, n *domain.TransactionNotification) error {
	var balance *string
	if n.OrgAccountBalance != nil {
		v := n.OrgAccountBalance.String()
		balance = &v
	}
	_, err := s.Db.Exec(ctx,
		`UPDATE transaction_notifications
		 SET transaction_type = $1, amount = $2, account_reference = $3,
		     msisdn = $4, org_account_balance = COALESCE($5, org_account_balance),
		     completed_at = $6
		 WHERE transaction_reference = $7`,
		n.TransactionType, n.Amount.String(), n.AccountReference, n.MSISDN,
		balance, n.CompletedAt, n.TransactionReference)
	return err
}

// LinkNotificationToRequest sets the request pointer once; it never
// overwrites an existing link.
func (s *Store) LinkNotificationToRequest(ctx context.Context, transactionRef, requestID string) error {
	_, err := s.Db.Exec(ctx,
		`UPDATE transaction_notifications SET payment_request_id = $1
		 WHERE transaction_reference = $2 AND payment_request_id IS NULL`,
		requestID, transactionRef)
	return err
}

// --- ledger entries ---

const entryColumns = `id, policy_id, transaction_reference, amount::text,
	expected_date, payment_date, provisional, COALESCE(details, ''),
	COALESCE(raw_message, ''), created_at, updated_at`

func scanEntry(row pgx.Row) (*domain.PaymentLedgerEntry, error) {
	var e domain.PaymentLedgerEntry
	var amount string
	err := row.Scan(&e.ID, &e.PolicyID, &e.TransactionReference, &amount,
		&e.ExpectedDate, &e.PaymentDate, &e.Provisional, &e.Details,
		&e.RawMessage, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("bad amount in payment_ledger_entries row %d: %w", e.ID, err)
	}
	return &e, nil
}

func (s *Store) getEntryByReference(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, transactionRef string) (*domain.PaymentLedgerEntry, error) {
	return scanEntry(q.QueryRow(ctx,
		"SELECT "+entryColumns+" FROM payment_ledger_entries WHERE transaction_reference = $1",
		transactionRef))
}

// ReconcilePayment writes the canonical ledger row for one transaction
// inside a single database transaction:
//
//  1. an existing row for the reference wins immediately (replay);
//  2. an unknown account reference keeps the notification but writes no row;
//  3. an open provisional row for the policy is promoted in place;
//  4. otherwise a fresh row is inserted.
//
// The unique constraint on transaction_reference is the arbiter when two
// channels race past the step-1 check; the loser of the insert re-reads the
// winner's row and reports a replay. Activation is only reported as due
// here and is carried out by the caller after the commit.
func (s *Store) ReconcilePayment(ctx context.Context, p domain.ReconcileParams) (*domain.ReconcileResult, error) {
	tx, err := s.Db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Replay check. Not sufficient alone (see step 4) but gives clean
	// logging for the common redelivery case.
	entry, err := s.getEntryByReference(ctx, tx, p.TransactionReference)
	if err == nil {
		return &domain.ReconcileResult{Entry: entry, Outcome: domain.OutcomeReplayed}, nil
	}
	if err != pgx.ErrNoRows {
		return nil, fmt.Errorf("ledger lookup failed: %w", err)
	}

	// 2. Resolve the subject.
	var policy domain.Policy
	err = tx.QueryRow(ctx,
		"SELECT id, policy_number, customer_id, status FROM policies WHERE policy_number = $1",
		p.AccountReference).Scan(&policy.ID, &policy.PolicyNumber, &policy.CustomerID, &policy.Status)
	if err == pgx.ErrNoRows {
		return &domain.ReconcileResult{Outcome: domain.OutcomeUnmatched}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("policy lookup failed: %w", err)
	}

	outcome := domain.OutcomePromoted

	// 3. Promote an open provisional entry when one exists.
	var provisionalID int64
	err = tx.QueryRow(ctx,
		`SELECT id FROM payment_ledger_entries
		 WHERE policy_id = $1 AND provisional AND payment_date IS NULL
		 ORDER BY expected_date NULLS LAST, id
		 LIMIT 1
		 FOR UPDATE`,
		policy.ID).Scan(&provisionalID)
	switch err {
	case nil:
		entry, err = scanEntry(tx.QueryRow(ctx,
			`UPDATE payment_ledger_entries
			 SET transaction_reference = $1, amount = $2, payment_date = $3,
			     provisional = false, details = $4, raw_message = $5, updated_at = now()
			 WHERE id = $6
			 RETURNING `+entryColumns,
			p.TransactionReference, p.Amount.String(), p.PaymentDate,
			p.Details, p.RawMessage, provisionalID))
	case pgx.ErrNoRows:
		// 4. Fresh insert.
		outcome = domain.OutcomeCreated
		entry, err = scanEntry(tx.QueryRow(ctx,
			`INSERT INTO payment_ledger_entries
			 (policy_id, transaction_reference, amount, payment_date, provisional, details, raw_message)
			 VALUES ($1, $2, $3, $4, false, $5, $6)
			 RETURNING `+entryColumns,
			policy.ID, p.TransactionReference, p.Amount.String(),
			p.PaymentDate, p.Details, p.RawMessage))
	default:
		return nil, fmt.Errorf("provisional lookup failed: %w", err)
	}
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race to the other channel. The transaction is
			// aborted, so re-read the winner's committed row.
			existing, readErr := s.getEntryByReference(ctx, s.Db, p.TransactionReference)
			if readErr != nil {
				return nil, fmt.Errorf("post-conflict ledger read failed: %w", readErr)
			}
			return &domain.ReconcileResult{Entry: existing, Outcome: domain.OutcomeReplayed}, nil
		}
		return nil, fmt.Errorf("ledger write failed: %w", err)
	}

	// 5. Activation is due when this payment lands on a policy still
	// waiting for its first premium.
	activationDue := policy.Status == domain.PolicyPendingActivation

	if err = tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}

	return &domain.ReconcileResult{
		Entry:         entry,
		Outcome:       outcome,
		Policy:        &policy,
		ActivationDue: activationDue,
	}, nil
}

// GetEntryByReference is the read-path accessor for reporting callers.
func (s *Store) GetEntryByReference(ctx context.Context, transactionRef string) (*domain.PaymentLedgerEntry, error) {
	return s.getEntryByReference(ctx, s.Db, transactionRef)
}
