package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RequestStatus is the lifecycle state of a push payment request.
// Transitions out of PENDING are one-way and happen exactly once.
type RequestStatus string

const (
	RequestPending   RequestStatus = "PENDING"
	RequestCompleted RequestStatus = "COMPLETED"
	RequestFailed    RequestStatus = "FAILED"
	RequestCancelled RequestStatus = "CANCELLED"
	RequestExpired   RequestStatus = "EXPIRED"
)

// Terminal reports whether the status is one of the end states.
func (s RequestStatus) Terminal() bool {
	return s != RequestPending
}

// NotificationSource records which channel first reported a transaction.
// Informational only; correctness does not depend on it.
type NotificationSource string

const (
	SourceCallback      NotificationSource = "PER_REQUEST_CALLBACK"
	SourceAccountStream NotificationSource = "ACCOUNT_STREAM"
)

// PolicyStatus is the subset of the policy lifecycle this engine cares about.
type PolicyStatus string

const (
	PolicyPendingActivation PolicyStatus = "PENDING_ACTIVATION"
	PolicyActive            PolicyStatus = "ACTIVE"
	PolicyLapsed            PolicyStatus = "LAPSED"
)

// PaymentRequest is one outbound prompt attempt. The row is never deleted;
// expiry and failure are status changes only.
type PaymentRequest struct {
	ID                   string          `json:"id"`
	MSISDN               string          `json:"msisdn"`
	Amount               decimal.Decimal `json:"amount"`
	AccountReference     string          `json:"account_reference"`
	CorrelationToken     string          `json:"correlation_token,omitempty"`
	Status               RequestStatus   `json:"status"`
	ResultCode           *int            `json:"result_code,omitempty"`
	ResultDescription    string          `json:"result_description,omitempty"`
	Description          string          `json:"description,omitempty"`
	TransactionReference string          `json:"transaction_reference,omitempty"`
	InitiatedAt          time.Time       `json:"initiated_at"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty"`
}

// TransactionNotification is one distinct real-world transaction, keyed by
// the provider's receipt number. Redelivery by either channel updates the
// same row instead of creating another.
type TransactionNotification struct {
	ID                   int64              `json:"id"`
	TransactionReference string             `json:"transaction_reference"`
	Source               NotificationSource `json:"source"`
	TransactionType      string             `json:"transaction_type,omitempty"`
	Amount               decimal.Decimal    `json:"amount"`
	AccountReference     string             `json:"account_reference"`
	MSISDN               string             `json:"msisdn"`
	OrgAccountBalance    *decimal.Decimal   `json:"org_account_balance,omitempty"`
	CompletedAt          time.Time          `json:"completed_at"`
	PaymentRequestID     string             `json:"payment_request_id,omitempty"`
	RawPayload           []byte             `json:"-"`
	IngestedAt           time.Time          `json:"ingested_at"`
}

// PaymentLedgerEntry is the canonical payment record against a policy.
// Provisional entries are speculative rows created before the real
// transaction is confirmed; they are promoted in place, never duplicated.
type PaymentLedgerEntry struct {
	ID                   int64           `json:"id"`
	PolicyID             int64           `json:"policy_id"`
	TransactionReference string          `json:"transaction_reference"`
	Amount               decimal.Decimal `json:"amount"`
	ExpectedDate         *time.Time      `json:"expected_date,omitempty"`
	PaymentDate          *time.Time      `json:"payment_date,omitempty"`
	Provisional          bool            `json:"provisional"`
	Details              string          `json:"details,omitempty"`
	RawMessage           string          `json:"-"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// Policy is the subject a payment settles against.
type Policy struct {
	ID           int64        `json:"id"`
	PolicyNumber string       `json:"policy_number"`
	CustomerID   int64        `json:"customer_id"`
	Status       PolicyStatus `json:"status"`
}
