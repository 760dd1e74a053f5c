package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReconcileOutcome describes what the ledger write did for a notification.
type ReconcileOutcome string

const (
	// OutcomeCreated: a fresh ledger entry was inserted.
	OutcomeCreated ReconcileOutcome = "created"
	// OutcomePromoted: a provisional entry was updated in place.
	OutcomePromoted ReconcileOutcome = "promoted"
	// OutcomeReplayed: an entry for this transaction reference already
	// existed; nothing changed.
	OutcomeReplayed ReconcileOutcome = "replayed"
	// OutcomeUnmatched: no policy resolves the account reference; the
	// notification is kept but no ledger entry exists.
	OutcomeUnmatched ReconcileOutcome = "unmatched"
)

// ReconcileParams is the input to the transactional ledger write.
type ReconcileParams struct {
	TransactionReference string
	AccountReference     string
	Amount               decimal.Decimal
	PaymentDate          time.Time
	Details              string
	RawMessage           string
}

// ReconcileResult reports the committed ledger state plus whether the
// policy still needs its first-payment activation. Activation itself runs
// after the commit so a trigger failure can never roll back the payment.
type ReconcileResult struct {
	Entry         *PaymentLedgerEntry
	Outcome       ReconcileOutcome
	Policy        *Policy
	ActivationDue bool
}
