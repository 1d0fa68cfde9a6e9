package domain

import (
	"time"

	"github.com/google/uuid"
)

// Transaction types. Each one corresponds to a Circle-side fund or contract
// movement; events for any other type are ignored by the listener.
const (
	TransactionTypeEscrowDeploy    = "ESCROW_DEPLOY"
	TransactionTypeDepositApproval = "DEPOSIT_APPROVAL"
	TransactionTypeFundsDeposit    = "FUNDS_DEPOSIT"
	TransactionTypeFundsRelease    = "FUNDS_RELEASE"
)

// Transaction statuses mirror the platform transaction lifecycle. CONFIRMED
// and COMPLETED are platform synonyms normalized to COMPLETE on ingestion.
const (
	TransactionStatusPending  = "PENDING"
	TransactionStatusComplete = "COMPLETE"
	TransactionStatusFailed   = "FAILED"
)

// Transaction is one attempted or completed fund/contract movement. It maps
// to the `transactions` table, which is the append-only audit trail the
// coordinator replays to re-derive agreement status after a restart or a
// missed event. Rows are never deleted.
type Transaction struct {
	ID                  uuid.UUID `json:"id"`
	WalletID            uuid.UUID `json:"wallet_id"`
	ProfileID           uuid.UUID `json:"profile_id"`
	EscrowAgreementID   uuid.UUID `json:"escrow_agreement_id"`
	CircleTransactionID *string   `json:"circle_transaction_id,omitempty"`
	TransactionType     string    `json:"transaction_type"`
	Status              string    `json:"status"`
	FailureReason       *string   `json:"failure_reason,omitempty"`
	Amount              float64   `json:"amount"` // in USDC
	Currency            string    `json:"currency"`
	Description         string    `json:"description"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// IsTerminal reports whether the transaction has reached a final platform state.
func (t *Transaction) IsTerminal() bool {
	return t.Status == TransactionStatusComplete || t.Status == TransactionStatusFailed
}

// KnownTransactionType reports whether the listener should react to events
// for the given transaction type.
func KnownTransactionType(transactionType string) bool {
	switch transactionType {
	case TransactionTypeEscrowDeploy, TransactionTypeDepositApproval,
		TransactionTypeFundsDeposit, TransactionTypeFundsRelease:
		return true
	}
	return false
}
