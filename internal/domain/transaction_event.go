package domain

import (
	"time"

	"github.com/google/uuid"
)

// TransactionStatusEvent is the message carried on the escrow events exchange
// for transaction lifecycle updates. Both producers — the realtime change
// feed on the transactions table and the Circle webhook handler — emit this
// shape, so the listener has a single idempotent apply path.
type TransactionStatusEvent struct {
	EventID             string    `json:"event_id"`
	TransactionID       uuid.UUID `json:"transaction_id"`
	CircleTransactionID string    `json:"circle_transaction_id,omitempty"`
	TransactionType     string    `json:"transaction_type"`
	OldStatus           string    `json:"old_status,omitempty"`
	Status              string    `json:"status"`
	ErrorReason         string    `json:"error_reason,omitempty"`
	OccurredAt          time.Time `json:"occurred_at"`
}

// AgreementCreatedEvent announces a freshly inserted agreement so that the
// counterparty's views can refresh. Mirrors the insert subscription on the
// escrow_agreements table.
type AgreementCreatedEvent struct {
	AgreementID         uuid.UUID `json:"agreement_id"`
	DepositorWalletID   uuid.UUID `json:"depositor_wallet_id"`
	BeneficiaryWalletID uuid.UUID `json:"beneficiary_wallet_id"`
	OccurredAt          time.Time `json:"occurred_at"`
}
