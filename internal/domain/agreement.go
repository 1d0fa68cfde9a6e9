/**
 * @description
 * This file defines the core domain models for the escrow-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - The EscrowAgreement is the central aggregate: its status only ever moves
 *   forward along the lifecycle graph, and all mutations flow through the
 *   coordinator service or the transaction event listener.
 * - Terms are stored as a jsonb document owned exclusively by the agreement.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Agreement lifecycle statuses. PENDING is a transient sub-state entered from
// OPEN (deposit in flight) or LOCKED (release in flight); failures revert to
// the prior stable state instead of advancing.
const (
	AgreementStatusInitiated = "INITIATED"
	AgreementStatusOpen      = "OPEN"
	AgreementStatusLocked    = "LOCKED"
	AgreementStatusPending   = "PENDING"
	AgreementStatusClosed    = "CLOSED"
)

// ResponsiblePartyBeneficiary is the canonical role tag for tasks owed by the
// beneficiary. Terms carrying any other tag are rejected at creation time
// rather than silently producing an empty requirement list later.
const ResponsiblePartyBeneficiary = "ContentCreator"

// EscrowAgreement maps to the `escrow_agreements` table.
type EscrowAgreement struct {
	ID                  uuid.UUID `json:"id"`
	DepositorWalletID   uuid.UUID `json:"depositor_wallet_id"`
	BeneficiaryWalletID uuid.UUID `json:"beneficiary_wallet_id"`
	TransactionID       uuid.UUID `json:"transaction_id"`
	CircleContractID    *string   `json:"circle_contract_id,omitempty"`
	Status              string    `json:"status"`
	Terms               Terms     `json:"terms"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Terms is the structured extraction of a contract document: monetary amounts
// plus task obligations, along with metadata for the source file.
type Terms struct {
	Amounts          []TermsAmount `json:"amounts"`
	Tasks            []TermsTask   `json:"tasks"`
	DocumentURL      string        `json:"document_url,omitempty"`
	OriginalFileName string        `json:"original_file_name,omitempty"`
}

// TermsAmount is one monetary amount extracted from the document. Amount is
// kept as the original free-text string ("$1,500.00"); the amount parser
// normalizes it wherever a numeric value is needed.
type TermsAmount struct {
	Amount   string `json:"amount"`
	For      string `json:"for,omitempty"`
	Location string `json:"location,omitempty"`
}

// TermsTask is one obligation extracted from the document.
type TermsTask struct {
	Description      string   `json:"description"`
	DueDate          *string  `json:"due_date,omitempty"`
	ResponsibleParty string   `json:"responsible_party"`
	Details          []string `json:"details,omitempty"`
}

// AgreementWithDetails decorates an agreement with the party names and the
// primary transaction summary needed by list views.
type AgreementWithDetails struct {
	EscrowAgreement
	DepositorProfileID   uuid.UUID `json:"depositor_profile_id"`
	BeneficiaryProfileID uuid.UUID `json:"beneficiary_profile_id"`
	DepositorName        string    `json:"depositor_name"`
	BeneficiaryName      string    `json:"beneficiary_name"`
	TransactionAmount    float64   `json:"transaction_amount"`
	TransactionCurrency  string    `json:"transaction_currency"`
	TransactionStatus    string    `json:"transaction_status"`
}

// AgreementParties identifies the two profiles involved in an agreement. The
// listener resolves this for every incoming event to filter out spectators.
type AgreementParties struct {
	AgreementID          uuid.UUID
	DepositorWalletID    uuid.UUID
	BeneficiaryWalletID  uuid.UUID
	DepositorProfileID   uuid.UUID
	BeneficiaryProfileID uuid.UUID
}

// Includes reports whether the given profile is a party to the agreement.
func (p AgreementParties) Includes(profileID uuid.UUID) bool {
	return profileID == p.DepositorProfileID || profileID == p.BeneficiaryProfileID
}

// CreateAgreementPayload is the DTO for creating a new escrow agreement once
// terms have been extracted and a beneficiary chosen.
type CreateAgreementPayload struct {
	BeneficiaryWalletID uuid.UUID `json:"beneficiary_wallet_id"`
	Terms               Terms     `json:"terms"`
}
