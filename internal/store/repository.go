/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the escrow-service. By defining an interface,
 * we decouple the coordinator's business logic from the specific database
 * implementation (PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context: Standard Go library.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/trustlock/escrow-service/internal/domain"
)

// Sentinel errors returned by repository implementations. Callers match on
// these with errors.Is to map store failures to API responses.
var (
	ErrProfileNotFound     = errors.New("profile not found")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrAgreementNotFound   = errors.New("escrow agreement not found")
	ErrTransactionNotFound = errors.New("transaction not found")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Profile and wallet methods
	FindProfileIDByAuthUserID(ctx context.Context, authUserID string) (uuid.UUID, error)
	FindWalletByID(ctx context.Context, walletID uuid.UUID) (*domain.Wallet, error)
	FindWalletByProfileID(ctx context.Context, profileID uuid.UUID) (*domain.Wallet, error)
	// UpdateWalletBalance replaces the cached balance wholesale. The cache is
	// advisory display state; the transaction ledger stays authoritative.
	UpdateWalletBalance(ctx context.Context, walletID uuid.UUID, balance float64) error

	// Agreement methods
	CreateAgreement(ctx context.Context, agreement *domain.EscrowAgreement) error
	FindAgreementByID(ctx context.Context, agreementID uuid.UUID) (*domain.EscrowAgreement, error)
	FindAgreementParties(ctx context.Context, agreementID uuid.UUID) (*domain.AgreementParties, error)
	ListAgreementsForProfile(ctx context.Context, profileID uuid.UUID) ([]domain.AgreementWithDetails, error)
	SetAgreementContractID(ctx context.Context, agreementID uuid.UUID, circleContractID string) error
	// UpdateAgreementStatusIf performs the conditional status write that is the
	// serialization point for the whole state machine: the row is updated only
	// when its current status matches `from`. A false return means the
	// transition already happened (duplicate event) and must be a no-op.
	UpdateAgreementStatusIf(ctx context.Context, agreementID uuid.UUID, from, to string) (bool, error)
	// DeleteAgreement hard-deletes an agreement, permitted only while it is
	// still INITIATED with no deployed contract. Returns false when the
	// agreement no longer satisfies those conditions.
	DeleteAgreement(ctx context.Context, agreementID uuid.UUID) (bool, error)

	// Transaction methods. The transactions table is an append-only audit
	// trail: rows are created when an action is initiated and never deleted.
	CreateTransaction(ctx context.Context, txn *domain.Transaction) error
	FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error)
	FindTransactionByCircleTransactionID(ctx context.Context, circleTransactionID string) (*domain.Transaction, error)
	ListTransactionsByAgreement(ctx context.Context, agreementID uuid.UUID) ([]domain.Transaction, error)
	ListTransactionsByWallet(ctx context.Context, walletID uuid.UUID) ([]domain.Transaction, error)
	AttachCircleTransactionID(ctx context.Context, transactionID uuid.UUID, circleTransactionID string) error
	// HasInFlightTransaction reports whether the agreement already has a
	// pending platform call of the given type (status PENDING with a platform
	// transaction id attached). Guards against double-issuing the same
	// logical action.
	HasInFlightTransaction(ctx context.Context, agreementID uuid.UUID, transactionType string) (bool, error)
	// MarkTransactionComplete / MarkTransactionFailed move a transaction out
	// of PENDING. Both are conditional on the current status so duplicate
	// deliveries match zero rows and return false.
	MarkTransactionComplete(ctx context.Context, transactionID uuid.UUID) (bool, error)
	MarkTransactionFailed(ctx context.Context, transactionID uuid.UUID, failureReason string) (bool, error)
}
