/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the SQL queries to interact with the database tables related
 * to profiles, wallets, escrow agreements, and transactions.
 *
 * Key features:
 * - Conditional status updates: agreement and transaction status writes are
 *   guarded by the expected current status, which is the serialization point
 *   that makes duplicate event delivery a natural no-op.
 * - The transactions table is treated as append-only; nothing here deletes
 *   a transaction row.
 *
 * @dependencies
 * - context, encoding/json, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/trustlock/escrow-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindProfileIDByAuthUserID resolves the internal profile UUID from the auth
// provider's subject id carried in validated JWTs.
func (r *PostgresRepository) FindProfileIDByAuthUserID(ctx context.Context, authUserID string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx, "SELECT id FROM profiles WHERE auth_user_id = $1", authUserID).Scan(&id)
	if err != nil {
		if err == pgx.ErrNoRows {
			return uuid.Nil, ErrProfileNotFound
		}
		return uuid.Nil, err
	}
	return id, nil
}

const walletColumns = `id, profile_id, circle_wallet_id, wallet_address, blockchain, balance, currency, updated_at`

func scanWallet(row pgx.Row) (*domain.Wallet, error) {
	var wallet domain.Wallet
	err := row.Scan(
		&wallet.ID,
		&wallet.ProfileID,
		&wallet.CircleWalletID,
		&wallet.WalletAddress,
		&wallet.Blockchain,
		&wallet.Balance,
		&wallet.Currency,
		&wallet.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

// FindWalletByID retrieves a wallet by its ID.
func (r *PostgresRepository) FindWalletByID(ctx context.Context, walletID uuid.UUID) (*domain.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE id = $1`
	return scanWallet(r.db.QueryRow(ctx, query, walletID))
}

// FindWalletByProfileID retrieves the wallet owned by the given profile.
func (r *PostgresRepository) FindWalletByProfileID(ctx context.Context, profileID uuid.UUID) (*domain.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE profile_id = $1`
	return scanWallet(r.db.QueryRow(ctx, query, profileID))
}

// UpdateWalletBalance replaces the cached balance for a wallet. Last writer
// wins: the cache is advisory display state, not the record of truth.
func (r *PostgresRepository) UpdateWalletBalance(ctx context.Context, walletID uuid.UUID, balance float64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE wallets SET balance = $1, updated_at = NOW() WHERE id = $2`,
		balance, walletID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrWalletNotFound
	}
	return nil
}

// CreateAgreement inserts a new escrow agreement row.
func (r *PostgresRepository) CreateAgreement(ctx context.Context, agreement *domain.EscrowAgreement) error {
	termsJSON, err := json.Marshal(agreement.Terms)
	if err != nil {
		return fmt.Errorf("failed to marshal agreement terms: %w", err)
	}

	query := `
		INSERT INTO escrow_agreements (id, depositor_wallet_id, beneficiary_wallet_id, transaction_id, status, terms, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		agreement.ID,
		agreement.DepositorWalletID,
		agreement.BeneficiaryWalletID,
		agreement.TransactionID,
		agreement.Status,
		termsJSON,
	).Scan(&agreement.CreatedAt, &agreement.UpdatedAt)
}

const agreementColumns = `id, depositor_wallet_id, beneficiary_wallet_id, transaction_id, circle_contract_id, status, terms, created_at, updated_at`

func scanAgreement(row pgx.Row) (*domain.EscrowAgreement, error) {
	var agreement domain.EscrowAgreement
	var termsJSON []byte
	err := row.Scan(
		&agreement.ID,
		&agreement.DepositorWalletID,
		&agreement.BeneficiaryWalletID,
		&agreement.TransactionID,
		&agreement.CircleContractID,
		&agreement.Status,
		&termsJSON,
		&agreement.CreatedAt,
		&agreement.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAgreementNotFound
		}
		return nil, err
	}
	if len(termsJSON) > 0 {
		if err := json.Unmarshal(termsJSON, &agreement.Terms); err != nil {
			return nil, fmt.Errorf("failed to unmarshal agreement terms: %w", err)
		}
	}
	return &agreement, nil
}

// FindAgreementByID retrieves an escrow agreement by its ID.
func (r *PostgresRepository) FindAgreementByID(ctx context.Context, agreementID uuid.UUID) (*domain.EscrowAgreement, error) {
	query := `SELECT ` + agreementColumns + ` FROM escrow_agreements WHERE id = $1`
	return scanAgreement(r.db.QueryRow(ctx, query, agreementID))
}

// FindAgreementParties resolves the wallet and profile ids of both parties to
// an agreement. The listener runs this for every incoming event.
func (r *PostgresRepository) FindAgreementParties(ctx context.Context, agreementID uuid.UUID) (*domain.AgreementParties, error) {
	var parties domain.AgreementParties
	query := `
		SELECT a.id, a.depositor_wallet_id, a.beneficiary_wallet_id, dw.profile_id, bw.profile_id
		FROM escrow_agreements a
		JOIN wallets dw ON dw.id = a.depositor_wallet_id
		JOIN wallets bw ON bw.id = a.beneficiary_wallet_id
		WHERE a.id = $1
	`
	err := r.db.QueryRow(ctx, query, agreementID).Scan(
		&parties.AgreementID,
		&parties.DepositorWalletID,
		&parties.BeneficiaryWalletID,
		&parties.DepositorProfileID,
		&parties.BeneficiaryProfileID,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAgreementNotFound
		}
		return nil, err
	}
	return &parties, nil
}

// ListAgreementsForProfile returns every agreement where the profile's wallet
// is either the depositor or the beneficiary, decorated with the counterparty
// names and the primary transaction summary.
func (r *PostgresRepository) ListAgreementsForProfile(ctx context.Context, profileID uuid.UUID) ([]domain.AgreementWithDetails, error) {
	query := `
		SELECT a.id, a.depositor_wallet_id, a.beneficiary_wallet_id, a.transaction_id, a.circle_contract_id,
		       a.status, a.terms, a.created_at, a.updated_at,
		       dw.profile_id, bw.profile_id, dp.name, bp.name,
		       t.amount, t.currency, t.status
		FROM escrow_agreements a
		JOIN wallets dw ON dw.id = a.depositor_wallet_id
		JOIN wallets bw ON bw.id = a.beneficiary_wallet_id
		JOIN profiles dp ON dp.id = dw.profile_id
		JOIN profiles bp ON bp.id = bw.profile_id
		JOIN transactions t ON t.id = a.transaction_id
		WHERE dw.profile_id = $1 OR bw.profile_id = $1
		ORDER BY a.created_at DESC
	`
	rows, err := r.db.Query(ctx, query, profileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agreements []domain.AgreementWithDetails
	for rows.Next() {
		var item domain.AgreementWithDetails
		var termsJSON []byte
		err := rows.Scan(
			&item.ID,
			&item.DepositorWalletID,
			&item.BeneficiaryWalletID,
			&item.TransactionID,
			&item.CircleContractID,
			&item.Status,
			&termsJSON,
			&item.CreatedAt,
			&item.UpdatedAt,
			&item.DepositorProfileID,
			&item.BeneficiaryProfileID,
			&item.DepositorName,
			&item.BeneficiaryName,
			&item.TransactionAmount,
			&item.TransactionCurrency,
			&item.TransactionStatus,
		)
		if err != nil {
			return nil, err
		}
		if len(termsJSON) > 0 {
			if err := json.Unmarshal(termsJSON, &item.Terms); err != nil {
				return nil, fmt.Errorf("failed to unmarshal agreement terms: %w", err)
			}
		}
		agreements = append(agreements, item)
	}
	return agreements, rows.Err()
}

// SetAgreementContractID persists the platform's smart-contract identifier
// after a deployment call returns.
func (r *PostgresRepository) SetAgreementContractID(ctx context.Context, agreementID uuid.UUID, circleContractID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE escrow_agreements SET circle_contract_id = $1, updated_at = NOW() WHERE id = $2`,
		circleContractID, agreementID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAgreementNotFound
	}
	return nil
}

// UpdateAgreementStatusIf moves an agreement from one status to another only
// when the row still holds the expected current status. Zero affected rows
// means the transition has already been applied by another delivery.
func (r *PostgresRepository) UpdateAgreementStatusIf(ctx context.Context, agreementID uuid.UUID, from, to string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE escrow_agreements SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`,
		to, agreementID, from,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteAgreement hard-deletes an agreement that is still in its initial
// pre-deployment state. The predicate guards against deleting anything a
// contract has already been deployed for.
func (r *PostgresRepository) DeleteAgreement(ctx context.Context, agreementID uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM escrow_agreements WHERE id = $1 AND status = $2 AND circle_contract_id IS NULL`,
		agreementID, domain.AgreementStatusInitiated,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CreateTransaction inserts a new transaction record. Transactions are
// created the moment an action is initiated, before the platform confirms it.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, txn *domain.Transaction) error {
	query := `
		INSERT INTO transactions (id, wallet_id, profile_id, escrow_agreement_id, circle_transaction_id,
		                          transaction_type, status, amount, currency, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		txn.ID,
		txn.WalletID,
		txn.ProfileID,
		txn.EscrowAgreementID,
		txn.CircleTransactionID,
		txn.TransactionType,
		txn.Status,
		txn.Amount,
		txn.Currency,
		txn.Description,
	).Scan(&txn.CreatedAt, &txn.UpdatedAt)
}

const transactionColumns = `id, wallet_id, profile_id, escrow_agreement_id, circle_transaction_id, transaction_type, status, failure_reason, amount, currency, description, created_at, updated_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var txn domain.Transaction
	err := row.Scan(
		&txn.ID,
		&txn.WalletID,
		&txn.ProfileID,
		&txn.EscrowAgreementID,
		&txn.CircleTransactionID,
		&txn.TransactionType,
		&txn.Status,
		&txn.FailureReason,
		&txn.Amount,
		&txn.Currency,
		&txn.Description,
		&txn.CreatedAt,
		&txn.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &txn, nil
}

// FindTransactionByID retrieves a transaction by its ID.
func (r *PostgresRepository) FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	return scanTransaction(r.db.QueryRow(ctx, query, transactionID))
}

// FindTransactionByCircleTransactionID retrieves the transaction holding the
// given platform transaction id.
func (r *PostgresRepository) FindTransactionByCircleTransactionID(ctx context.Context, circleTransactionID string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE circle_transaction_id = $1`
	return scanTransaction(r.db.QueryRow(ctx, query, circleTransactionID))
}

func (r *PostgresRepository) listTransactions(ctx context.Context, query string, arg any) ([]domain.Transaction, error) {
	rows, err := r.db.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []domain.Transaction
	for rows.Next() {
		var txn domain.Transaction
		err := rows.Scan(
			&txn.ID,
			&txn.WalletID,
			&txn.ProfileID,
			&txn.EscrowAgreementID,
			&txn.CircleTransactionID,
			&txn.TransactionType,
			&txn.Status,
			&txn.FailureReason,
			&txn.Amount,
			&txn.Currency,
			&txn.Description,
			&txn.CreatedAt,
			&txn.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, txn)
	}
	return transactions, rows.Err()
}

// ListTransactionsByAgreement returns the full audit trail for an agreement,
// oldest first, so replay walks the ledger in creation order.
func (r *PostgresRepository) ListTransactionsByAgreement(ctx context.Context, agreementID uuid.UUID) ([]domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE escrow_agreement_id = $1 ORDER BY created_at ASC`
	return r.listTransactions(ctx, query, agreementID)
}

// ListTransactionsByWallet returns the transaction history for a wallet,
// newest first.
func (r *PostgresRepository) ListTransactionsByWallet(ctx context.Context, walletID uuid.UUID) ([]domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE wallet_id = $1 ORDER BY created_at DESC`
	return r.listTransactions(ctx, query, walletID)
}

// AttachCircleTransactionID records the platform-assigned transaction id once
// the platform call has returned it.
func (r *PostgresRepository) AttachCircleTransactionID(ctx context.Context, transactionID uuid.UUID, circleTransactionID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE transactions SET circle_transaction_id = $1, updated_at = NOW() WHERE id = $2`,
		circleTransactionID, transactionID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// HasInFlightTransaction reports whether the agreement already has a pending
// platform call of the given type.
func (r *PostgresRepository) HasInFlightTransaction(ctx context.Context, agreementID uuid.UUID, transactionType string) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM transactions
			WHERE escrow_agreement_id = $1 AND transaction_type = $2
			  AND status = $3 AND circle_transaction_id IS NOT NULL
		)
	`
	err := r.db.QueryRow(ctx, query, agreementID, transactionType, domain.TransactionStatusPending).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// MarkTransactionComplete moves a pending transaction to COMPLETE. Returns
// false when the transaction already left PENDING (duplicate delivery).
func (r *PostgresRepository) MarkTransactionComplete(ctx context.Context, transactionID uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE transactions SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`,
		domain.TransactionStatusComplete, transactionID, domain.TransactionStatusPending,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkTransactionFailed moves a pending transaction to FAILED with a reason.
func (r *PostgresRepository) MarkTransactionFailed(ctx context.Context, transactionID uuid.UUID, failureReason string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE transactions SET status = $1, failure_reason = $2, updated_at = NOW() WHERE id = $3 AND status = $4`,
		domain.TransactionStatusFailed, failureReason, transactionID, domain.TransactionStatusPending,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
