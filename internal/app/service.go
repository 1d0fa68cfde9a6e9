/**
 * @description
 * This file contains the core business logic for the escrow-service. The
 * `Service` struct orchestrates the escrow agreement lifecycle, coordinating
 * between the database repository, the Circle smart-contract platform, the
 * document intelligence collaborator, object storage, and the message broker.
 *
 * Key features:
 * - Implements the main use cases: agreement creation, contract deployment,
 *   funding, work submission, and cancellation.
 * - Every fund or contract movement is recorded in the append-only
 *   `transactions` table before the platform call is made.
 * - Status transitions beyond PENDING are never applied here; they belong to
 *   the event listener, which owns the idempotent transition table.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - golang.org/x/sync/errgroup: Concurrent platform/database lookups.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/circleclient, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/trustlock/escrow-service/internal/domain"
	"github.com/trustlock/escrow-service/internal/store"
	"github.com/trustlock/escrow-service/pkg/circleclient"
	"github.com/trustlock/escrow-service/pkg/rabbitmq"
)

// Sentinel errors surfaced to the API layer. Handlers match on these with
// errors.Is to choose a status code.
var (
	ErrNotAParty          = errors.New("profile is not a party to this agreement")
	ErrNotDepositor       = errors.New("only the depositor may perform this action")
	ErrNotBeneficiary     = errors.New("only the beneficiary may perform this action")
	ErrInvalidAgreement   = errors.New("agreement terms are invalid")
	ErrWrongStatus        = errors.New("agreement status does not permit this action")
	ErrActionInFlight     = errors.New("a platform call for this action is already in flight")
	ErrCancelNotAllowed   = errors.New("agreement can no longer be cancelled")
	ErrNoContract         = errors.New("agreement has no deployed contract")
	ErrPollTimeout        = errors.New("transaction did not reach a final state in time")
	ErrCollaboratorFailed = errors.New("platform collaborator call failed")
)

// PlatformClient is the surface of the Circle Web3 client the service uses.
type PlatformClient interface {
	DeployEscrowContract(ctx context.Context, templateID, walletID, blockchain, depositorAddress string, templateParameters map[string]interface{}) (*circleclient.DeployContractResponse, error)
	ExecuteContractFunction(ctx context.Context, contractAddress, walletID, abiFunctionSignature string, abiParameters []interface{}) (*circleclient.ContractExecutionResponse, error)
	GetTransaction(ctx context.Context, transactionID string) (*circleclient.TransactionInfo, error)
	GetContract(ctx context.Context, contractID string) (*circleclient.ContractInfo, error)
	GetWalletBalance(ctx context.Context, circleWalletID string) ([]circleclient.TokenBalance, error)
}

// IntelligenceClient is the surface of the document intelligence collaborator.
type IntelligenceClient interface {
	CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	CompleteJSONWithImage(ctx context.Context, systemPrompt, userPrompt string, imageData []byte, imageContentType string) (string, error)
}

// ObjectArchiver stores submitted documents and work images.
type ObjectArchiver interface {
	Upload(ctx context.Context, objectPath, contentType string, data []byte) (string, error)
	PublicURL(objectPath string) string
}

// Config carries the platform constants the service needs at runtime.
type Config struct {
	ContractTemplateID string
	Blockchain         string
	USDCTokenAddress   string
}

// Service provides the core business logic for escrow agreements.
type Service struct {
	repo          store.Repository
	platform      PlatformClient
	intelligence  IntelligenceClient
	archiver      ObjectArchiver
	eventProducer rabbitmq.Publisher
	cfg           Config
}

// NewService creates a new escrow service instance.
func NewService(repo store.Repository, platform PlatformClient, intelligence IntelligenceClient, archiver ObjectArchiver, producer rabbitmq.Publisher, cfg Config) *Service {
	return &Service{
		repo:          repo,
		platform:      platform,
		intelligence:  intelligence,
		archiver:      archiver,
		eventProducer: producer,
		cfg:           cfg,
	}
}

// ResolveInternalProfileID converts an auth provider subject id from a
// validated JWT into the internal profile UUID used by the database.
func (s *Service) ResolveInternalProfileID(ctx context.Context, authUserID string) (uuid.UUID, error) {
	return s.repo.FindProfileIDByAuthUserID(ctx, authUserID)
}

// CreateAgreement validates the extracted terms and inserts a new agreement
// in INITIATED status, together with the primary deposit transaction record
// that summarizes the escrowed amount.
func (s *Service) CreateAgreement(ctx context.Context, profileID uuid.UUID, payload domain.CreateAgreementPayload) (*domain.EscrowAgreement, error) {
	if err := validateTerms(payload.Terms); err != nil {
		return nil, err
	}

	depositorWallet, err := s.repo.FindWalletByProfileID(ctx, profileID)
	if err != nil {
		return nil, fmt.Errorf("failed to find depositor wallet: %w", err)
	}
	beneficiaryWallet, err := s.repo.FindWalletByID(ctx, payload.BeneficiaryWalletID)
	if err != nil {
		return nil, fmt.Errorf("failed to find beneficiary wallet: %w", err)
	}
	if beneficiaryWallet.ID == depositorWallet.ID {
		return nil, fmt.Errorf("%w: depositor and beneficiary must differ", ErrInvalidAgreement)
	}

	amount, err := ParseAmount(payload.Terms.Amounts[0].Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAgreement, err)
	}
	// Parenthesized (negative) amounts are valid terms data but cannot fund
	// an escrow.
	if amount <= 0 {
		return nil, fmt.Errorf("%w: escrow amount %q must be positive", ErrInvalidAgreement, payload.Terms.Amounts[0].Amount)
	}

	agreementID := uuid.New()
	txn := &domain.Transaction{
		ID:                uuid.New(),
		WalletID:          depositorWallet.ID,
		ProfileID:         profileID,
		EscrowAgreementID: agreementID,
		TransactionType:   domain.TransactionTypeFundsDeposit,
		Status:            domain.TransactionStatusPending,
		Amount:            amount,
		Currency:          "USDC",
		Description:       "Escrow deposit for agreement " + agreementID.String(),
	}
	if err := s.repo.CreateTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("failed to create deposit transaction record: %w", err)
	}

	agreement := &domain.EscrowAgreement{
		ID:                  agreementID,
		DepositorWalletID:   depositorWallet.ID,
		BeneficiaryWalletID: beneficiaryWallet.ID,
		TransactionID:       txn.ID,
		Status:              domain.AgreementStatusInitiated,
		Terms:               payload.Terms,
	}
	if err := s.repo.CreateAgreement(ctx, agreement); err != nil {
		return nil, fmt.Errorf("failed to create agreement: %w", err)
	}

	if err := s.eventProducer.PublishAgreementCreatedEvent(ctx, domain.AgreementCreatedEvent{
		AgreementID:         agreement.ID,
		DepositorWalletID:   agreement.DepositorWalletID,
		BeneficiaryWalletID: agreement.BeneficiaryWalletID,
		OccurredAt:          time.Now().UTC(),
	}); err != nil {
		log.Printf("level=warn component=escrow_service op=create_agreement agreement_id=%s msg=\"failed to publish created event\" err=%v", agreement.ID, err)
	}

	log.Printf("level=info component=escrow_service op=create_agreement agreement_id=%s depositor_wallet=%s beneficiary_wallet=%s amount=%.2f", agreement.ID, depositorWallet.ID, beneficiaryWallet.ID, amount)
	return agreement, nil
}

// validateTerms rejects terms that cannot produce a fundable, judgeable
// agreement: every amount must parse and at least one task must be assigned
// to the beneficiary role.
func validateTerms(terms domain.Terms) error {
	if len(terms.Amounts) == 0 {
		return fmt.Errorf("%w: no amounts extracted", ErrInvalidAgreement)
	}
	for _, a := range terms.Amounts {
		if _, err := ParseAmount(a.Amount); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidAgreement, err)
		}
	}
	hasBeneficiaryTask := false
	for _, t := range terms.Tasks {
		if t.ResponsibleParty == domain.ResponsiblePartyBeneficiary {
			hasBeneficiaryTask = true
			break
		}
	}
	if !hasBeneficiaryTask {
		return fmt.Errorf("%w: no task assigned to %s", ErrInvalidAgreement, domain.ResponsiblePartyBeneficiary)
	}
	return nil
}

// DeployContract deploys the escrow smart contract for an INITIATED
// agreement. Only the depositor may deploy. The agreement stays INITIATED
// until the listener observes the deployment transaction complete.
func (s *Service) DeployContract(ctx context.Context, profileID, agreementID uuid.UUID) (*domain.Transaction, error) {
	agreement, err := s.repo.FindAgreementByID(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	if agreement.Status != domain.AgreementStatusInitiated {
		return nil, fmt.Errorf("%w: status is %s", ErrWrongStatus, agreement.Status)
	}

	inFlight, err := s.repo.HasInFlightTransaction(ctx, agreementID, domain.TransactionTypeEscrowDeploy)
	if err != nil {
		return nil, fmt.Errorf("failed to check in-flight deployments: %w", err)
	}
	if inFlight {
		return nil, ErrActionInFlight
	}

	var depositorWallet, beneficiaryWallet *domain.Wallet
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		depositorWallet, err = s.repo.FindWalletByID(gctx, agreement.DepositorWalletID)
		return err
	})
	g.Go(func() error {
		var err error
		beneficiaryWallet, err = s.repo.FindWalletByID(gctx, agreement.BeneficiaryWalletID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to resolve party wallets: %w", err)
	}
	if depositorWallet.ProfileID != profileID {
		return nil, ErrNotDepositor
	}

	primary, err := s.repo.FindTransactionByID(ctx, agreement.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load primary transaction: %w", err)
	}
	units := ContractUnits(primary.Amount)

	deployResp, err := s.platform.DeployEscrowContract(ctx, s.cfg.ContractTemplateID, depositorWallet.CircleWalletID, s.cfg.Blockchain, depositorWallet.WalletAddress, map[string]interface{}{
		"depositor":   depositorWallet.WalletAddress,
		"beneficiary": beneficiaryWallet.WalletAddress,
		"token":       s.cfg.USDCTokenAddress,
		"amount":      strconv.FormatInt(units, 10),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCollaboratorFailed, err)
	}

	if err := s.repo.SetAgreementContractID(ctx, agreementID, deployResp.Data.ContractIDs[0]); err != nil {
		return nil, fmt.Errorf("failed to persist contract id: %w", err)
	}

	circleTxnID := deployResp.Data.TransactionID
	txn := &domain.Transaction{
		ID:                  uuid.New(),
		WalletID:            depositorWallet.ID,
		ProfileID:           profileID,
		EscrowAgreementID:   agreementID,
		CircleTransactionID: &circleTxnID,
		TransactionType:     domain.TransactionTypeEscrowDeploy,
		Status:              domain.TransactionStatusPending,
		Amount:              primary.Amount,
		Currency:            "USDC",
		Description:         "Escrow contract deployment for agreement " + agreementID.String(),
	}
	if err := s.repo.CreateTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("failed to create deployment transaction record: %w", err)
	}

	log.Printf("level=info component=escrow_service op=deploy_contract agreement_id=%s contract_id=%s circle_txn=%s", agreementID, deployResp.Data.ContractIDs[0], circleTxnID)
	return txn, nil
}

// resolveContractAddress fetches the deployed contract record and recovers
// the on-chain address from its name.
func (s *Service) resolveContractAddress(ctx context.Context, agreement *domain.EscrowAgreement) (string, error) {
	if agreement.CircleContractID == nil {
		return "", ErrNoContract
	}
	contract, err := s.platform.GetContract(ctx, *agreement.CircleContractID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCollaboratorFailed, err)
	}
	if contract.ContractAddress != "" {
		return contract.ContractAddress, nil
	}
	if addr := circleclient.AddressFromContractName(contract.Name); addr != "" {
		return addr, nil
	}
	return "", fmt.Errorf("contract %s has no resolvable address", *agreement.CircleContractID)
}

// InitiateDeposit approves the token spend and calls deposit() on the escrow
// contract. The agreement moves OPEN -> PENDING; the listener moves it to
// LOCKED when the deposit confirms, or back to OPEN when it fails.
func (s *Service) InitiateDeposit(ctx context.Context, profileID, agreementID uuid.UUID) (*domain.Transaction, error) {
	agreement, err := s.repo.FindAgreementByID(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	if agreement.Status != domain.AgreementStatusOpen {
		return nil, fmt.Errorf("%w: status is %s", ErrWrongStatus, agreement.Status)
	}

	inFlight, err := s.repo.HasInFlightTransaction(ctx, agreementID, domain.TransactionTypeFundsDeposit)
	if err != nil {
		return nil, fmt.Errorf("failed to check in-flight deposits: %w", err)
	}
	if inFlight {
		return nil, ErrActionInFlight
	}

	depositorWallet, err := s.repo.FindWalletByID(ctx, agreement.DepositorWalletID)
	if err != nil {
		return nil, fmt.Errorf("failed to find depositor wallet: %w", err)
	}
	if depositorWallet.ProfileID != profileID {
		return nil, ErrNotDepositor
	}

	var contractAddress string
	var primary *domain.Transaction
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		contractAddress, err = s.resolveContractAddress(gctx, agreement)
		return err
	})
	g.Go(func() error {
		var err error
		primary, err = s.repo.FindTransactionByID(gctx, agreement.TransactionID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	units := ContractUnits(primary.Amount)

	// Approve the escrow contract to pull the tokens, then trigger the pull.
	approveResp, err := s.platform.ExecuteContractFunction(ctx, s.cfg.USDCTokenAddress, depositorWallet.CircleWalletID,
		"approve(address,uint256)", []interface{}{contractAddress, strconv.FormatInt(units, 10)})
	if err != nil {
		return nil, fmt.Errorf("%w: token approval: %v", ErrCollaboratorFailed, err)
	}
	approveTxnID := approveResp.Data.ID
	approveTxn := &domain.Transaction{
		ID:                  uuid.New(),
		WalletID:            depositorWallet.ID,
		ProfileID:           profileID,
		EscrowAgreementID:   agreementID,
		CircleTransactionID: &approveTxnID,
		TransactionType:     domain.TransactionTypeDepositApproval,
		Status:              domain.TransactionStatusPending,
		Amount:              primary.Amount,
		Currency:            "USDC",
		Description:         "Token approval for agreement " + agreementID.String(),
	}
	if err := s.repo.CreateTransaction(ctx, approveTxn); err != nil {
		return nil, fmt.Errorf("failed to create approval transaction record: %w", err)
	}

	depositResp, err := s.platform.ExecuteContractFunction(ctx, contractAddress, depositorWallet.CircleWalletID,
		"deposit()", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: deposit call: %v", ErrCollaboratorFailed, err)
	}

	// A failed attempt keeps its ledger row untouched: every retry of the
	// platform call gets a fresh FUNDS_DEPOSIT record.
	circleDepositID := depositResp.Data.ID
	depositTxn := primary
	if primary.IsTerminal() {
		depositTxn = &domain.Transaction{
			ID:                  uuid.New(),
			WalletID:            depositorWallet.ID,
			ProfileID:           profileID,
			EscrowAgreementID:   agreementID,
			CircleTransactionID: &circleDepositID,
			TransactionType:     domain.TransactionTypeFundsDeposit,
			Status:              domain.TransactionStatusPending,
			Amount:              primary.Amount,
			Currency:            "USDC",
			Description:         "Escrow deposit retry for agreement " + agreementID.String(),
		}
		if err := s.repo.CreateTransaction(ctx, depositTxn); err != nil {
			return nil, fmt.Errorf("failed to create deposit transaction record: %w", err)
		}
	} else {
		if err := s.repo.AttachCircleTransactionID(ctx, primary.ID, circleDepositID); err != nil {
			return nil, fmt.Errorf("failed to attach deposit transaction id: %w", err)
		}
		depositTxn.CircleTransactionID = &circleDepositID
	}

	moved, err := s.repo.UpdateAgreementStatusIf(ctx, agreementID, domain.AgreementStatusOpen, domain.AgreementStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to move agreement to pending: %w", err)
	}
	if !moved {
		log.Printf("level=warn component=escrow_service op=initiate_deposit agreement_id=%s msg=\"agreement left OPEN before pending transition\"", agreementID)
	}

	log.Printf("level=info component=escrow_service op=initiate_deposit agreement_id=%s circle_txn=%s amount_units=%d", agreementID, circleDepositID, units)
	return depositTxn, nil
}

// CancelAgreement removes an agreement that has not yet deployed a contract.
// Only the depositor may cancel, and only while the agreement is still
// INITIATED.
func (s *Service) CancelAgreement(ctx context.Context, profileID, agreementID uuid.UUID) error {
	parties, err := s.repo.FindAgreementParties(ctx, agreementID)
	if err != nil {
		return err
	}
	if !parties.Includes(profileID) {
		return ErrNotAParty
	}
	if parties.DepositorProfileID != profileID {
		return ErrNotDepositor
	}

	deleted, err := s.repo.DeleteAgreement(ctx, agreementID)
	if err != nil {
		return fmt.Errorf("failed to delete agreement: %w", err)
	}
	if !deleted {
		return ErrCancelNotAllowed
	}
	log.Printf("level=info component=escrow_service op=cancel_agreement agreement_id=%s profile_id=%s", agreementID, profileID)
	return nil
}

// GetAgreements lists all agreements the profile participates in, with
// counterparty names and the primary transaction summary.
func (s *Service) GetAgreements(ctx context.Context, profileID uuid.UUID) ([]domain.AgreementWithDetails, error) {
	return s.repo.ListAgreementsForProfile(ctx, profileID)
}

// GetAgreement fetches a single agreement, restricted to its parties.
func (s *Service) GetAgreement(ctx context.Context, profileID, agreementID uuid.UUID) (*domain.EscrowAgreement, error) {
	parties, err := s.repo.FindAgreementParties(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	if !parties.Includes(profileID) {
		return nil, ErrNotAParty
	}
	return s.repo.FindAgreementByID(ctx, agreementID)
}

// ListTransactions returns the transaction history for the profile's wallet.
func (s *Service) ListTransactions(ctx context.Context, profileID uuid.UUID) ([]domain.Transaction, error) {
	wallet, err := s.repo.FindWalletByProfileID(ctx, profileID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListTransactionsByWallet(ctx, wallet.ID)
}

// usdcBalance extracts the USDC entry from a platform balance listing. A
// wallet with no USDC token balance is simply empty.
func usdcBalance(balances []circleclient.TokenBalance) (float64, error) {
	for _, tb := range balances {
		if tb.Token.Symbol != "USDC" {
			continue
		}
		amount, err := strconv.ParseFloat(tb.Amount, 64)
		if err != nil {
			return 0, fmt.Errorf("unparsable USDC balance %q", tb.Amount)
		}
		return amount, nil
	}
	return 0, nil
}

// SyncWalletBalance fetches the wallet's USDC balance from the platform and
// replaces the cached balance wholesale.
func (s *Service) SyncWalletBalance(ctx context.Context, profileID uuid.UUID) (*domain.Wallet, error) {
	wallet, err := s.repo.FindWalletByProfileID(ctx, profileID)
	if err != nil {
		return nil, err
	}

	balances, err := s.platform.GetWalletBalance(ctx, wallet.CircleWalletID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCollaboratorFailed, err)
	}

	usdc, err := usdcBalance(balances)
	if err != nil {
		return nil, fmt.Errorf("wallet %s: %w", wallet.ID, err)
	}

	if err := s.repo.UpdateWalletBalance(ctx, wallet.ID, usdc); err != nil {
		return nil, fmt.Errorf("failed to update cached balance: %w", err)
	}
	wallet.Balance = usdc
	log.Printf("level=info component=escrow_service op=sync_wallet_balance wallet_id=%s balance=%.6f", wallet.ID, usdc)
	return wallet, nil
}

// Polling fallback parameters: webhook delivery normally wins, but when it
// is delayed the caller can poll the platform directly.
const (
	pollAttempts = 10
	pollInterval = time.Second
)

// WaitForTransactionState polls the platform until the transaction reaches a
// terminal state or attempts run out. A terminal observation is published as
// a status event so it funnels through the same listener apply path as
// webhook deliveries.
func (s *Service) WaitForTransactionState(ctx context.Context, transactionID uuid.UUID) (string, error) {
	txn, err := s.repo.FindTransactionByID(ctx, transactionID)
	if err != nil {
		return "", err
	}
	if txn.IsTerminal() {
		return txn.Status, nil
	}
	if txn.CircleTransactionID == nil {
		return "", fmt.Errorf("transaction %s has no platform transaction id to poll", transactionID)
	}

	for attempt := 1; attempt <= pollAttempts; attempt++ {
		info, err := s.platform.GetTransaction(ctx, *txn.CircleTransactionID)
		if err != nil {
			log.Printf("level=warn component=escrow_service op=poll_transaction transaction_id=%s attempt=%d err=%v", transactionID, attempt, err)
		} else {
			status := NormalizePlatformState(info.State)
			if status != domain.TransactionStatusPending {
				event := domain.TransactionStatusEvent{
					EventID:             uuid.NewString(),
					TransactionID:       txn.ID,
					CircleTransactionID: *txn.CircleTransactionID,
					TransactionType:     txn.TransactionType,
					OldStatus:           txn.Status,
					Status:              status,
					ErrorReason:         info.ErrorReason,
					OccurredAt:          time.Now().UTC(),
				}
				if err := s.eventProducer.PublishTransactionStatusEvent(ctx, event); err != nil {
					log.Printf("level=error component=escrow_service op=poll_transaction transaction_id=%s msg=\"failed to publish status event\" err=%v", transactionID, err)
				}
				return status, nil
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return "", ErrPollTimeout
}

// NormalizePlatformState maps Circle transaction states onto the internal
// transaction statuses. CONFIRMED and COMPLETE are success synonyms;
// CANCELLED and DENIED count as failures; everything else is still pending.
func NormalizePlatformState(state string) string {
	switch state {
	case circleclient.TxStateConfirmed, circleclient.TxStateComplete, "COMPLETED":
		return domain.TransactionStatusComplete
	case circleclient.TxStateFailed, circleclient.TxStateCancelled, circleclient.TxStateDenied:
		return domain.TransactionStatusFailed
	default:
		return domain.TransactionStatusPending
	}
}

// ReplayAgreementStatus walks the agreement's transaction ledger in creation
// order and re-applies every terminal transaction through the transition
// table. Because every transition is conditional, replay is a no-op for
// agreements already in the right state.
func (s *Service) ReplayAgreementStatus(ctx context.Context, agreementID uuid.UUID) (string, error) {
	agreement, err := s.repo.FindAgreementByID(ctx, agreementID)
	if err != nil {
		return "", err
	}

	txns, err := s.repo.ListTransactionsByAgreement(ctx, agreementID)
	if err != nil {
		return "", fmt.Errorf("failed to list transactions: %w", err)
	}

	for _, txn := range txns {
		if !txn.IsTerminal() {
			continue
		}
		transition, ok := TransitionFor(txn.TransactionType, txn.Status)
		if !ok {
			continue
		}
		applied, err := s.repo.UpdateAgreementStatusIf(ctx, agreementID, transition.From, transition.To)
		if err != nil {
			return "", fmt.Errorf("failed to apply transition %s->%s: %w", transition.From, transition.To, err)
		}
		if applied {
			log.Printf("level=info component=escrow_service op=replay_status agreement_id=%s from=%s to=%s txn_type=%s", agreementID, transition.From, transition.To, txn.TransactionType)
		}
	}

	replayed, err := s.repo.FindAgreementByID(ctx, agreementID)
	if err != nil {
		return "", err
	}
	if replayed.Status != agreement.Status {
		log.Printf("level=info component=escrow_service op=replay_status agreement_id=%s old_status=%s new_status=%s", agreementID, agreement.Status, replayed.Status)
	}
	return replayed.Status, nil
}
