package app

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/trustlock/escrow-service/internal/domain"
	"github.com/trustlock/escrow-service/internal/store"
	"github.com/trustlock/escrow-service/pkg/circleclient"
)

type serviceRepoStub struct {
	store.Repository

	wallets         map[uuid.UUID]*domain.Wallet
	walletByProfile map[uuid.UUID]*domain.Wallet
	agreement       *domain.EscrowAgreement
	parties         *domain.AgreementParties
	primary         *domain.Transaction

	inFlight bool

	createdTxns      []*domain.Transaction
	createdAgreement *domain.EscrowAgreement
	contractIDSet    string
	deleteAllowed    bool
	deleteCalled     bool
	balanceSet       float64
	balanceCalled    bool
}

func (s *serviceRepoStub) FindWalletByID(ctx context.Context, walletID uuid.UUID) (*domain.Wallet, error) {
	if w, ok := s.wallets[walletID]; ok {
		return w, nil
	}
	return nil, store.ErrWalletNotFound
}

func (s *serviceRepoStub) FindWalletByProfileID(ctx context.Context, profileID uuid.UUID) (*domain.Wallet, error) {
	if w, ok := s.walletByProfile[profileID]; ok {
		return w, nil
	}
	return nil, store.ErrWalletNotFound
}

func (s *serviceRepoStub) FindAgreementByID(ctx context.Context, agreementID uuid.UUID) (*domain.EscrowAgreement, error) {
	if s.agreement == nil {
		return nil, store.ErrAgreementNotFound
	}
	return s.agreement, nil
}

func (s *serviceRepoStub) FindAgreementParties(ctx context.Context, agreementID uuid.UUID) (*domain.AgreementParties, error) {
	if s.parties == nil {
		return nil, store.ErrAgreementNotFound
	}
	return s.parties, nil
}

func (s *serviceRepoStub) FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	if s.primary == nil {
		return nil, store.ErrTransactionNotFound
	}
	return s.primary, nil
}

func (s *serviceRepoStub) HasInFlightTransaction(ctx context.Context, agreementID uuid.UUID, transactionType string) (bool, error) {
	return s.inFlight, nil
}

func (s *serviceRepoStub) CreateTransaction(ctx context.Context, txn *domain.Transaction) error {
	s.createdTxns = append(s.createdTxns, txn)
	return nil
}

func (s *serviceRepoStub) CreateAgreement(ctx context.Context, agreement *domain.EscrowAgreement) error {
	s.createdAgreement = agreement
	return nil
}

func (s *serviceRepoStub) SetAgreementContractID(ctx context.Context, agreementID uuid.UUID, circleContractID string) error {
	s.contractIDSet = circleContractID
	return nil
}

func (s *serviceRepoStub) UpdateAgreementStatusIf(ctx context.Context, agreementID uuid.UUID, from, to string) (bool, error) {
	return true, nil
}

func (s *serviceRepoStub) DeleteAgreement(ctx context.Context, agreementID uuid.UUID) (bool, error) {
	s.deleteCalled = true
	return s.deleteAllowed, nil
}

func (s *serviceRepoStub) AttachCircleTransactionID(ctx context.Context, transactionID uuid.UUID, circleTransactionID string) error {
	return nil
}

func (s *serviceRepoStub) UpdateWalletBalance(ctx context.Context, walletID uuid.UUID, balance float64) error {
	s.balanceCalled = true
	s.balanceSet = balance
	return nil
}

func validTerms() domain.Terms {
	return domain.Terms{
		Amounts: []domain.TermsAmount{{Amount: "$1,500.00", For: "fence painting", Location: "section 2"}},
		Tasks: []domain.TermsTask{
			{Description: "Paint the fence", ResponsibleParty: domain.ResponsiblePartyBeneficiary},
		},
	}
}

func newCreateFixture() (*serviceRepoStub, *Service, uuid.UUID, *domain.Wallet) {
	depositorProfileID := uuid.New()
	depositorWallet := &domain.Wallet{ID: uuid.New(), ProfileID: depositorProfileID, CircleWalletID: "cw-dep", WalletAddress: "0xdepositor"}
	beneficiaryWallet := &domain.Wallet{ID: uuid.New(), ProfileID: uuid.New(), CircleWalletID: "cw-ben", WalletAddress: "0xbeneficiary"}

	repo := &serviceRepoStub{
		wallets: map[uuid.UUID]*domain.Wallet{
			depositorWallet.ID:   depositorWallet,
			beneficiaryWallet.ID: beneficiaryWallet,
		},
		walletByProfile: map[uuid.UUID]*domain.Wallet{
			depositorProfileID: depositorWallet,
		},
	}
	service := NewService(repo, &platformStub{}, &intelligenceStub{}, &archiverStub{}, &producerStub{}, Config{
		ContractTemplateID: "tpl",
		Blockchain:         "MATIC-AMOY",
		USDCTokenAddress:   "0xusdc",
	})
	return repo, service, depositorProfileID, beneficiaryWallet
}

func TestCreateAgreement_CreatesInitiatedWithPrimaryTransaction(t *testing.T) {
	repo, service, profileID, beneficiaryWallet := newCreateFixture()

	agreement, err := service.CreateAgreement(context.Background(), profileID, domain.CreateAgreementPayload{
		BeneficiaryWalletID: beneficiaryWallet.ID,
		Terms:               validTerms(),
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if agreement.Status != domain.AgreementStatusInitiated {
		t.Fatalf("expected INITIATED, got %s", agreement.Status)
	}
	if len(repo.createdTxns) != 1 {
		t.Fatalf("expected one transaction record, got %d", len(repo.createdTxns))
	}
	txn := repo.createdTxns[0]
	if txn.TransactionType != domain.TransactionTypeFundsDeposit || txn.Status != domain.TransactionStatusPending {
		t.Fatalf("unexpected primary transaction %s/%s", txn.TransactionType, txn.Status)
	}
	if txn.Amount != 1500 {
		t.Fatalf("expected parsed amount 1500, got %v", txn.Amount)
	}
	if agreement.TransactionID != txn.ID {
		t.Fatal("agreement must reference the primary transaction")
	}
}

func TestCreateAgreement_RejectsTermsWithoutAmounts(t *testing.T) {
	_, service, profileID, beneficiaryWallet := newCreateFixture()

	terms := validTerms()
	terms.Amounts = nil
	_, err := service.CreateAgreement(context.Background(), profileID, domain.CreateAgreementPayload{
		BeneficiaryWalletID: beneficiaryWallet.ID,
		Terms:               terms,
	})
	if !errors.Is(err, ErrInvalidAgreement) {
		t.Fatalf("expected ErrInvalidAgreement, got %v", err)
	}
}

func TestCreateAgreement_RejectsTermsWithoutBeneficiaryTask(t *testing.T) {
	_, service, profileID, beneficiaryWallet := newCreateFixture()

	terms := validTerms()
	terms.Tasks = []domain.TermsTask{{Description: "Provide materials", ResponsibleParty: "Depositor"}}
	_, err := service.CreateAgreement(context.Background(), profileID, domain.CreateAgreementPayload{
		BeneficiaryWalletID: beneficiaryWallet.ID,
		Terms:               terms,
	})
	if !errors.Is(err, ErrInvalidAgreement) {
		t.Fatalf("expected ErrInvalidAgreement, got %v", err)
	}
}

func TestCreateAgreement_RejectsUnparsableAmount(t *testing.T) {
	_, service, profileID, beneficiaryWallet := newCreateFixture()

	terms := validTerms()
	terms.Amounts[0].Amount = "about fifty bucks"
	_, err := service.CreateAgreement(context.Background(), profileID, domain.CreateAgreementPayload{
		BeneficiaryWalletID: beneficiaryWallet.ID,
		Terms:               terms,
	})
	if !errors.Is(err, ErrInvalidAgreement) {
		t.Fatalf("expected ErrInvalidAgreement, got %v", err)
	}
}

func TestCreateAgreement_RejectsNegativeEscrowAmount(t *testing.T) {
	_, service, profileID, beneficiaryWallet := newCreateFixture()

	terms := validTerms()
	terms.Amounts[0].Amount = "($500.00)"
	_, err := service.CreateAgreement(context.Background(), profileID, domain.CreateAgreementPayload{
		BeneficiaryWalletID: beneficiaryWallet.ID,
		Terms:               terms,
	})
	if !errors.Is(err, ErrInvalidAgreement) {
		t.Fatalf("expected ErrInvalidAgreement, got %v", err)
	}
}

func TestCreateAgreement_RejectsSelfDealing(t *testing.T) {
	repo, service, profileID, _ := newCreateFixture()
	depositorWallet := repo.walletByProfile[profileID]

	_, err := service.CreateAgreement(context.Background(), profileID, domain.CreateAgreementPayload{
		BeneficiaryWalletID: depositorWallet.ID,
		Terms:               validTerms(),
	})
	if !errors.Is(err, ErrInvalidAgreement) {
		t.Fatalf("expected ErrInvalidAgreement, got %v", err)
	}
}

func newDeployFixture() (*serviceRepoStub, *platformStub, *Service, uuid.UUID) {
	repo, _, depositorProfileID, beneficiaryWallet := newCreateFixture()
	depositorWallet := repo.walletByProfile[depositorProfileID]

	primary := &domain.Transaction{ID: uuid.New(), Amount: 1500}
	repo.primary = primary
	repo.agreement = &domain.EscrowAgreement{
		ID:                  uuid.New(),
		DepositorWalletID:   depositorWallet.ID,
		BeneficiaryWalletID: beneficiaryWallet.ID,
		TransactionID:       primary.ID,
		Status:              domain.AgreementStatusInitiated,
		Terms:               validTerms(),
	}

	platform := &platformStub{deployResp: &circleclient.DeployContractResponse{}}
	platform.deployResp.Data.ContractIDs = []string{"contract-1"}
	platform.deployResp.Data.TransactionID = "circle-deploy-1"

	service := NewService(repo, platform, &intelligenceStub{}, &archiverStub{}, &producerStub{}, Config{
		ContractTemplateID: "tpl",
		Blockchain:         "MATIC-AMOY",
		USDCTokenAddress:   "0xusdc",
	})
	return repo, platform, service, depositorProfileID
}

func TestDeployContract_RecordsContractAndTransaction(t *testing.T) {
	repo, _, service, profileID := newDeployFixture()

	txn, err := service.DeployContract(context.Background(), profileID, repo.agreement.ID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if repo.contractIDSet != "contract-1" {
		t.Fatalf("expected contract id persisted, got %q", repo.contractIDSet)
	}
	if txn.TransactionType != domain.TransactionTypeEscrowDeploy {
		t.Fatalf("expected ESCROW_DEPLOY record, got %s", txn.TransactionType)
	}
	if txn.CircleTransactionID == nil || *txn.CircleTransactionID != "circle-deploy-1" {
		t.Fatal("expected platform transaction id attached")
	}
	// Deployment never advances the agreement; the listener does that.
	if repo.agreement.Status != domain.AgreementStatusInitiated {
		t.Fatalf("expected agreement to stay INITIATED, got %s", repo.agreement.Status)
	}
}

func TestDeployContract_OnlyDepositorMayDeploy(t *testing.T) {
	repo, _, service, _ := newDeployFixture()

	otherProfile := uuid.New()
	_, err := service.DeployContract(context.Background(), otherProfile, repo.agreement.ID)
	if !errors.Is(err, ErrNotDepositor) {
		t.Fatalf("expected ErrNotDepositor, got %v", err)
	}
}

func TestDeployContract_RequiresInitiatedStatus(t *testing.T) {
	repo, _, service, profileID := newDeployFixture()
	repo.agreement.Status = domain.AgreementStatusOpen

	_, err := service.DeployContract(context.Background(), profileID, repo.agreement.ID)
	if !errors.Is(err, ErrWrongStatus) {
		t.Fatalf("expected ErrWrongStatus, got %v", err)
	}
}

func TestDeployContract_InFlightGuard(t *testing.T) {
	repo, _, service, profileID := newDeployFixture()
	repo.inFlight = true

	_, err := service.DeployContract(context.Background(), profileID, repo.agreement.ID)
	if !errors.Is(err, ErrActionInFlight) {
		t.Fatalf("expected ErrActionInFlight, got %v", err)
	}
}

func TestInitiateDeposit_ApprovesThenDeposits(t *testing.T) {
	repo, platform, service, profileID := newDeployFixture()
	contractID := "contract-1"
	repo.agreement.Status = domain.AgreementStatusOpen
	repo.agreement.CircleContractID = &contractID

	platform.contract = &circleclient.ContractInfo{ID: contractID, Name: "Escrow 0xdepositor", ContractAddress: "0xescrow"}
	platform.execResp = &circleclient.ContractExecutionResponse{}
	platform.execResp.Data.ID = "circle-exec-1"

	if _, err := service.InitiateDeposit(context.Background(), profileID, repo.agreement.ID); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(platform.execCalls) != 2 {
		t.Fatalf("expected approve and deposit calls, got %v", platform.execCalls)
	}
	if platform.execCalls[0] != "approve(address,uint256)" || platform.execCalls[1] != "deposit()" {
		t.Fatalf("unexpected call order %v", platform.execCalls)
	}
	if len(repo.createdTxns) != 1 || repo.createdTxns[0].TransactionType != domain.TransactionTypeDepositApproval {
		t.Fatal("expected a DEPOSIT_APPROVAL record")
	}
}

func TestInitiateDeposit_RetryAfterFailureCreatesFreshRecord(t *testing.T) {
	repo, platform, service, profileID := newDeployFixture()
	contractID := "contract-1"
	repo.agreement.Status = domain.AgreementStatusOpen
	repo.agreement.CircleContractID = &contractID

	// First attempt failed; its ledger row keeps the original platform id.
	failedCircleID := "circle-exec-0"
	repo.primary.TransactionType = domain.TransactionTypeFundsDeposit
	repo.primary.Status = domain.TransactionStatusFailed
	repo.primary.CircleTransactionID = &failedCircleID

	platform.contract = &circleclient.ContractInfo{ID: contractID, Name: "Escrow 0xdepositor", ContractAddress: "0xescrow"}
	platform.execResp = &circleclient.ContractExecutionResponse{}
	platform.execResp.Data.ID = "circle-exec-2"

	txn, err := service.InitiateDeposit(context.Background(), profileID, repo.agreement.ID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if txn.ID == repo.primary.ID {
		t.Fatal("retry must not reuse the failed transaction record")
	}
	if txn.TransactionType != domain.TransactionTypeFundsDeposit || txn.Status != domain.TransactionStatusPending {
		t.Fatalf("unexpected retry transaction %s/%s", txn.TransactionType, txn.Status)
	}
	if txn.CircleTransactionID == nil || *txn.CircleTransactionID != "circle-exec-2" {
		t.Fatal("expected fresh platform transaction id on the retry record")
	}
	if *repo.primary.CircleTransactionID != failedCircleID {
		t.Fatalf("failed record must keep its platform id, got %q", *repo.primary.CircleTransactionID)
	}

	var deposits int
	for _, created := range repo.createdTxns {
		if created.TransactionType == domain.TransactionTypeFundsDeposit {
			deposits++
		}
	}
	if deposits != 1 {
		t.Fatalf("expected one fresh FUNDS_DEPOSIT record, got %d", deposits)
	}
}

func TestCancelAgreement_DepositorOnlyAndConditional(t *testing.T) {
	repo, _, service, profileID := newDeployFixture()
	depositorWallet := repo.walletByProfile[profileID]
	beneficiaryProfileID := uuid.New()
	repo.parties = &domain.AgreementParties{
		AgreementID:          repo.agreement.ID,
		DepositorWalletID:    depositorWallet.ID,
		DepositorProfileID:   profileID,
		BeneficiaryProfileID: beneficiaryProfileID,
	}
	repo.deleteAllowed = true

	if err := service.CancelAgreement(context.Background(), profileID, repo.agreement.ID); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !repo.deleteCalled {
		t.Fatal("expected delete to be attempted")
	}

	repo.deleteAllowed = false
	if err := service.CancelAgreement(context.Background(), profileID, repo.agreement.ID); !errors.Is(err, ErrCancelNotAllowed) {
		t.Fatalf("expected ErrCancelNotAllowed, got %v", err)
	}

	repo.deleteCalled = false
	if err := service.CancelAgreement(context.Background(), beneficiaryProfileID, repo.agreement.ID); !errors.Is(err, ErrNotDepositor) {
		t.Fatalf("expected ErrNotDepositor for beneficiary, got %v", err)
	}
	if repo.deleteCalled {
		t.Fatal("beneficiary cancel must not reach the delete")
	}

	if err := service.CancelAgreement(context.Background(), uuid.New(), repo.agreement.ID); !errors.Is(err, ErrNotAParty) {
		t.Fatalf("expected ErrNotAParty, got %v", err)
	}
}

func TestSyncWalletBalance_ReplacesCacheWithUSDCBalance(t *testing.T) {
	repo, platform, service, profileID := newDeployFixture()
	platform.balances = []circleclient.TokenBalance{
		{Amount: "12.5"},
		{Amount: "987.654321"},
	}
	platform.balances[0].Token.Symbol = "MATIC"
	platform.balances[1].Token.Symbol = "USDC"

	wallet, err := service.SyncWalletBalance(context.Background(), profileID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !repo.balanceCalled {
		t.Fatal("expected balance update")
	}
	if repo.balanceSet != 987.654321 || wallet.Balance != 987.654321 {
		t.Fatalf("expected USDC balance 987.654321, got %v", repo.balanceSet)
	}
}

func TestSyncWalletBalance_NoUSDCTokenZeroesCache(t *testing.T) {
	repo, platform, service, profileID := newDeployFixture()
	platform.balances = nil

	if _, err := service.SyncWalletBalance(context.Background(), profileID); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if repo.balanceSet != 0 {
		t.Fatalf("expected zero balance, got %v", repo.balanceSet)
	}
}

func TestWaitForTransactionState_PublishesTerminalObservation(t *testing.T) {
	repo, platform, _, _ := newDeployFixture()
	circleTxnID := "circle-exec-9"
	repo.primary.CircleTransactionID = &circleTxnID
	repo.primary.TransactionType = domain.TransactionTypeFundsDeposit
	repo.primary.Status = domain.TransactionStatusPending
	platform.txInfo = &circleclient.TransactionInfo{ID: circleTxnID, State: circleclient.TxStateConfirmed}

	producer := &producerStub{}
	service := NewService(repo, platform, &intelligenceStub{}, &archiverStub{}, producer, Config{})

	status, err := service.WaitForTransactionState(context.Background(), repo.primary.ID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if status != domain.TransactionStatusComplete {
		t.Fatalf("expected COMPLETE, got %s", status)
	}
	if len(producer.statusEvents) != 1 {
		t.Fatalf("expected one published event, got %d", len(producer.statusEvents))
	}
	if producer.statusEvents[0].Status != domain.TransactionStatusComplete {
		t.Fatalf("expected normalized COMPLETE event, got %s", producer.statusEvents[0].Status)
	}
}

func TestWaitForTransactionState_AlreadyTerminalShortCircuits(t *testing.T) {
	repo, platform, _, _ := newDeployFixture()
	repo.primary.Status = domain.TransactionStatusComplete

	producer := &producerStub{}
	service := NewService(repo, platform, &intelligenceStub{}, &archiverStub{}, producer, Config{})

	status, err := service.WaitForTransactionState(context.Background(), repo.primary.ID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if status != domain.TransactionStatusComplete {
		t.Fatalf("expected COMPLETE, got %s", status)
	}
	if len(producer.statusEvents) != 0 {
		t.Fatal("expected no event for an already terminal transaction")
	}
}
