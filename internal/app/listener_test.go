package app

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/trustlock/escrow-service/internal/domain"
	"github.com/trustlock/escrow-service/internal/store"
	"github.com/trustlock/escrow-service/pkg/circleclient"
)

type listenerRepoStub struct {
	store.Repository

	txn     *domain.Transaction
	parties *domain.AgreementParties
	wallets map[uuid.UUID]*domain.Wallet

	markCompleteCalled bool
	markFailedCalled   bool
	failureReason      string

	statusFrom    string
	statusTo      string
	statusApplied bool
	statusUpdated bool

	balancesSet map[uuid.UUID]float64
}

func (s *listenerRepoStub) FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	if s.txn == nil || s.txn.ID != transactionID {
		return nil, store.ErrTransactionNotFound
	}
	return s.txn, nil
}

func (s *listenerRepoStub) FindTransactionByCircleTransactionID(ctx context.Context, circleTransactionID string) (*domain.Transaction, error) {
	if s.txn == nil || s.txn.CircleTransactionID == nil || *s.txn.CircleTransactionID != circleTransactionID {
		return nil, store.ErrTransactionNotFound
	}
	return s.txn, nil
}

func (s *listenerRepoStub) FindAgreementParties(ctx context.Context, agreementID uuid.UUID) (*domain.AgreementParties, error) {
	if s.parties == nil {
		return nil, store.ErrAgreementNotFound
	}
	return s.parties, nil
}

func (s *listenerRepoStub) MarkTransactionComplete(ctx context.Context, transactionID uuid.UUID) (bool, error) {
	s.markCompleteCalled = true
	return s.txn.Status == domain.TransactionStatusPending, nil
}

func (s *listenerRepoStub) MarkTransactionFailed(ctx context.Context, transactionID uuid.UUID, failureReason string) (bool, error) {
	s.markFailedCalled = true
	s.failureReason = failureReason
	return s.txn.Status == domain.TransactionStatusPending, nil
}

func (s *listenerRepoStub) UpdateAgreementStatusIf(ctx context.Context, agreementID uuid.UUID, from, to string) (bool, error) {
	s.statusUpdated = true
	s.statusFrom = from
	s.statusTo = to
	return s.statusApplied, nil
}

func (s *listenerRepoStub) FindWalletByID(ctx context.Context, walletID uuid.UUID) (*domain.Wallet, error) {
	if w, ok := s.wallets[walletID]; ok {
		return w, nil
	}
	return nil, store.ErrWalletNotFound
}

func (s *listenerRepoStub) UpdateWalletBalance(ctx context.Context, walletID uuid.UUID, balance float64) error {
	s.balancesSet[walletID] = balance
	return nil
}

func newListenerFixture(transactionType string) (*listenerRepoStub, *EventConsumer, *domain.Transaction) {
	profileID := uuid.New()
	agreementID := uuid.New()
	circleTxnID := "circle-txn-1"
	txn := &domain.Transaction{
		ID:                  uuid.New(),
		WalletID:            uuid.New(),
		ProfileID:           profileID,
		EscrowAgreementID:   agreementID,
		CircleTransactionID: &circleTxnID,
		TransactionType:     transactionType,
		Status:              domain.TransactionStatusPending,
		Amount:              1500,
		Currency:            "USDC",
	}
	depositorWallet := &domain.Wallet{ID: txn.WalletID, ProfileID: profileID, CircleWalletID: "cw-dep"}
	beneficiaryWallet := &domain.Wallet{ID: uuid.New(), ProfileID: uuid.New(), CircleWalletID: "cw-ben"}
	repo := &listenerRepoStub{
		txn: txn,
		parties: &domain.AgreementParties{
			AgreementID:          agreementID,
			DepositorWalletID:    depositorWallet.ID,
			BeneficiaryWalletID:  beneficiaryWallet.ID,
			DepositorProfileID:   profileID,
			BeneficiaryProfileID: beneficiaryWallet.ProfileID,
		},
		wallets: map[uuid.UUID]*domain.Wallet{
			depositorWallet.ID:   depositorWallet,
			beneficiaryWallet.ID: beneficiaryWallet,
		},
		statusApplied: true,
		balancesSet:   map[uuid.UUID]float64{},
	}
	platform := &platformStub{balances: []circleclient.TokenBalance{{Amount: "250.75"}}}
	platform.balances[0].Token.Symbol = "USDC"
	return repo, NewEventConsumer(repo, platform), txn
}

func eventBody(t *testing.T, event domain.TransactionStatusEvent) []byte {
	t.Helper()
	body, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}
	return body
}

func TestHandleStatusEvent_DepositCompleteLocksAgreement(t *testing.T) {
	repo, consumer, txn := newListenerFixture(domain.TransactionTypeFundsDeposit)

	body := eventBody(t, domain.TransactionStatusEvent{
		EventID:         uuid.NewString(),
		TransactionID:   txn.ID,
		TransactionType: domain.TransactionTypeFundsDeposit,
		Status:          "CONFIRMED",
	})

	if !consumer.HandleTransactionStatusEvent(body) {
		t.Fatal("expected event to be acknowledged")
	}
	if !repo.markCompleteCalled {
		t.Fatal("expected transaction to be marked complete")
	}
	if repo.statusFrom != domain.AgreementStatusPending || repo.statusTo != domain.AgreementStatusLocked {
		t.Fatalf("expected PENDING->LOCKED, got %s->%s", repo.statusFrom, repo.statusTo)
	}
}

func TestHandleStatusEvent_DepositFailureReopensAgreement(t *testing.T) {
	repo, consumer, txn := newListenerFixture(domain.TransactionTypeFundsDeposit)

	body := eventBody(t, domain.TransactionStatusEvent{
		EventID:         uuid.NewString(),
		TransactionID:   txn.ID,
		TransactionType: domain.TransactionTypeFundsDeposit,
		Status:          "FAILED",
		ErrorReason:     "insufficient allowance",
	})

	if !consumer.HandleTransactionStatusEvent(body) {
		t.Fatal("expected event to be acknowledged")
	}
	if !repo.markFailedCalled {
		t.Fatal("expected transaction to be marked failed")
	}
	if repo.failureReason != "insufficient allowance" {
		t.Fatalf("expected failure reason to be preserved, got %q", repo.failureReason)
	}
	if repo.statusFrom != domain.AgreementStatusPending || repo.statusTo != domain.AgreementStatusOpen {
		t.Fatalf("expected PENDING->OPEN, got %s->%s", repo.statusFrom, repo.statusTo)
	}
	if len(repo.balancesSet) != 0 {
		t.Fatal("a failed deposit must not refresh wallet balances")
	}
}

func TestHandleStatusEvent_ReleaseCompleteClosesAgreement(t *testing.T) {
	repo, consumer, txn := newListenerFixture(domain.TransactionTypeFundsRelease)

	body := eventBody(t, domain.TransactionStatusEvent{
		EventID:         uuid.NewString(),
		TransactionID:   txn.ID,
		TransactionType: domain.TransactionTypeFundsRelease,
		Status:          "COMPLETE",
	})

	if !consumer.HandleTransactionStatusEvent(body) {
		t.Fatal("expected event to be acknowledged")
	}
	if repo.statusFrom != domain.AgreementStatusPending || repo.statusTo != domain.AgreementStatusClosed {
		t.Fatalf("expected PENDING->CLOSED, got %s->%s", repo.statusFrom, repo.statusTo)
	}
}

func TestHandleStatusEvent_DeployCompleteOpensAgreement(t *testing.T) {
	repo, consumer, txn := newListenerFixture(domain.TransactionTypeEscrowDeploy)

	body := eventBody(t, domain.TransactionStatusEvent{
		EventID:         uuid.NewString(),
		TransactionID:   txn.ID,
		TransactionType: domain.TransactionTypeEscrowDeploy,
		Status:          "CONFIRMED",
	})

	if !consumer.HandleTransactionStatusEvent(body) {
		t.Fatal("expected event to be acknowledged")
	}
	if repo.statusFrom != domain.AgreementStatusInitiated || repo.statusTo != domain.AgreementStatusOpen {
		t.Fatalf("expected INITIATED->OPEN, got %s->%s", repo.statusFrom, repo.statusTo)
	}
}

func TestHandleStatusEvent_ApprovalChangesNoAgreementState(t *testing.T) {
	repo, consumer, txn := newListenerFixture(domain.TransactionTypeDepositApproval)

	body := eventBody(t, domain.TransactionStatusEvent{
		EventID:         uuid.NewString(),
		TransactionID:   txn.ID,
		TransactionType: domain.TransactionTypeDepositApproval,
		Status:          "CONFIRMED",
	})

	if !consumer.HandleTransactionStatusEvent(body) {
		t.Fatal("expected event to be acknowledged")
	}
	if !repo.markCompleteCalled {
		t.Fatal("expected approval transaction to be marked complete")
	}
	if repo.statusUpdated {
		t.Fatal("approval must not touch agreement status")
	}
	if len(repo.balancesSet) != 0 {
		t.Fatal("approval must not refresh wallet balances")
	}
}

func TestHandleStatusEvent_DepositCompleteRefreshesBothBalances(t *testing.T) {
	repo, consumer, txn := newListenerFixture(domain.TransactionTypeFundsDeposit)

	body := eventBody(t, domain.TransactionStatusEvent{
		EventID:         uuid.NewString(),
		TransactionID:   txn.ID,
		TransactionType: domain.TransactionTypeFundsDeposit,
		Status:          "CONFIRMED",
	})

	if !consumer.HandleTransactionStatusEvent(body) {
		t.Fatal("expected event to be acknowledged")
	}
	if len(repo.balancesSet) != 2 {
		t.Fatalf("expected both wallet caches refreshed, got %d", len(repo.balancesSet))
	}
	for _, walletID := range []uuid.UUID{repo.parties.DepositorWalletID, repo.parties.BeneficiaryWalletID} {
		if got, ok := repo.balancesSet[walletID]; !ok || got != 250.75 {
			t.Fatalf("expected wallet %s cache set to 250.75, got %v", walletID, got)
		}
	}
}

func TestHandleStatusEvent_NonPartyInitiatorDropped(t *testing.T) {
	repo, consumer, txn := newListenerFixture(domain.TransactionTypeFundsDeposit)
	repo.parties.DepositorProfileID = uuid.New()
	repo.parties.BeneficiaryProfileID = uuid.New()

	body := eventBody(t, domain.TransactionStatusEvent{
		EventID:         uuid.NewString(),
		TransactionID:   txn.ID,
		TransactionType: domain.TransactionTypeFundsDeposit,
		Status:          "CONFIRMED",
	})

	if !consumer.HandleTransactionStatusEvent(body) {
		t.Fatal("expected drop to be acknowledged")
	}
	if repo.markCompleteCalled || repo.statusUpdated {
		t.Fatal("non-party event must not change any state")
	}
}

func TestHandleStatusEvent_UnknownTypeDropped(t *testing.T) {
	repo, consumer, _ := newListenerFixture(domain.TransactionTypeFundsDeposit)

	body := eventBody(t, domain.TransactionStatusEvent{
		EventID:         uuid.NewString(),
		TransactionID:   uuid.New(),
		TransactionType: "WALLET_TOPUP",
		Status:          "CONFIRMED",
	})

	if !consumer.HandleTransactionStatusEvent(body) {
		t.Fatal("expected drop to be acknowledged")
	}
	if repo.markCompleteCalled || repo.statusUpdated {
		t.Fatal("unknown type must not change any state")
	}
}

func TestHandleStatusEvent_DuplicateDeliveryIsNoOp(t *testing.T) {
	repo, consumer, txn := newListenerFixture(domain.TransactionTypeFundsDeposit)
	txn.Status = domain.TransactionStatusComplete
	repo.statusApplied = false

	body := eventBody(t, domain.TransactionStatusEvent{
		EventID:         uuid.NewString(),
		TransactionID:   txn.ID,
		TransactionType: domain.TransactionTypeFundsDeposit,
		Status:          "CONFIRMED",
	})

	if !consumer.HandleTransactionStatusEvent(body) {
		t.Fatal("expected duplicate to be acknowledged")
	}
	// Both conditional writes matched zero rows; the handler still acks.
	if !repo.markCompleteCalled || !repo.statusUpdated {
		t.Fatal("expected conditional writes to be attempted")
	}
}

func TestHandleStatusEvent_ResolvesByCircleTransactionID(t *testing.T) {
	repo, consumer, _ := newListenerFixture(domain.TransactionTypeFundsDeposit)

	body := eventBody(t, domain.TransactionStatusEvent{
		EventID:             uuid.NewString(),
		CircleTransactionID: "circle-txn-1",
		TransactionType:     domain.TransactionTypeFundsDeposit,
		Status:              "CONFIRMED",
	})

	if !consumer.HandleTransactionStatusEvent(body) {
		t.Fatal("expected event to be acknowledged")
	}
	if !repo.markCompleteCalled {
		t.Fatal("expected lookup by platform transaction id to succeed")
	}
}

func TestHandleStatusEvent_UnparsableBodyDropped(t *testing.T) {
	repo, consumer, _ := newListenerFixture(domain.TransactionTypeFundsDeposit)

	if !consumer.HandleTransactionStatusEvent([]byte("not json")) {
		t.Fatal("expected unparsable body to be acknowledged and dropped")
	}
	if repo.markCompleteCalled || repo.statusUpdated {
		t.Fatal("unparsable body must not change any state")
	}
}
