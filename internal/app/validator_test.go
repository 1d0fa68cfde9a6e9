package app

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/trustlock/escrow-service/internal/domain"
	"github.com/trustlock/escrow-service/internal/store"
	"github.com/trustlock/escrow-service/pkg/circleclient"
)

type submitWorkRepoStub struct {
	store.Repository

	agreement         *domain.EscrowAgreement
	beneficiaryWallet *domain.Wallet
	primary           *domain.Transaction

	inFlight        bool
	createdTxn      *domain.Transaction
	statusFrom      string
	statusTo        string
	statusRequested bool
}

func (s *submitWorkRepoStub) FindAgreementByID(ctx context.Context, agreementID uuid.UUID) (*domain.EscrowAgreement, error) {
	if s.agreement == nil {
		return nil, store.ErrAgreementNotFound
	}
	return s.agreement, nil
}

func (s *submitWorkRepoStub) FindWalletByID(ctx context.Context, walletID uuid.UUID) (*domain.Wallet, error) {
	if s.beneficiaryWallet != nil && s.beneficiaryWallet.ID == walletID {
		return s.beneficiaryWallet, nil
	}
	return nil, store.ErrWalletNotFound
}

func (s *submitWorkRepoStub) FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	if s.primary == nil {
		return nil, store.ErrTransactionNotFound
	}
	return s.primary, nil
}

func (s *submitWorkRepoStub) HasInFlightTransaction(ctx context.Context, agreementID uuid.UUID, transactionType string) (bool, error) {
	return s.inFlight, nil
}

func (s *submitWorkRepoStub) CreateTransaction(ctx context.Context, txn *domain.Transaction) error {
	s.createdTxn = txn
	return nil
}

func (s *submitWorkRepoStub) UpdateAgreementStatusIf(ctx context.Context, agreementID uuid.UUID, from, to string) (bool, error) {
	s.statusRequested = true
	s.statusFrom = from
	s.statusTo = to
	return true, nil
}

type intelligenceStub struct {
	answer string
	err    error

	prompt string
}

func (s *intelligenceStub) CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	s.prompt = userPrompt
	return s.answer, s.err
}

func (s *intelligenceStub) CompleteJSONWithImage(ctx context.Context, systemPrompt, userPrompt string, imageData []byte, imageContentType string) (string, error) {
	s.prompt = userPrompt
	return s.answer, s.err
}

type archiverStub struct {
	uploadedPath string
	err          error
}

func (s *archiverStub) Upload(ctx context.Context, objectPath, contentType string, data []byte) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.uploadedPath = objectPath
	return objectPath, nil
}

func (s *archiverStub) PublicURL(objectPath string) string {
	return "https://storage.example/" + objectPath
}

type platformStub struct {
	execResp   *circleclient.ContractExecutionResponse
	execErr    error
	execCalls  []string
	contract   *circleclient.ContractInfo
	deployResp *circleclient.DeployContractResponse
	balances   []circleclient.TokenBalance
	txInfo     *circleclient.TransactionInfo
}

func (s *platformStub) DeployEscrowContract(ctx context.Context, templateID, walletID, blockchain, depositorAddress string, templateParameters map[string]interface{}) (*circleclient.DeployContractResponse, error) {
	return s.deployResp, nil
}

func (s *platformStub) ExecuteContractFunction(ctx context.Context, contractAddress, walletID, abiFunctionSignature string, abiParameters []interface{}) (*circleclient.ContractExecutionResponse, error) {
	s.execCalls = append(s.execCalls, abiFunctionSignature)
	return s.execResp, s.execErr
}

func (s *platformStub) GetTransaction(ctx context.Context, transactionID string) (*circleclient.TransactionInfo, error) {
	return s.txInfo, nil
}

func (s *platformStub) GetContract(ctx context.Context, contractID string) (*circleclient.ContractInfo, error) {
	return s.contract, nil
}

func (s *platformStub) GetWalletBalance(ctx context.Context, circleWalletID string) ([]circleclient.TokenBalance, error) {
	return s.balances, nil
}

type producerStub struct {
	statusEvents  []domain.TransactionStatusEvent
	createdEvents []domain.AgreementCreatedEvent
}

func (s *producerStub) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}

func (s *producerStub) PublishTransactionStatusEvent(ctx context.Context, event domain.TransactionStatusEvent) error {
	s.statusEvents = append(s.statusEvents, event)
	return nil
}

func (s *producerStub) PublishAgreementCreatedEvent(ctx context.Context, event domain.AgreementCreatedEvent) error {
	s.createdEvents = append(s.createdEvents, event)
	return nil
}

func (s *producerStub) Close() {}

func newSubmitWorkFixture() (*submitWorkRepoStub, *platformStub, *intelligenceStub, *archiverStub, *Service, uuid.UUID) {
	beneficiaryProfileID := uuid.New()
	contractID := "contract-1"
	beneficiaryWallet := &domain.Wallet{
		ID:             uuid.New(),
		ProfileID:      beneficiaryProfileID,
		CircleWalletID: "cw-beneficiary",
		WalletAddress:  "0xbeneficiary",
	}
	primary := &domain.Transaction{
		ID:     uuid.New(),
		Amount: 1500,
	}
	agreement := &domain.EscrowAgreement{
		ID:                  uuid.New(),
		DepositorWalletID:   uuid.New(),
		BeneficiaryWalletID: beneficiaryWallet.ID,
		TransactionID:       primary.ID,
		CircleContractID:    &contractID,
		Status:              domain.AgreementStatusLocked,
		Terms: domain.Terms{
			Tasks: []domain.TermsTask{
				{Description: "Paint the fence", ResponsibleParty: domain.ResponsiblePartyBeneficiary},
				{Description: "Provide the paint", ResponsibleParty: "Depositor"},
			},
		},
	}

	repo := &submitWorkRepoStub{
		agreement:         agreement,
		beneficiaryWallet: beneficiaryWallet,
		primary:           primary,
	}
	platform := &platformStub{
		execResp: &circleclient.ContractExecutionResponse{},
		contract: &circleclient.ContractInfo{ID: contractID, Name: "Escrow 0xdepositor", ContractAddress: "0xescrow"},
	}
	platform.execResp.Data.ID = "circle-release-1"
	intelligence := &intelligenceStub{}
	archiver := &archiverStub{}

	service := NewService(repo, platform, intelligence, archiver, &producerStub{}, Config{
		ContractTemplateID: "tpl",
		Blockchain:         "MATIC-AMOY",
		USDCTokenAddress:   "0xusdc",
	})
	return repo, platform, intelligence, archiver, service, beneficiaryProfileID
}

func TestSubmitWork_HighConfidenceValidReleasesFunds(t *testing.T) {
	repo, platform, intelligence, archiver, service, profileID := newSubmitWorkFixture()
	intelligence.answer = `{"valid": true, "confidence": "HIGH"}`

	result, err := service.SubmitWork(context.Background(), profileID, repo.agreement.ID, "fence.jpg", "image/jpeg", []byte("img"))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !result.Accepted {
		t.Fatal("expected verdict to be accepted")
	}
	if len(platform.execCalls) != 1 || platform.execCalls[0] != "release()" {
		t.Fatalf("expected a single release() call, got %v", platform.execCalls)
	}
	if repo.createdTxn == nil || repo.createdTxn.TransactionType != domain.TransactionTypeFundsRelease {
		t.Fatal("expected a funds release transaction record")
	}
	if repo.statusFrom != domain.AgreementStatusLocked || repo.statusTo != domain.AgreementStatusPending {
		t.Fatalf("expected LOCKED->PENDING, got %s->%s", repo.statusFrom, repo.statusTo)
	}
	if !strings.Contains(archiver.uploadedPath, "/valid-") {
		t.Fatalf("expected archive path to record a valid verdict, got %q", archiver.uploadedPath)
	}
	if result.ReleaseTxnID == "" {
		t.Fatal("expected release transaction id in result")
	}
}

func TestSubmitWork_MediumConfidenceRejectsWithoutRelease(t *testing.T) {
	repo, platform, intelligence, archiver, service, profileID := newSubmitWorkFixture()
	intelligence.answer = `{"valid": true, "confidence": "MEDIUM"}`

	result, err := service.SubmitWork(context.Background(), profileID, repo.agreement.ID, "fence.jpg", "image/jpeg", []byte("img"))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.Accepted {
		t.Fatal("expected MEDIUM confidence to reject")
	}
	if len(platform.execCalls) != 0 {
		t.Fatalf("expected no release call, got %v", platform.execCalls)
	}
	// The image is archived whatever the verdict
	if !strings.Contains(archiver.uploadedPath, "/valid-") {
		t.Fatalf("expected archive path to record the raw verdict, got %q", archiver.uploadedPath)
	}
}

func TestSubmitWork_InvalidVerdictArchivesAsInvalid(t *testing.T) {
	repo, platform, intelligence, archiver, service, profileID := newSubmitWorkFixture()
	intelligence.answer = `{"valid": false, "confidence": "HIGH"}`

	result, err := service.SubmitWork(context.Background(), profileID, repo.agreement.ID, "fence.jpg", "image/jpeg", []byte("img"))
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.Accepted {
		t.Fatal("expected invalid verdict to reject")
	}
	if len(platform.execCalls) != 0 {
		t.Fatal("expected no release call")
	}
	if !strings.Contains(archiver.uploadedPath, "/invalid-") {
		t.Fatalf("expected archive path to record an invalid verdict, got %q", archiver.uploadedPath)
	}
}

func TestSubmitWork_OnlyBeneficiaryMaySubmit(t *testing.T) {
	repo, _, intelligence, _, service, _ := newSubmitWorkFixture()
	intelligence.answer = `{"valid": true, "confidence": "HIGH"}`

	_, err := service.SubmitWork(context.Background(), uuid.New(), repo.agreement.ID, "fence.jpg", "image/jpeg", []byte("img"))
	if err == nil {
		t.Fatal("expected error for non-beneficiary submitter")
	}
}

func TestSubmitWork_RequiresLockedAgreement(t *testing.T) {
	repo, _, intelligence, _, service, profileID := newSubmitWorkFixture()
	repo.agreement.Status = domain.AgreementStatusOpen
	intelligence.answer = `{"valid": true, "confidence": "HIGH"}`

	_, err := service.SubmitWork(context.Background(), profileID, repo.agreement.ID, "fence.jpg", "image/jpeg", []byte("img"))
	if err == nil {
		t.Fatal("expected error for non-LOCKED agreement")
	}
}

func TestSubmitWork_MalformedVerdictFails(t *testing.T) {
	repo, platform, intelligence, _, service, profileID := newSubmitWorkFixture()
	intelligence.answer = `definitely not json`

	_, err := service.SubmitWork(context.Background(), profileID, repo.agreement.ID, "fence.jpg", "image/jpeg", []byte("img"))
	if err == nil {
		t.Fatal("expected error for malformed verdict")
	}
	if len(platform.execCalls) != 0 {
		t.Fatal("expected no release call on malformed verdict")
	}
}

func TestSubmitWork_InFlightReleaseBlocked(t *testing.T) {
	repo, platform, intelligence, _, service, profileID := newSubmitWorkFixture()
	repo.inFlight = true
	intelligence.answer = `{"valid": true, "confidence": "HIGH"}`

	result, err := service.SubmitWork(context.Background(), profileID, repo.agreement.ID, "fence.jpg", "image/jpeg", []byte("img"))
	if err == nil {
		t.Fatal("expected in-flight release to be rejected")
	}
	if result == nil || !result.Accepted {
		t.Fatal("expected the accepted verdict to be returned alongside the error")
	}
	if len(platform.execCalls) != 0 {
		t.Fatal("expected no second release call")
	}
}

func TestBuildJudgePrompt_OnlyBeneficiaryTasks(t *testing.T) {
	terms := domain.Terms{
		Tasks: []domain.TermsTask{
			{Description: "Paint the fence", ResponsibleParty: domain.ResponsiblePartyBeneficiary, Details: []string{"two coats"}},
			{Description: "Provide the paint", ResponsibleParty: "Depositor"},
		},
	}
	prompt := buildJudgePrompt(terms)
	if !strings.Contains(prompt, "- Paint the fence") {
		t.Fatalf("expected beneficiary task in prompt, got %q", prompt)
	}
	if !strings.Contains(prompt, "two coats") {
		t.Fatalf("expected task details in prompt, got %q", prompt)
	}
	if strings.Contains(prompt, "Provide the paint") {
		t.Fatalf("depositor task must not appear in prompt, got %q", prompt)
	}
}
