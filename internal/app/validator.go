/**
 * @description
 * Work validation. When the beneficiary submits an image of the completed
 * work, the judge builds a checklist from the agreement's beneficiary tasks,
 * asks the document intelligence collaborator for a verdict, archives the
 * image under a path that records the outcome, and — only on a valid verdict
 * at HIGH confidence — initiates the on-chain funds release.
 *
 * The image is archived whether or not the verdict passes, so every
 * submission leaves an audit trail.
 *
 * @dependencies
 * - context, encoding/json, fmt, strings, time: Standard Go libraries.
 * - internal/domain: Verdict and terms models.
 */

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/trustlock/escrow-service/internal/domain"
)

const judgeSystemPrompt = `You are a strict work validation judge for an escrow agreement. You will be shown the contracted tasks and a photograph submitted as proof of completed work.
Decide whether the photograph shows the contracted work completed.
Respond with a JSON object of this exact shape: {"valid": <true|false>, "confidence": "<LOW|MEDIUM|HIGH>"}.
Only answer HIGH confidence when the photograph clearly and unambiguously shows the work done.`

// buildJudgePrompt renders the beneficiary's contracted tasks as a bullet
// checklist for the judge.
func buildJudgePrompt(terms domain.Terms) string {
	var b strings.Builder
	b.WriteString("The contracted work consists of the following tasks:\n")
	for _, t := range terms.Tasks {
		if t.ResponsibleParty != domain.ResponsiblePartyBeneficiary {
			continue
		}
		b.WriteString("- ")
		b.WriteString(t.Description)
		b.WriteString("\n")
		for _, d := range t.Details {
			b.WriteString("  - ")
			b.WriteString(d)
			b.WriteString("\n")
		}
	}
	b.WriteString("Does the attached photograph show this work completed?")
	return b.String()
}

// SubmitWork runs the work validation gate for a LOCKED agreement. Only the
// beneficiary may submit. On an accepted verdict the funds release is
// initiated and the agreement moves LOCKED -> PENDING; the listener closes
// it when the release confirms.
func (s *Service) SubmitWork(ctx context.Context, profileID, agreementID uuid.UUID, fileName, contentType string, image []byte) (*domain.WorkValidationResult, error) {
	agreement, err := s.repo.FindAgreementByID(ctx, agreementID)
	if err != nil {
		return nil, err
	}
	if agreement.Status != domain.AgreementStatusLocked {
		return nil, fmt.Errorf("%w: status is %s", ErrWrongStatus, agreement.Status)
	}

	beneficiaryWallet, err := s.repo.FindWalletByID(ctx, agreement.BeneficiaryWalletID)
	if err != nil {
		return nil, fmt.Errorf("failed to find beneficiary wallet: %w", err)
	}
	if beneficiaryWallet.ProfileID != profileID {
		return nil, ErrNotBeneficiary
	}

	answer, err := s.intelligence.CompleteJSONWithImage(ctx, judgeSystemPrompt, buildJudgePrompt(agreement.Terms), image, contentType)
	if err != nil {
		return nil, fmt.Errorf("%w: work validation: %v", ErrCollaboratorFailed, err)
	}

	var verdict domain.WorkVerdict
	if err := json.Unmarshal([]byte(answer), &verdict); err != nil {
		return nil, fmt.Errorf("%w: unparsable verdict: %v", ErrCollaboratorFailed, err)
	}

	outcome := "invalid"
	if verdict.Valid {
		outcome = "valid"
	}
	objectPath := fmt.Sprintf("%s/%s-%d-%s", agreementID, outcome, time.Now().UTC().UnixMilli(), sanitizeFileName(fileName))
	archivePath, err := s.archiver.Upload(ctx, objectPath, contentType, image)
	if err != nil {
		// The verdict stands even when archival fails; log and continue.
		log.Printf("level=error component=escrow_service op=submit_work agreement_id=%s msg=\"failed to archive work image\" err=%v", agreementID, err)
		archivePath = ""
	}

	result := &domain.WorkValidationResult{
		Verdict:     verdict,
		Accepted:    verdict.Accepted(),
		ArchivePath: archivePath,
	}
	log.Printf("level=info component=escrow_service op=submit_work agreement_id=%s valid=%t confidence=%s accepted=%t", agreementID, verdict.Valid, verdict.Confidence, result.Accepted)

	if !result.Accepted {
		return result, nil
	}

	releaseTxn, err := s.initiateRelease(ctx, agreement, beneficiaryWallet, profileID)
	if err != nil {
		// Surface the failed release alongside the accepted verdict; the
		// beneficiary can retry once the agreement is back in LOCKED.
		return result, err
	}
	result.ReleaseTxnID = releaseTxn.ID.String()
	return result, nil
}

// initiateRelease executes release() on the escrow contract and records the
// FUNDS_RELEASE transaction. The agreement moves LOCKED -> PENDING.
func (s *Service) initiateRelease(ctx context.Context, agreement *domain.EscrowAgreement, beneficiaryWallet *domain.Wallet, profileID uuid.UUID) (*domain.Transaction, error) {
	inFlight, err := s.repo.HasInFlightTransaction(ctx, agreement.ID, domain.TransactionTypeFundsRelease)
	if err != nil {
		return nil, fmt.Errorf("failed to check in-flight releases: %w", err)
	}
	if inFlight {
		return nil, ErrActionInFlight
	}

	contractAddress, err := s.resolveContractAddress(ctx, agreement)
	if err != nil {
		return nil, err
	}
	primary, err := s.repo.FindTransactionByID(ctx, agreement.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load primary transaction: %w", err)
	}

	releaseResp, err := s.platform.ExecuteContractFunction(ctx, contractAddress, beneficiaryWallet.CircleWalletID, "release()", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: release call: %v", ErrCollaboratorFailed, err)
	}

	circleTxnID := releaseResp.Data.ID
	txn := &domain.Transaction{
		ID:                  uuid.New(),
		WalletID:            beneficiaryWallet.ID,
		ProfileID:           profileID,
		EscrowAgreementID:   agreement.ID,
		CircleTransactionID: &circleTxnID,
		TransactionType:     domain.TransactionTypeFundsRelease,
		Status:              domain.TransactionStatusPending,
		Amount:              primary.Amount,
		Currency:            "USDC",
		Description:         "Escrow release for agreement " + agreement.ID.String(),
	}
	if err := s.repo.CreateTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("failed to create release transaction record: %w", err)
	}

	moved, err := s.repo.UpdateAgreementStatusIf(ctx, agreement.ID, domain.AgreementStatusLocked, domain.AgreementStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to move agreement to pending: %w", err)
	}
	if !moved {
		log.Printf("level=warn component=escrow_service op=initiate_release agreement_id=%s msg=\"agreement left LOCKED before pending transition\"", agreement.ID)
	}

	log.Printf("level=info component=escrow_service op=initiate_release agreement_id=%s circle_txn=%s", agreement.ID, circleTxnID)
	return txn, nil
}
