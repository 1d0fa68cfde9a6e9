/**
 * @description
 * Contract document analysis. An uploaded contract is archived to object
 * storage and sent to the document intelligence collaborator, which extracts
 * the structured terms (amounts and tasks) the rest of the lifecycle runs on.
 *
 * @dependencies
 * - context, encoding/json, fmt, strings, time: Standard Go libraries.
 * - internal/domain: Terms model.
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

const analyzeSystemPrompt = `You are a contract analysis assistant. Extract the monetary amounts and the tasks from the contract you are given.
Respond with a JSON object of this exact shape:
{"amounts": [{"amount": "<amount as written>", "for": "<what the amount is for>", "location": "<where in the document>"}],
 "tasks": [{"description": "<task>", "due_date": "<date or null>", "responsible_party": "<party>", "details": ["<detail>"]}]}
Use the responsible_party value "` + domain.ResponsiblePartyBeneficiary + `" for every task owed by the party performing the work.`

// analyzedTerms is the collaborator's answer shape.
type analyzedTerms struct {
	Amounts []domain.TermsAmount `json:"amounts"`
	Tasks   []domain.TermsTask   `json:"tasks"`
}

// AnalyzeContractDocument archives the uploaded contract and extracts its
// terms. Image documents go through the multimodal path; anything else is
// treated as text.
func (s *Service) AnalyzeContractDocument(ctx context.Context, profileID uuid.UUID, fileName, contentType string, document []byte) (*domain.Terms, error) {
	objectPath := fmt.Sprintf("contracts/%s/%d-%s", profileID, time.Now().UTC().UnixMilli(), sanitizeFileName(fileName))
	archivePath, err := s.archiver.Upload(ctx, objectPath, contentType, document)
	if err != nil {
		return nil, fmt.Errorf("failed to archive contract document: %w", err)
	}

	var answer string
	if strings.HasPrefix(contentType, "image/") {
		answer, err = s.intelligence.CompleteJSONWithImage(ctx, analyzeSystemPrompt, "Extract the amounts and tasks from this contract.", document, contentType)
	} else {
		answer, err = s.intelligence.CompleteJSON(ctx, analyzeSystemPrompt, string(document))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: contract analysis: %v", ErrCollaboratorFailed, err)
	}

	var extracted analyzedTerms
	if err := json.Unmarshal([]byte(answer), &extracted); err != nil {
		return nil, fmt.Errorf("%w: unparsable analysis answer: %v", ErrCollaboratorFailed, err)
	}

	terms := &domain.Terms{
		Amounts:          extracted.Amounts,
		Tasks:            extracted.Tasks,
		DocumentURL:      s.archiver.PublicURL(archivePath),
		OriginalFileName: fileName,
	}
	log.Printf("level=info component=escrow_service op=analyze_contract profile_id=%s amounts=%d tasks=%d archive=%s", profileID, len(terms.Amounts), len(terms.Tasks), archivePath)
	return terms, nil
}

// sanitizeFileName strips path separators so uploaded names cannot escape
// their object prefix.
func sanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	if name == "" {
		name = "document"
	}
	return name
}
