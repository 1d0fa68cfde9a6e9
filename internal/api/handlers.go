/**
 * @description
 * This file contains the HTTP handlers for the escrow-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, io, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/trustlock/escrow-service/internal/app"
	"github.com/trustlock/escrow-service/internal/domain"
	"github.com/trustlock/escrow-service/internal/store"
)

// maxUploadBytes bounds contract documents and work images.
const maxUploadBytes = 10 << 20

// Submission throttling: expensive collaborator calls per profile per window.
const (
	submissionRateLimit  = 5
	submissionRateWindow = time.Minute
)

// EscrowHandlers holds the application service that handlers will use.
type EscrowHandlers struct {
	service     *app.Service
	rateLimiter *app.RedisSubmissionRateLimiter
}

// NewEscrowHandlers creates a new instance of EscrowHandlers.
func NewEscrowHandlers(service *app.Service, rateLimiter *app.RedisSubmissionRateLimiter) *EscrowHandlers {
	return &EscrowHandlers{service: service, rateLimiter: rateLimiter}
}

// resolveProfileID maps the authenticated subject id onto the internal
// profile UUID, writing the error response itself on failure.
func (h *EscrowHandlers) resolveProfileID(w http.ResponseWriter, r *http.Request, endpoint string) (uuid.UUID, bool) {
	authUserID, ok := GetAuthUserID(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return uuid.Nil, false
	}
	profileID, err := h.service.ResolveInternalProfileID(r.Context(), authUserID)
	if err != nil {
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=profile_resolution_failed auth_user_id=%s err=%v", endpoint, authUserID, err)
		h.writeError(w, http.StatusBadRequest, "Profile not found")
		return uuid.Nil, false
	}
	return profileID, true
}

// agreementIDParam parses the {agreementID} URL parameter.
func (h *EscrowHandlers) agreementIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	agreementID, err := uuid.Parse(chi.URLParam(r, "agreementID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid agreement ID")
		return uuid.Nil, false
	}
	return agreementID, true
}

// throttleSubmission applies the per-profile rate limit for collaborator-heavy
// endpoints. Returns false after writing a 429 when the limit is exceeded.
func (h *EscrowHandlers) throttleSubmission(w http.ResponseWriter, r *http.Request, scope string, profileID uuid.UUID) bool {
	if h.rateLimiter == nil {
		return true
	}
	count, retryAfter, err := h.rateLimiter.ConsumeRateLimit(r.Context(), scope, profileID.String(), submissionRateLimit, submissionRateWindow)
	if err != nil {
		// A broken limiter must not block the product path.
		log.Printf("level=warn component=api endpoint=%s msg=\"rate limiter unavailable\" err=%v", scope, err)
		return true
	}
	if count > submissionRateLimit {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.writeError(w, http.StatusTooManyRequests, "Too many submissions; try again later")
		return false
	}
	return true
}

// readUpload extracts the uploaded file from a multipart form.
func readUpload(r *http.Request, field string) (data []byte, fileName, contentType string, err error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, "", "", fmt.Errorf("invalid multipart form: %w", err)
	}
	file, header, err := r.FormFile(field)
	if err != nil {
		return nil, "", "", fmt.Errorf("missing %q file: %w", field, err)
	}
	defer file.Close()

	data, err = io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		return nil, "", "", fmt.Errorf("failed to read upload: %w", err)
	}
	contentType = header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return data, header.Filename, contentType, nil
}

// AnalyzeContractHandler accepts an uploaded contract document and returns
// the extracted terms.
func (h *EscrowHandlers) AnalyzeContractHandler(w http.ResponseWriter, r *http.Request) {
	profileID, ok := h.resolveProfileID(w, r, "analyze_contract")
	if !ok {
		return
	}
	if !h.throttleSubmission(w, r, "analyze_contract", profileID) {
		return
	}

	data, fileName, contentType, err := readUpload(r, "document")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	terms, err := h.service.AnalyzeContractDocument(r.Context(), profileID, fileName, contentType, data)
	if err != nil {
		log.Printf("level=warn component=api endpoint=analyze_contract outcome=failed profile_id=%s err=%v", profileID, err)
		if errors.Is(err, app.ErrCollaboratorFailed) {
			h.writeError(w, http.StatusBadGateway, "Contract analysis failed")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, terms)
}

// CreateAgreementHandler creates a new escrow agreement from extracted terms.
func (h *EscrowHandlers) CreateAgreementHandler(w http.ResponseWriter, r *http.Request) {
	profileID, ok := h.resolveProfileID(w, r, "create_agreement")
	if !ok {
		return
	}

	var payload domain.CreateAgreementPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	agreement, err := h.service.CreateAgreement(r.Context(), profileID, payload)
	if err != nil {
		log.Printf("level=warn component=api endpoint=create_agreement outcome=failed profile_id=%s err=%v", profileID, err)
		switch {
		case errors.Is(err, app.ErrInvalidAgreement):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, store.ErrWalletNotFound):
			h.writeError(w, http.StatusNotFound, "Wallet not found")
		default:
			h.writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, agreement)
}

// ListAgreementsHandler lists the caller's agreements.
func (h *EscrowHandlers) ListAgreementsHandler(w http.ResponseWriter, r *http.Request) {
	profileID, ok := h.resolveProfileID(w, r, "list_agreements")
	if !ok {
		return
	}
	agreements, err := h.service.GetAgreements(r.Context(), profileID)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_agreements profile_id=%s err=%v", profileID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if agreements == nil {
		agreements = []domain.AgreementWithDetails{}
	}
	h.writeJSON(w, http.StatusOK, agreements)
}

// GetAgreementHandler fetches one agreement the caller is party to.
func (h *EscrowHandlers) GetAgreementHandler(w http.ResponseWriter, r *http.Request) {
	profileID, ok := h.resolveProfileID(w, r, "get_agreement")
	if !ok {
		return
	}
	agreementID, ok := h.agreementIDParam(w, r)
	if !ok {
		return
	}

	agreement, err := h.service.GetAgreement(r.Context(), profileID, agreementID)
	if err != nil {
		h.writeAgreementError(w, "get_agreement", profileID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, agreement)
}

// DeployContractHandler deploys the escrow smart contract for an agreement.
func (h *EscrowHandlers) DeployContractHandler(w http.ResponseWriter, r *http.Request) {
	profileID, ok := h.resolveProfileID(w, r, "deploy_contract")
	if !ok {
		return
	}
	agreementID, ok := h.agreementIDParam(w, r)
	if !ok {
		return
	}

	txn, err := h.service.DeployContract(r.Context(), profileID, agreementID)
	if err != nil {
		h.writeAgreementError(w, "deploy_contract", profileID, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, txn)
}

// InitiateDepositHandler funds the escrow contract.
func (h *EscrowHandlers) InitiateDepositHandler(w http.ResponseWriter, r *http.Request) {
	profileID, ok := h.resolveProfileID(w, r, "initiate_deposit")
	if !ok {
		return
	}
	agreementID, ok := h.agreementIDParam(w, r)
	if !ok {
		return
	}

	txn, err := h.service.InitiateDeposit(r.Context(), profileID, agreementID)
	if err != nil {
		h.writeAgreementError(w, "initiate_deposit", profileID, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, txn)
}

// SubmitWorkHandler accepts the beneficiary's work image and runs the
// validation gate.
func (h *EscrowHandlers) SubmitWorkHandler(w http.ResponseWriter, r *http.Request) {
	profileID, ok := h.resolveProfileID(w, r, "submit_work")
	if !ok {
		return
	}
	agreementID, ok := h.agreementIDParam(w, r)
	if !ok {
		return
	}
	if !h.throttleSubmission(w, r, "submit_work", profileID) {
		return
	}

	data, fileName, contentType, err := readUpload(r, "image")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.service.SubmitWork(r.Context(), profileID, agreementID, fileName, contentType, data)
	if err != nil {
		// A rejected-release error still carries the verdict; surface both.
		if result != nil {
			log.Printf("level=warn component=api endpoint=submit_work outcome=release_failed agreement_id=%s err=%v", agreementID, err)
			h.writeJSON(w, http.StatusBadGateway, result)
			return
		}
		h.writeAgreementError(w, "submit_work", profileID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// CancelAgreementHandler deletes a not-yet-deployed agreement.
func (h *EscrowHandlers) CancelAgreementHandler(w http.ResponseWriter, r *http.Request) {
	profileID, ok := h.resolveProfileID(w, r, "cancel_agreement")
	if !ok {
		return
	}
	agreementID, ok := h.agreementIDParam(w, r)
	if !ok {
		return
	}

	if err := h.service.CancelAgreement(r.Context(), profileID, agreementID); err != nil {
		h.writeAgreementError(w, "cancel_agreement", profileID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// ReplayAgreementStatusHandler re-derives an agreement's status from its
// transaction ledger.
func (h *EscrowHandlers) ReplayAgreementStatusHandler(w http.ResponseWriter, r *http.Request) {
	profileID, ok := h.resolveProfileID(w, r, "replay_status")
	if !ok {
		return
	}
	agreementID, ok := h.agreementIDParam(w, r)
	if !ok {
		return
	}

	// Replay is party-restricted like any other agreement read.
	if _, err := h.service.GetAgreement(r.Context(), profileID, agreementID); err != nil {
		h.writeAgreementError(w, "replay_status", profileID, err)
		return
	}

	status, err := h.service.ReplayAgreementStatus(r.Context(), agreementID)
	if err != nil {
		h.writeAgreementError(w, "replay_status", profileID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// ListTransactionsHandler returns the caller's transaction history.
func (h *EscrowHandlers) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	profileID, ok := h.resolveProfileID(w, r, "list_transactions")
	if !ok {
		return
	}
	transactions, err := h.service.ListTransactions(r.Context(), profileID)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_transactions profile_id=%s err=%v", profileID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if transactions == nil {
		transactions = []domain.Transaction{}
	}
	h.writeJSON(w, http.StatusOK, transactions)
}

// WaitForTransactionHandler polls the platform until the transaction settles.
func (h *EscrowHandlers) WaitForTransactionHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.resolveProfileID(w, r, "wait_for_transaction"); !ok {
		return
	}
	transactionID, err := uuid.Parse(chi.URLParam(r, "transactionID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid transaction ID")
		return
	}

	status, err := h.service.WaitForTransactionState(r.Context(), transactionID)
	if err != nil {
		if errors.Is(err, app.ErrPollTimeout) {
			h.writeError(w, http.StatusGatewayTimeout, "Transaction is still pending")
			return
		}
		if errors.Is(err, store.ErrTransactionNotFound) {
			h.writeError(w, http.StatusNotFound, "Transaction not found")
			return
		}
		log.Printf("level=error component=api endpoint=wait_for_transaction err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// SyncWalletBalanceHandler refreshes the cached wallet balance from the
// platform.
func (h *EscrowHandlers) SyncWalletBalanceHandler(w http.ResponseWriter, r *http.Request) {
	profileID, ok := h.resolveProfileID(w, r, "sync_wallet_balance")
	if !ok {
		return
	}
	wallet, err := h.service.SyncWalletBalance(r.Context(), profileID)
	if err != nil {
		log.Printf("level=warn component=api endpoint=sync_wallet_balance outcome=failed profile_id=%s err=%v", profileID, err)
		switch {
		case errors.Is(err, store.ErrWalletNotFound):
			h.writeError(w, http.StatusNotFound, "Wallet not found")
		case errors.Is(err, app.ErrCollaboratorFailed):
			h.writeError(w, http.StatusBadGateway, "Balance lookup failed")
		default:
			h.writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}
	h.writeJSON(w, http.StatusOK, wallet)
}

// writeAgreementError maps service errors from agreement operations onto
// HTTP status codes.
func (h *EscrowHandlers) writeAgreementError(w http.ResponseWriter, endpoint string, profileID uuid.UUID, err error) {
	log.Printf("level=warn component=api endpoint=%s outcome=failed profile_id=%s err=%v", endpoint, profileID, err)
	switch {
	case errors.Is(err, store.ErrAgreementNotFound):
		h.writeError(w, http.StatusNotFound, "Agreement not found")
	case errors.Is(err, store.ErrWalletNotFound):
		h.writeError(w, http.StatusNotFound, "Wallet not found")
	case errors.Is(err, store.ErrTransactionNotFound):
		h.writeError(w, http.StatusNotFound, "Transaction not found")
	case errors.Is(err, app.ErrNotAParty), errors.Is(err, app.ErrNotDepositor), errors.Is(err, app.ErrNotBeneficiary):
		h.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, app.ErrWrongStatus), errors.Is(err, app.ErrCancelNotAllowed), errors.Is(err, app.ErrNoContract):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrActionInFlight):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrInvalidAgreement):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrCollaboratorFailed):
		h.writeError(w, http.StatusBadGateway, "Platform call failed")
	default:
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *EscrowHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *EscrowHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
