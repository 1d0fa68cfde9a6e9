/**
 * @description
 * This file sets up the HTTP router for the escrow-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * The Circle webhook endpoint sits outside the authenticated group: it is
 * secured by the notification signature, not a bearer token.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// EscrowRoutes creates and returns a new router for the escrow service.
func EscrowRoutes(h *EscrowHandlers, wh *WebhookHandlers, jwksURL string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Platform webhook: signature-verified, no bearer auth.
	r.Head("/webhooks/circle", wh.CircleWebhookHandler)
	r.Post("/webhooks/circle", wh.CircleWebhookHandler)

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(jwksURL))

		r.Post("/contracts/analyze", h.AnalyzeContractHandler)

		r.Get("/agreements", h.ListAgreementsHandler)
		r.Post("/agreements", h.CreateAgreementHandler)
		r.Get("/agreements/{agreementID}", h.GetAgreementHandler)
		r.Delete("/agreements/{agreementID}", h.CancelAgreementHandler)
		r.Post("/agreements/{agreementID}/deploy", h.DeployContractHandler)
		r.Post("/agreements/{agreementID}/deposit", h.InitiateDepositHandler)
		r.Post("/agreements/{agreementID}/work", h.SubmitWorkHandler)
		r.Post("/agreements/{agreementID}/replay", h.ReplayAgreementStatusHandler)

		r.Get("/transactions", h.ListTransactionsHandler)
		r.Post("/transactions/{transactionID}/wait", h.WaitForTransactionHandler)

		r.Post("/wallet/balance/sync", h.SyncWalletBalanceHandler)
	})

	return r
}
