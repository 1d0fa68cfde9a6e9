/**
 * @description
 * This file contains the event listener that reacts to transaction status
 * events from the escrow events exchange. The listener is the ONLY component
 * that advances an agreement past PENDING: both webhook deliveries and
 * polling observations are published as events and land here, giving the
 * state machine a single idempotent apply path.
 *
 * Handlers return an ack bool: true acknowledges (including deliberate
 * drops), false requeues for redelivery.
 *
 * @dependencies
 * - context, encoding/json, log: Standard Go libraries.
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/circleclient: Platform balance reads after confirmed fund movements.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/google/uuid"

	"github.com/trustlock/escrow-service/internal/domain"
	"github.com/trustlock/escrow-service/internal/store"
)

// EventConsumer applies transaction status events to the database.
type EventConsumer struct {
	repo     store.Repository
	platform PlatformClient
}

// NewEventConsumer creates a new event consumer.
func NewEventConsumer(repo store.Repository, platform PlatformClient) *EventConsumer {
	return &EventConsumer{repo: repo, platform: platform}
}

// Bindings returns the routing-key bindings the consumer subscribes with.
func (c *EventConsumer) Bindings() map[string]func([]byte) bool {
	return map[string]func([]byte) bool{
		"transaction.status.*": c.HandleTransactionStatusEvent,
		"agreement.created":    c.HandleAgreementCreatedEvent,
	}
}

// HandleTransactionStatusEvent processes one transaction status event. The
// whole path is idempotent: a duplicate delivery matches zero rows at every
// conditional write and falls through as a no-op.
func (c *EventConsumer) HandleTransactionStatusEvent(body []byte) bool {
	ctx := context.Background()

	var event domain.TransactionStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=escrow_listener msg=\"unparsable status event; dropping\" err=%v", err)
		return true
	}

	if !domain.KnownTransactionType(event.TransactionType) {
		log.Printf("level=info component=escrow_listener event_id=%s msg=\"ignoring unknown transaction type\" transaction_type=%s", event.EventID, event.TransactionType)
		return true
	}

	txn, err := c.resolveTransaction(ctx, event)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			log.Printf("level=warn component=escrow_listener event_id=%s msg=\"event references unknown transaction; dropping\" transaction_id=%s circle_txn=%s", event.EventID, event.TransactionID, event.CircleTransactionID)
			return true
		}
		log.Printf("level=error component=escrow_listener event_id=%s msg=\"failed to resolve transaction; re-queuing\" err=%v", event.EventID, err)
		return false
	}

	// Only events initiated by a party to the agreement may move it.
	parties, err := c.repo.FindAgreementParties(ctx, txn.EscrowAgreementID)
	if err != nil {
		if errors.Is(err, store.ErrAgreementNotFound) {
			log.Printf("level=warn component=escrow_listener event_id=%s msg=\"transaction has no agreement; dropping\" transaction_id=%s", event.EventID, txn.ID)
			return true
		}
		log.Printf("level=error component=escrow_listener event_id=%s msg=\"failed to resolve parties; re-queuing\" err=%v", event.EventID, err)
		return false
	}
	if !parties.Includes(txn.ProfileID) {
		log.Printf("level=warn component=escrow_listener event_id=%s msg=\"initiator is not a party; dropping\" transaction_id=%s profile_id=%s", event.EventID, txn.ID, txn.ProfileID)
		return true
	}

	status := NormalizePlatformState(event.Status)
	if status == domain.TransactionStatusPending {
		log.Printf("level=info component=escrow_listener event_id=%s msg=\"non-terminal status; nothing to apply\" status=%s", event.EventID, event.Status)
		return true
	}

	var applied bool
	switch status {
	case domain.TransactionStatusComplete:
		applied, err = c.repo.MarkTransactionComplete(ctx, txn.ID)
	case domain.TransactionStatusFailed:
		reason := event.ErrorReason
		if reason == "" {
			reason = "platform reported failure"
		}
		applied, err = c.repo.MarkTransactionFailed(ctx, txn.ID, reason)
	}
	if err != nil {
		log.Printf("level=error component=escrow_listener event_id=%s msg=\"failed to update transaction; re-queuing\" transaction_id=%s err=%v", event.EventID, txn.ID, err)
		return false
	}
	if !applied {
		log.Printf("level=info component=escrow_listener event_id=%s msg=\"transaction already terminal; duplicate delivery\" transaction_id=%s", event.EventID, txn.ID)
	}

	if transition, ok := TransitionFor(txn.TransactionType, status); ok {
		moved, err := c.repo.UpdateAgreementStatusIf(ctx, txn.EscrowAgreementID, transition.From, transition.To)
		if err != nil {
			log.Printf("level=error component=escrow_listener event_id=%s msg=\"failed to update agreement; re-queuing\" agreement_id=%s err=%v", event.EventID, txn.EscrowAgreementID, err)
			return false
		}
		if moved {
			log.Printf("level=info component=escrow_listener event_id=%s agreement_id=%s from=%s to=%s txn_type=%s status=%s", event.EventID, txn.EscrowAgreementID, transition.From, transition.To, txn.TransactionType, status)
		} else {
			log.Printf("level=info component=escrow_listener event_id=%s agreement_id=%s msg=\"transition not applicable; no-op\" txn_type=%s status=%s", event.EventID, txn.EscrowAgreementID, txn.TransactionType, status)
		}
	}

	// A confirmed fund movement changes both parties' platform balances, so
	// the cached wallet balances are refreshed here.
	if status == domain.TransactionStatusComplete &&
		(txn.TransactionType == domain.TransactionTypeFundsDeposit || txn.TransactionType == domain.TransactionTypeFundsRelease) {
		c.refreshWalletBalances(ctx, event.EventID, parties)
	}
	return true
}

// refreshWalletBalances re-reads both parties' platform balances and replaces
// the cached values. The cache is advisory, so failures are logged and never
// requeue the event.
func (c *EventConsumer) refreshWalletBalances(ctx context.Context, eventID string, parties *domain.AgreementParties) {
	for _, walletID := range []uuid.UUID{parties.DepositorWalletID, parties.BeneficiaryWalletID} {
		wallet, err := c.repo.FindWalletByID(ctx, walletID)
		if err != nil {
			log.Printf("level=warn component=escrow_listener event_id=%s msg=\"failed to load wallet for balance refresh\" wallet_id=%s err=%v", eventID, walletID, err)
			continue
		}
		balances, err := c.platform.GetWalletBalance(ctx, wallet.CircleWalletID)
		if err != nil {
			log.Printf("level=warn component=escrow_listener event_id=%s msg=\"failed to fetch platform balance\" wallet_id=%s err=%v", eventID, walletID, err)
			continue
		}
		usdc, err := usdcBalance(balances)
		if err != nil {
			log.Printf("level=warn component=escrow_listener event_id=%s msg=\"failed to parse platform balance\" wallet_id=%s err=%v", eventID, walletID, err)
			continue
		}
		if err := c.repo.UpdateWalletBalance(ctx, wallet.ID, usdc); err != nil {
			log.Printf("level=warn component=escrow_listener event_id=%s msg=\"failed to update cached balance\" wallet_id=%s err=%v", eventID, walletID, err)
		}
	}
}

// resolveTransaction locates the internal transaction record an event refers
// to, preferring the internal id and falling back to the platform id.
func (c *EventConsumer) resolveTransaction(ctx context.Context, event domain.TransactionStatusEvent) (*domain.Transaction, error) {
	if event.TransactionID != uuid.Nil {
		txn, err := c.repo.FindTransactionByID(ctx, event.TransactionID)
		if err == nil {
			return txn, nil
		}
		if !errors.Is(err, store.ErrTransactionNotFound) {
			return nil, err
		}
	}
	if event.CircleTransactionID != "" {
		return c.repo.FindTransactionByCircleTransactionID(ctx, event.CircleTransactionID)
	}
	return nil, store.ErrTransactionNotFound
}

// HandleAgreementCreatedEvent records agreement creation announcements.
// Counterparty-facing fan-out happens client side; the listener only logs.
func (c *EventConsumer) HandleAgreementCreatedEvent(body []byte) bool {
	var event domain.AgreementCreatedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=escrow_listener msg=\"unparsable agreement created event; dropping\" err=%v", err)
		return true
	}
	log.Printf("level=info component=escrow_listener msg=\"agreement created\" agreement_id=%s", event.AgreementID)
	return true
}
