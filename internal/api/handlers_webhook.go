/**
 * @description
 * This file contains the handler for inbound Circle webhook notifications.
 * Circle signs every notification with an asymmetric key; the handler fetches
 * the public key named by the X-Circle-Key-Id header, verifies the SHA-256
 * signature over the raw body, and only then publishes the status event.
 * An unverifiable notification is rejected with no side effect.
 *
 * Verified transaction notifications are not applied here: they are
 * published to the escrow events exchange and flow through the listener's
 * idempotent apply path, the same as polling observations.
 *
 * @dependencies
 * - crypto/*, encoding/*, net/http, sync: Standard Go libraries.
 * - internal/domain, internal/store: Event shape and transaction lookup.
 * - pkg/rabbitmq: Event publishing.
 */

package api

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trustlock/escrow-service/internal/app"
	"github.com/trustlock/escrow-service/internal/domain"
	"github.com/trustlock/escrow-service/internal/store"
	"github.com/trustlock/escrow-service/pkg/rabbitmq"
)

const maxWebhookBodyBytes = 1 << 20

// NotificationKeyFetcher resolves a Circle notification signing key by id.
type NotificationKeyFetcher interface {
	FetchNotificationPublicKey(ctx context.Context, keyID string) (string, error)
}

// circleNotification is the envelope Circle posts to the webhook endpoint.
type circleNotification struct {
	SubscriptionID   string `json:"subscriptionId"`
	NotificationID   string `json:"notificationId"`
	NotificationType string `json:"notificationType"`
	Notification     struct {
		ID          string `json:"id"`
		State       string `json:"state"`
		ErrorReason string `json:"errorReason"`
	} `json:"notification"`
	Timestamp string `json:"timestamp"`
}

// WebhookHandlers processes inbound platform notifications.
type WebhookHandlers struct {
	repo       store.Repository
	producer   rabbitmq.Publisher
	keyFetcher NotificationKeyFetcher

	mu       sync.Mutex
	keyCache map[string]crypto.PublicKey
}

// NewWebhookHandlers creates a new webhook handler set.
func NewWebhookHandlers(repo store.Repository, producer rabbitmq.Publisher, keyFetcher NotificationKeyFetcher) *WebhookHandlers {
	return &WebhookHandlers{
		repo:       repo,
		producer:   producer,
		keyFetcher: keyFetcher,
		keyCache:   make(map[string]crypto.PublicKey),
	}
}

// CircleWebhookHandler receives platform notifications. Circle probes the
// endpoint with HEAD before enabling a subscription.
func (h *WebhookHandlers) CircleWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("X-Circle-Signature")
	keyID := r.Header.Get("X-Circle-Key-Id")
	if signature == "" || keyID == "" {
		log.Printf("level=warn component=webhook msg=\"notification missing signature headers; rejected\"")
		http.Error(w, "Missing signature", http.StatusUnauthorized)
		return
	}

	if err := h.verifySignature(r.Context(), keyID, body, signature); err != nil {
		log.Printf("level=warn component=webhook msg=\"signature verification failed; rejected\" key_id=%s err=%v", keyID, err)
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	var notification circleNotification
	if err := json.Unmarshal(body, &notification); err != nil {
		log.Printf("level=warn component=webhook msg=\"unparsable notification body\" err=%v", err)
		http.Error(w, "Invalid body", http.StatusBadRequest)
		return
	}

	// Only outbound transaction notifications carry escrow lifecycle state.
	if !strings.HasPrefix(notification.NotificationType, "transactions.") {
		log.Printf("level=info component=webhook msg=\"ignoring notification type\" notification_type=%s", notification.NotificationType)
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.publishStatusEvent(r.Context(), notification); err != nil {
		log.Printf("level=error component=webhook notification_id=%s msg=\"failed to publish status event\" err=%v", notification.NotificationID, err)
		http.Error(w, "Failed to process notification", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// publishStatusEvent maps a verified notification onto the internal event
// shape and publishes it. Notifications for transactions the service never
// recorded are acknowledged and dropped.
func (h *WebhookHandlers) publishStatusEvent(ctx context.Context, notification circleNotification) error {
	txn, err := h.repo.FindTransactionByCircleTransactionID(ctx, notification.Notification.ID)
	if err != nil {
		if errors.Is(err, store.ErrTransactionNotFound) {
			log.Printf("level=info component=webhook notification_id=%s msg=\"notification for untracked transaction; dropped\" circle_txn=%s", notification.NotificationID, notification.Notification.ID)
			return nil
		}
		return fmt.Errorf("failed to look up transaction: %w", err)
	}

	event := domain.TransactionStatusEvent{
		EventID:             uuid.NewString(),
		TransactionID:       txn.ID,
		CircleTransactionID: notification.Notification.ID,
		TransactionType:     txn.TransactionType,
		OldStatus:           txn.Status,
		Status:              app.NormalizePlatformState(notification.Notification.State),
		ErrorReason:         notification.Notification.ErrorReason,
		OccurredAt:          time.Now().UTC(),
	}
	return h.producer.PublishTransactionStatusEvent(ctx, event)
}

// verifySignature checks the base64 ECDSA or RSA SHA-256 signature over the
// raw request body using the key Circle published under keyID.
func (h *WebhookHandlers) verifySignature(ctx context.Context, keyID string, body []byte, signatureB64 string) error {
	publicKey, err := h.publicKey(ctx, keyID)
	if err != nil {
		return err
	}

	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("signature is not valid base64: %w", err)
	}

	digest := sha256.Sum256(body)
	switch key := publicKey.(type) {
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(key, digest[:], signature) {
			return errors.New("ecdsa signature mismatch")
		}
		return nil
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], signature)
	default:
		return fmt.Errorf("unsupported public key type %T", publicKey)
	}
}

// publicKey returns the parsed signing key for keyID, fetching and caching
// it on first use.
func (h *WebhookHandlers) publicKey(ctx context.Context, keyID string) (crypto.PublicKey, error) {
	h.mu.Lock()
	cached, ok := h.keyCache[keyID]
	h.mu.Unlock()
	if ok {
		return cached, nil
	}

	raw, err := h.keyFetcher.FetchNotificationPublicKey(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch notification key: %w", err)
	}

	key, err := parsePublicKey(raw)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.keyCache[keyID] = key
	h.mu.Unlock()
	return key, nil
}

// parsePublicKey accepts the key either PEM-encoded or as raw base64 DER.
func parsePublicKey(raw string) (crypto.PublicKey, error) {
	raw = strings.TrimSpace(raw)

	var der []byte
	if block, _ := pem.Decode([]byte(raw)); block != nil {
		der = block.Bytes
	} else {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("public key is neither PEM nor base64: %w", err)
		}
		der = decoded
	}

	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}
