/**
 * @description
 * This package provides a client for interacting with the Circle Web3 Services
 * API. It encapsulates the logic for making authenticated HTTP requests to
 * Circle's endpoints, handling request body construction, and parsing
 * responses.
 *
 * The escrow-service uses Circle for four things: deploying an escrow smart
 * contract from a template, executing contract functions (token approval,
 * deposit, release), polling transaction state, and fetching the public key
 * used to verify webhook notification signatures.
 *
 * Developer-controlled wallet operations require the entity secret
 * ciphertext; every mutating call carries a fresh idempotency key.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - github.com/google/uuid: Idempotency keys for mutating calls.
 */
package circleclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EscrowContractNamePrefix is the naming convention for deployed escrow
// contracts: "Escrow <depositor wallet address>". The on-chain contract
// address is later recovered by stripping this prefix from the contract name.
const EscrowContractNamePrefix = "Escrow "

// Transaction states reported by Circle. CONFIRMED and COMPLETE are both
// success states; callers normalize them before persisting.
const (
	TxStateQueued    = "QUEUED"
	TxStateSent      = "SENT"
	TxStateConfirmed = "CONFIRMED"
	TxStateComplete  = "COMPLETE"
	TxStateFailed    = "FAILED"
	TxStateCancelled = "CANCELLED"
	TxStateDenied    = "DENIED"
)

// Client is a client for the Circle Web3 Services API.
type Client struct {
	BaseURL                string
	APIKey                 string
	EntitySecretCiphertext string
	HTTPClient             *http.Client
}

// NewClient creates a new Circle API client.
func NewClient(baseURL, apiKey, entitySecretCiphertext string) *Client {
	return &Client{
		BaseURL:                baseURL,
		APIKey:                 apiKey,
		EntitySecretCiphertext: entitySecretCiphertext,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ErrorResponse represents an error from the Circle API.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("circle api error: %d - %s", e.Code, e.Message)
	}
	return "unknown circle api error"
}

// DeployContractRequest is the payload for deploying a contract template.
type DeployContractRequest struct {
	IdempotencyKey         string                 `json:"idempotencyKey"`
	EntitySecretCiphertext string                 `json:"entitySecretCiphertext"`
	Name                   string                 `json:"name"`
	WalletID               string                 `json:"walletId"`
	Blockchain             string                 `json:"blockchain"`
	FeeLevel               string                 `json:"feeLevel"`
	TemplateParameters     map[string]interface{} `json:"templateParameters"`
}

// DeployContractResponse is the response from the template deploy endpoint.
type DeployContractResponse struct {
	Data struct {
		ContractIDs   []string `json:"contractIds"`
		TransactionID string   `json:"transactionId"`
	} `json:"data"`
}

// ContractExecutionRequest is the payload for executing a contract function.
type ContractExecutionRequest struct {
	IdempotencyKey         string        `json:"idempotencyKey"`
	EntitySecretCiphertext string        `json:"entitySecretCiphertext"`
	ContractAddress        string        `json:"contractAddress"`
	WalletID               string        `json:"walletId"`
	ABIFunctionSignature   string        `json:"abiFunctionSignature"`
	ABIParameters          []interface{} `json:"abiParameters,omitempty"`
	FeeLevel               string        `json:"feeLevel"`
}

// ContractExecutionResponse is the response from the contract execution endpoint.
type ContractExecutionResponse struct {
	Data struct {
		ID    string `json:"id"`
		State string `json:"state"`
	} `json:"data"`
}

// TransactionInfo is the subset of Circle transaction fields the service
// tracks.
type TransactionInfo struct {
	ID          string `json:"id"`
	State       string `json:"state"`
	TxHash      string `json:"txHash"`
	ErrorReason string `json:"errorReason"`
}

// TransactionResponse wraps a single transaction lookup.
type TransactionResponse struct {
	Data struct {
		Transaction TransactionInfo `json:"transaction"`
	} `json:"data"`
}

// ContractInfo describes a deployed contract.
type ContractInfo struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	ContractAddress string `json:"contractAddress"`
	Status          string `json:"status"`
}

// ContractResponse wraps a single contract lookup.
type ContractResponse struct {
	Data struct {
		Contract ContractInfo `json:"contract"`
	} `json:"data"`
}

// TokenBalance is one token's balance inside a wallet.
type TokenBalance struct {
	Amount string `json:"amount"`
	Token  struct {
		Symbol   string `json:"symbol"`
		Decimals int    `json:"decimals"`
	} `json:"token"`
}

// WalletBalanceResponse wraps a wallet balance listing.
type WalletBalanceResponse struct {
	Data struct {
		TokenBalances []TokenBalance `json:"tokenBalances"`
	} `json:"data"`
}

// PublicKeyResponse wraps a notification public key lookup.
type PublicKeyResponse struct {
	Data struct {
		ID         string `json:"id"`
		Algorithm  string `json:"algorithm"`
		PublicKey  string `json:"publicKey"`
		CreateDate string `json:"createDate"`
	} `json:"data"`
}

// AddressFromContractName recovers the on-chain escrow address from a
// contract named by convention. Returns an empty string when the name does
// not follow the convention.
func AddressFromContractName(name string) string {
	if !strings.HasPrefix(name, EscrowContractNamePrefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(name, EscrowContractNamePrefix))
}

// DeployEscrowContract deploys the escrow contract template for a new
// agreement. The contract is named "Escrow <depositor address>" so the
// address can be recovered from the contract record later.
func (c *Client) DeployEscrowContract(ctx context.Context, templateID, walletID, blockchain, depositorAddress string, templateParameters map[string]interface{}) (*DeployContractResponse, error) {
	reqPayload := DeployContractRequest{
		IdempotencyKey:         uuid.NewString(),
		EntitySecretCiphertext: c.EntitySecretCiphertext,
		Name:                   EscrowContractNamePrefix + depositorAddress,
		WalletID:               walletID,
		Blockchain:             blockchain,
		FeeLevel:               "MEDIUM",
		TemplateParameters:     templateParameters,
	}

	var deployResp DeployContractResponse
	if err := c.do(ctx, "POST", "/v1/w3s/templates/"+templateID+"/deploy", "deploy_contract", reqPayload, &deployResp); err != nil {
		return nil, err
	}
	if len(deployResp.Data.ContractIDs) == 0 {
		return nil, fmt.Errorf("deploy response contained no contract ids")
	}
	return &deployResp, nil
}

// ExecuteContractFunction submits a contract function call (approve, deposit
// or release) from a developer-controlled wallet.
func (c *Client) ExecuteContractFunction(ctx context.Context, contractAddress, walletID, abiFunctionSignature string, abiParameters []interface{}) (*ContractExecutionResponse, error) {
	reqPayload := ContractExecutionRequest{
		IdempotencyKey:         uuid.NewString(),
		EntitySecretCiphertext: c.EntitySecretCiphertext,
		ContractAddress:        contractAddress,
		WalletID:               walletID,
		ABIFunctionSignature:   abiFunctionSignature,
		ABIParameters:          abiParameters,
		FeeLevel:               "MEDIUM",
	}

	var execResp ContractExecutionResponse
	if err := c.do(ctx, "POST", "/v1/w3s/developer/transactions/contractExecution", "contract_execution", reqPayload, &execResp); err != nil {
		return nil, err
	}
	return &execResp, nil
}

// GetTransaction fetches the current state of a Circle transaction. The
// polling fallback calls this when webhook delivery is delayed.
func (c *Client) GetTransaction(ctx context.Context, transactionID string) (*TransactionInfo, error) {
	var txResp TransactionResponse
	if err := c.do(ctx, "GET", "/v1/w3s/transactions/"+transactionID, "get_transaction", nil, &txResp); err != nil {
		return nil, err
	}
	return &txResp.Data.Transaction, nil
}

// GetContract fetches a deployed contract record, including the on-chain
// address once deployment has confirmed.
func (c *Client) GetContract(ctx context.Context, contractID string) (*ContractInfo, error) {
	var contractResp ContractResponse
	if err := c.do(ctx, "GET", "/v1/w3s/contracts/"+contractID, "get_contract", nil, &contractResp); err != nil {
		return nil, err
	}
	return &contractResp.Data.Contract, nil
}

// GetWalletBalance fetches the token balances of a Circle wallet.
func (c *Client) GetWalletBalance(ctx context.Context, circleWalletID string) ([]TokenBalance, error) {
	var balanceResp WalletBalanceResponse
	if err := c.do(ctx, "GET", "/v1/w3s/wallets/"+circleWalletID+"/balances", "get_wallet_balance", nil, &balanceResp); err != nil {
		return nil, err
	}
	return balanceResp.Data.TokenBalances, nil
}

// FetchNotificationPublicKey fetches the PEM public key Circle signs webhook
// notifications with, identified by the key id from the notification headers.
func (c *Client) FetchNotificationPublicKey(ctx context.Context, keyID string) (string, error) {
	var keyResp PublicKeyResponse
	if err := c.do(ctx, "GET", "/v2/notifications/publicKey/"+keyID, "get_notification_public_key", nil, &keyResp); err != nil {
		return "", err
	}
	return keyResp.Data.PublicKey, nil
}

// do executes an authenticated request against the Circle API and decodes
// the response into out.
func (c *Client) do(ctx context.Context, method, path, op string, payload interface{}, out interface{}) error {
	var reqBody io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		reqBody = bytes.NewBuffer(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil || errResp.Message == "" {
			log.Printf("level=warn component=circle_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", op, resp.StatusCode)
			return fmt.Errorf("circle api returned status %d", resp.StatusCode)
		}
		log.Printf("level=warn component=circle_client op=%s status=%d code=%d detail=%q", op, resp.StatusCode, errResp.Code, errResp.Message)
		return &errResp
	}

	if out != nil {
		if err := json.Unmarshal(bodyBytes, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", op, err)
		}
	}
	return nil
}
