package domain

import (
	"time"

	"github.com/google/uuid"
)

// Profile represents a party (depositor or beneficiary) identified by an
// authentication identity. Each profile owns exactly one wallet.
type Profile struct {
	ID         uuid.UUID `json:"id"`
	AuthUserID string    `json:"auth_user_id"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
}

// Wallet is a custodial account issued by the wallet platform. Balance is a
// read-through cache of the platform ledger: refreshed on demand and after
// confirmed fund movements, never authoritative on its own. Writes are always
// a full replace of the cached value.
type Wallet struct {
	ID             uuid.UUID `json:"id"`
	ProfileID      uuid.UUID `json:"profile_id"`
	CircleWalletID string    `json:"circle_wallet_id"`
	WalletAddress  string    `json:"wallet_address"`
	Blockchain     string    `json:"blockchain"`
	Balance        float64   `json:"balance"` // cached, in USDC
	Currency       string    `json:"currency"`
	UpdatedAt      time.Time `json:"updated_at"`
}
