package domain

import (
	"math/big"
	"time"
)

// Position is a wallet's on-chain leveraged exposure as reported by the
// margin pool contract. Beyond IsActive the reconciler treats it as opaque;
// the remaining fields are passed through to observers untouched.
type Position struct {
	Wallet     string    `json:"wallet"`
	IsActive   bool      `json:"is_active"`
	Collateral *big.Int  `json:"collateral,omitempty"`
	Debt       *big.Int  `json:"debt,omitempty"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// PositionSnapshot is the reconciler's published view of a wallet. It is
// replaced wholesale on every successful fetch; only IsUpdating toggles
// independently of the data.
type PositionSnapshot struct {
	Wallet            string    `json:"wallet"`
	HasActivePosition bool      `json:"has_active_position"`
	Position          *Position `json:"position,omitempty"` // present iff HasActivePosition
	LastUpdated       time.Time `json:"last_updated"`
	IsUpdating        bool      `json:"is_updating"`
}

// InactiveSnapshot returns the explicit empty snapshot published after a
// failed fetch or when the wallet has no open position.
func InactiveSnapshot(wallet string, now time.Time) PositionSnapshot {
	return PositionSnapshot{
		Wallet:            wallet,
		HasActivePosition: false,
		Position:          nil,
		LastUpdated:       now,
		IsUpdating:        false,
	}
}
