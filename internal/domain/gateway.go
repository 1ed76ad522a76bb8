package domain

import "context"

// CaptureResult is the processor's answer to a successful capture.
type CaptureResult struct {
	CapturedAmount int64  `json:"captured_amount"` // smallest currency unit
	ExternalRef    string `json:"external_ref"`
}

// HoldGateway wraps the external payment-hold processor. Amounts are in the
// smallest currency unit; a nil amount on Capture means the full remaining
// hold.
//
// Implementations return exactly two failure kinds: ErrUpstreamUnavailable
// (transient, safe to retry) and ErrUpstreamRejected (terminal, the hold is
// no longer capturable or releasable).
type HoldGateway interface {
	Capture(ctx context.Context, preAuthID string, amount *int64) (CaptureResult, error)
	Release(ctx context.Context, preAuthID string) error
	Cancel(ctx context.Context, preAuthID string) error
}

// PositionReader fetches the authoritative on-chain position for a wallet.
// A nil Position means the wallet has no position at all.
type PositionReader interface {
	GetPositionDetails(ctx context.Context, wallet string) (*Position, error)
}
