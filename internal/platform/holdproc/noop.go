package holdproc

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/alanyoungcy/preauthlend/internal/domain"
)

// NoopGateway is the demo-mode hold gateway. It implements the same contract
// as Client but always succeeds without any network call, so the lifecycle
// controller runs a single code path in both modes.
type NoopGateway struct {
	logger *slog.Logger
}

// NewNoopGateway creates a gateway that approves every operation.
func NewNoopGateway(logger *slog.Logger) *NoopGateway {
	return &NoopGateway{
		logger: logger.With(slog.String("component", "holdproc_noop")),
	}
}

// Capture pretends to capture the full requested amount.
func (g *NoopGateway) Capture(ctx context.Context, preAuthID string, amount *int64) (domain.CaptureResult, error) {
	var captured int64
	if amount != nil {
		captured = *amount
	}
	ref := "demo-" + uuid.New().String()

	g.logger.InfoContext(ctx, "holdproc_noop: capture bypassed",
		slog.String("pre_auth_id", preAuthID),
		slog.Int64("amount", captured),
		slog.String("reference", ref),
	)
	return domain.CaptureResult{CapturedAmount: captured, ExternalRef: ref}, nil
}

// Release pretends to release the hold.
func (g *NoopGateway) Release(ctx context.Context, preAuthID string) error {
	g.logger.InfoContext(ctx, "holdproc_noop: release bypassed",
		slog.String("pre_auth_id", preAuthID),
	)
	return nil
}

// Cancel pretends to void the hold.
func (g *NoopGateway) Cancel(ctx context.Context, preAuthID string) error {
	g.logger.InfoContext(ctx, "holdproc_noop: cancel bypassed",
		slog.String("pre_auth_id", preAuthID),
	)
	return nil
}

// Compile-time interface check.
var _ domain.HoldGateway = (*NoopGateway)(nil)
