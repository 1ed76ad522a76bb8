package chain

import (
	"context"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/preauthlend/internal/domain"
)

// DemoReader is the demo-mode position source. It synthesizes an active
// position per wallet with slowly accruing debt, so the reconciler and the
// API behave end to end without a chain endpoint.
type DemoReader struct {
	fetches atomic.Int64
	logger  *slog.Logger
}

// NewDemoReader creates a reader that fabricates position state.
func NewDemoReader(logger *slog.Logger) *DemoReader {
	return &DemoReader{
		logger: logger.With(slog.String("component", "chain_demo")),
	}
}

// GetPositionDetails returns a synthetic active position. Debt grows a little
// on every fetch to make snapshot updates visible downstream.
func (r *DemoReader) GetPositionDetails(ctx context.Context, wallet string) (*domain.Position, error) {
	n := r.fetches.Add(1)

	collateral := big.NewInt(10_000_000)
	debt := big.NewInt(4_000_000 + n*1_000)

	r.logger.DebugContext(ctx, "chain_demo: synthesized position",
		slog.String("wallet", wallet),
		slog.Int64("fetch", n),
	)

	return &domain.Position{
		Wallet:     wallet,
		IsActive:   true,
		Collateral: collateral,
		Debt:       debt,
		FetchedAt:  time.Now().UTC(),
	}, nil
}

// Compile-time interface check.
var _ domain.PositionReader = (*DemoReader)(nil)
