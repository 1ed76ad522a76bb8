package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/preauthlend/internal/domain"
)

// liquidationLockTTL bounds how long a replica holds the per-loan settlement
// lock while driving a liquidation charge.
const liquidationLockTTL = time.Minute

// LiquidationWatcher consumes position snapshots off the signal bus and
// charges the open loans of any wallet whose position flips from active to
// inactive, on the theory that a vanished position means the collateral is
// gone and the hold must be captured.
type LiquidationWatcher struct {
	loans   *LoanService
	store   domain.LoanStore
	bus     domain.SignalBus
	locks   domain.LockManager // optional, dedupes across replicas
	channel string
	logger  *slog.Logger

	mu     sync.Mutex
	active map[string]bool // wallet -> last observed position activity
}

// NewLiquidationWatcher creates a watcher reading snapshots from the given
// bus channel. locks may be nil in single-replica deployments.
func NewLiquidationWatcher(
	loans *LoanService,
	store domain.LoanStore,
	bus domain.SignalBus,
	locks domain.LockManager,
	channel string,
	logger *slog.Logger,
) *LiquidationWatcher {
	return &LiquidationWatcher{
		loans:   loans,
		store:   store,
		bus:     bus,
		locks:   locks,
		channel: channel,
		logger:  logger.With(slog.String("component", "liquidation_watcher")),
		active:  make(map[string]bool),
	}
}

// Run subscribes to the snapshot channel and processes updates until ctx is
// cancelled.
func (w *LiquidationWatcher) Run(ctx context.Context) error {
	msgs, err := w.bus.Subscribe(ctx, w.channel)
	if err != nil {
		return err
	}

	w.logger.InfoContext(ctx, "liquidation_watcher: started",
		slog.String("channel", w.channel),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var snap domain.PositionSnapshot
			if err := json.Unmarshal(msg, &snap); err != nil {
				w.logger.WarnContext(ctx, "liquidation_watcher: bad snapshot payload",
					slog.String("error", err.Error()),
				)
				continue
			}
			w.observe(ctx, snap)
		}
	}
}

// observe updates the per-wallet activity state and triggers liquidation on
// an active-to-inactive flip. A snapshot mid-refresh is ignored so a
// transient fetch failure does not liquidate anyone.
func (w *LiquidationWatcher) observe(ctx context.Context, snap domain.PositionSnapshot) {
	if snap.Wallet == "" || snap.IsUpdating {
		return
	}

	w.mu.Lock()
	wasActive, seen := w.active[snap.Wallet]
	w.active[snap.Wallet] = snap.HasActivePosition
	w.mu.Unlock()

	if !seen || !wasActive || snap.HasActivePosition {
		return
	}

	w.logger.WarnContext(ctx, "liquidation_watcher: position closed with loans possibly open",
		slog.String("wallet", snap.Wallet),
	)
	w.liquidate(ctx, snap.Wallet)
}

// liquidate charges every still-active loan of the wallet. Loans that lost
// the race to a concurrent settlement are skipped quietly.
func (w *LiquidationWatcher) liquidate(ctx context.Context, wallet string) {
	loans, err := w.store.ListByWallet(ctx, wallet)
	if err != nil {
		w.logger.ErrorContext(ctx, "liquidation_watcher: list loans failed",
			slog.String("wallet", wallet),
			slog.String("error", err.Error()),
		)
		return
	}

	for _, loan := range loans {
		if loan.Status != domain.LoanStatusActive || loan.PreAuthID == "" {
			continue
		}
		w.charge(ctx, loan.ID)
	}
}

func (w *LiquidationWatcher) charge(ctx context.Context, loanID string) {
	if w.locks != nil {
		unlock, err := w.locks.Acquire(ctx, "liquidate:"+loanID, liquidationLockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				// Another replica is already on it.
				return
			}
			w.logger.WarnContext(ctx, "liquidation_watcher: lock acquire failed",
				slog.String("loan_id", loanID),
				slog.String("error", err.Error()),
			)
			return
		}
		defer unlock()
	}

	if _, err := w.loans.Charge(ctx, loanID); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			// Settled concurrently; nothing left to do.
			return
		}
		w.logger.ErrorContext(ctx, "liquidation_watcher: charge failed",
			slog.String("loan_id", loanID),
			slog.String("error", err.Error()),
		)
		return
	}

	w.logger.InfoContext(ctx, "liquidation_watcher: loan charged",
		slog.String("loan_id", loanID),
	)
}
