// Package reconcile maintains a near-real-time view of each observed
// wallet's on-chain position without hammering the chain RPC endpoint.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/preauthlend/internal/domain"
)

// PositionEventsChannel is the pub/sub channel carrying snapshot updates.
const PositionEventsChannel = "positions"

// Config holds the reconciliation loop parameters.
type Config struct {
	// PollInterval is the background refresh cadence while a position is
	// active.
	PollInterval time.Duration
	// MinFetchGap is the minimum time between two attempted refreshes for a
	// wallet, foreground or background.
	MinFetchGap time.Duration
	// SwitchDebounce is the settle time applied to observed-wallet changes.
	SwitchDebounce time.Duration
}

// withDefaults fills in the reference cadence for unset fields.
func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 12 * time.Second
	}
	if c.MinFetchGap <= 0 {
		c.MinFetchGap = 5 * time.Second
	}
	if c.SwitchDebounce < 0 {
		c.SwitchDebounce = 0
	}
	return c
}

// Reconciler polls the chain for position state per observed wallet and
// publishes the freshest snapshot to subscribers, the snapshot cache, and
// the signal bus. All guard checks and snapshot replacement happen
// synchronously under the per-wallet mutex; only the chain fetch itself
// runs concurrently.
type Reconciler struct {
	reader domain.PositionReader
	cache  domain.SnapshotCache // optional
	bus    domain.SignalBus     // optional
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	watches map[string]*watch

	// Debounced wallet switching.
	switchTimer   *time.Timer
	currentWallet string
}

// watch is the per-wallet observation state. wallet observation is
// idle -> observing -> idle; a watch exists exactly while observing.
type watch struct {
	wallet string

	mu          sync.Mutex
	snap        domain.PositionSnapshot
	seq         uint64 // latest issued fetch sequence
	lastAttempt time.Time
	inFlight    bool
	stopped     bool
	subs        map[int]chan domain.PositionSnapshot
	nextSubID   int

	cancel context.CancelFunc
}

// New creates a Reconciler. cache and bus may be nil.
func New(
	reader domain.PositionReader,
	cache domain.SnapshotCache,
	bus domain.SignalBus,
	cfg Config,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		reader:  reader,
		cache:   cache,
		bus:     bus,
		cfg:     cfg.withDefaults(),
		logger:  logger.With(slog.String("component", "reconciler")),
		watches: make(map[string]*watch),
	}
}

// StartObserving begins observation of a wallet. It is idempotent: calling
// it while the wallet is already observed is a no-op. The first fetch runs
// immediately in the background loop before the ticker starts.
//
// The observation outlives the caller's context: handlers pass
// request-scoped contexts, and the poll loop must keep running long after
// the request that woke it has ended. Only StopObserving and Close end an
// observation.
func (r *Reconciler) StartObserving(ctx context.Context, wallet string) {
	r.ensureWatch(ctx, wallet)
}

// ensureWatch returns the wallet's watch, creating it and starting its poll
// loop if the wallet is not observed. The loop context carries the caller's
// values but is detached from its cancellation.
func (r *Reconciler) ensureWatch(ctx context.Context, wallet string) *watch {
	r.mu.Lock()
	if w, exists := r.watches[wallet]; exists {
		r.mu.Unlock()
		return w
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w := &watch{
		wallet: wallet,
		snap:   domain.PositionSnapshot{Wallet: wallet},
		subs:   make(map[int]chan domain.PositionSnapshot),
		cancel: cancel,
	}
	r.watches[wallet] = w
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "reconciler: observing wallet",
		slog.String("wallet", wallet),
	)

	go r.loop(loopCtx, w)
	return w
}

// StopObserving ends observation of a wallet: the poll loop is cancelled,
// any in-flight fetch result is discarded on arrival, subscriber channels
// are closed, and the snapshot is discarded.
func (r *Reconciler) StopObserving(wallet string) {
	r.mu.Lock()
	w, exists := r.watches[wallet]
	if !exists {
		r.mu.Unlock()
		return
	}
	delete(r.watches, wallet)
	r.mu.Unlock()

	w.mu.Lock()
	w.stopped = true
	w.seq++ // orphan any in-flight fetch
	subs := w.subs
	w.subs = make(map[int]chan domain.PositionSnapshot)
	w.mu.Unlock()

	w.cancel()
	for _, ch := range subs {
		close(ch)
	}

	if r.cache != nil {
		invCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = r.cache.Invalidate(invCtx, wallet)
		cancel()
	}

	r.logger.Info("reconciler: stopped observing wallet",
		slog.String("wallet", wallet),
	)
}

// SetWallet switches observation to a new wallet, debounced so a fast
// sequence of address changes triggers at most one fetch, for the final
// address only. An empty wallet stops observation entirely.
func (r *Reconciler) SetWallet(ctx context.Context, wallet string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.switchTimer != nil {
		r.switchTimer.Stop()
	}

	apply := func() {
		r.mu.Lock()
		previous := r.currentWallet
		r.currentWallet = wallet
		r.mu.Unlock()

		if previous != "" && previous != wallet {
			r.StopObserving(previous)
		}
		if wallet != "" {
			r.StartObserving(ctx, wallet)
		}
	}

	if r.cfg.SwitchDebounce == 0 {
		r.mu.Unlock()
		apply()
		r.mu.Lock()
		return
	}
	r.switchTimer = time.AfterFunc(r.cfg.SwitchDebounce, apply)
}

// Refresh requests an immediate refresh for an observed wallet, subject to
// the same guards as the background cadence. Callers use it to wake a
// passive observation, e.g. right after creating a loan.
func (r *Reconciler) Refresh(ctx context.Context, wallet string) {
	r.mu.Lock()
	w, exists := r.watches[wallet]
	r.mu.Unlock()
	if !exists {
		r.StartObserving(ctx, wallet)
		return
	}
	r.tryRefresh(ctx, w)
}

// Snapshot returns a copy of the current snapshot for a wallet. The second
// return is false when the wallet is not observed.
func (r *Reconciler) Snapshot(wallet string) (domain.PositionSnapshot, bool) {
	r.mu.Lock()
	w, exists := r.watches[wallet]
	r.mu.Unlock()
	if !exists {
		return domain.PositionSnapshot{}, false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return copySnapshot(w.snap), true
}

// Subscribe starts observation of the wallet if needed and returns a channel
// that receives the current snapshot and every subsequent update. The
// returned cancel function unsubscribes; when the last subscriber leaves,
// observation of the wallet stops.
func (r *Reconciler) Subscribe(ctx context.Context, wallet string) (<-chan domain.PositionSnapshot, func()) {
	ch := make(chan domain.PositionSnapshot, 16)

	// A concurrent StopObserving can retire the watch between creation and
	// registration; a stopped watch never delivers, so take a fresh one.
	var (
		w       *watch
		id      int
		current domain.PositionSnapshot
	)
	for {
		w = r.ensureWatch(ctx, wallet)
		w.mu.Lock()
		if w.stopped {
			w.mu.Unlock()
			continue
		}
		id = w.nextSubID
		w.nextSubID++
		w.subs[id] = ch
		current = copySnapshot(w.snap)
		w.mu.Unlock()
		break
	}

	ch <- current

	unsubscribe := func() {
		w.mu.Lock()
		if _, ok := w.subs[id]; !ok {
			w.mu.Unlock()
			return
		}
		delete(w.subs, id)
		remaining := len(w.subs)
		w.mu.Unlock()

		if remaining == 0 {
			r.StopObserving(wallet)
		} else {
			close(ch)
		}
	}

	return ch, unsubscribe
}

// Close stops all observations.
func (r *Reconciler) Close() {
	r.mu.Lock()
	wallets := make([]string, 0, len(r.watches))
	for wallet := range r.watches {
		wallets = append(wallets, wallet)
	}
	if r.switchTimer != nil {
		r.switchTimer.Stop()
	}
	r.mu.Unlock()

	for _, wallet := range wallets {
		r.StopObserving(wallet)
	}
}

// loop runs the immediate foreground fetch and then the background cadence.
// While the latest snapshot reports no active position the tick is skipped,
// leaving the observation passive until Refresh wakes it.
func (r *Reconciler) loop(ctx context.Context, w *watch) {
	r.tryRefresh(ctx, w)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			active := w.snap.HasActivePosition
			w.mu.Unlock()
			if !active {
				continue
			}
			r.tryRefresh(ctx, w)
		}
	}
}

// tryRefresh checks the concurrency and rate guards under the wallet mutex
// and, if both pass, stamps a new fetch sequence and launches the fetch. A
// failed guard skips the attempt entirely; nothing is queued or retried.
func (r *Reconciler) tryRefresh(ctx context.Context, w *watch) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	if w.inFlight {
		w.mu.Unlock()
		return
	}
	if !w.lastAttempt.IsZero() && time.Since(w.lastAttempt) < r.cfg.MinFetchGap {
		w.mu.Unlock()
		return
	}

	w.lastAttempt = time.Now()
	w.inFlight = true
	w.seq++
	seq := w.seq

	firstFetch := w.snap.LastUpdated.IsZero()
	if !firstFetch {
		// Flag the refresh without dropping the prior position data, so
		// consumers never see a flicker to an empty state.
		w.snap.IsUpdating = true
		r.fanOutLocked(w)
	}
	w.mu.Unlock()

	// Detach from the trigger's context: a request-scoped Refresh must not
	// abort the fetch (and poison the snapshot) when the request ends.
	go r.fetch(context.WithoutCancel(ctx), w, seq)
}

// fetch performs the chain read and applies the result if it is still the
// latest issued fetch for the wallet. Any error is downgraded to an explicit
// inactive snapshot; fetch failures never propagate to callers.
func (r *Reconciler) fetch(ctx context.Context, w *watch, seq uint64) {
	pos, err := r.reader.GetPositionDetails(ctx, w.wallet)
	now := time.Now().UTC()

	var snap domain.PositionSnapshot
	if err != nil {
		err = fmt.Errorf("%w: %v", domain.ErrFetchFailed, err)
		r.logger.WarnContext(ctx, "reconciler: position fetch failed",
			slog.String("wallet", w.wallet),
			slog.String("error", err.Error()),
		)
		snap = domain.InactiveSnapshot(w.wallet, now)
	} else {
		active := pos != nil && pos.IsActive
		snap = domain.PositionSnapshot{
			Wallet:            w.wallet,
			HasActivePosition: active,
			LastUpdated:       now,
			IsUpdating:        false,
		}
		if active {
			snap.Position = pos
		}
	}

	w.mu.Lock()
	if w.stopped || seq != w.seq {
		// A newer fetch was issued or observation stopped; discard.
		w.mu.Unlock()
		return
	}
	w.inFlight = false
	w.snap = snap
	r.fanOutLocked(w)
	w.mu.Unlock()

	r.publish(ctx, snap)
}

// fanOutLocked delivers the current snapshot to all subscribers without
// blocking; slow subscribers miss intermediate updates. Caller holds w.mu.
func (r *Reconciler) fanOutLocked(w *watch) {
	for _, ch := range w.subs {
		select {
		case ch <- copySnapshot(w.snap):
		default:
		}
	}
}

// publish pushes the applied snapshot to the cache and the signal bus,
// best-effort.
func (r *Reconciler) publish(ctx context.Context, snap domain.PositionSnapshot) {
	if r.cache != nil {
		if err := r.cache.Set(ctx, snap); err != nil {
			r.logger.WarnContext(ctx, "reconciler: snapshot cache set failed",
				slog.String("wallet", snap.Wallet),
				slog.String("error", err.Error()),
			)
		}
	}
	if r.bus != nil {
		data, _ := json.Marshal(snap)
		if err := r.bus.Publish(ctx, PositionEventsChannel, data); err != nil {
			r.logger.WarnContext(ctx, "reconciler: publish snapshot failed",
				slog.String("wallet", snap.Wallet),
				slog.String("error", err.Error()),
			)
		}
	}
}

// copySnapshot returns a value copy with its own Position struct so callers
// cannot mutate reconciler state.
func copySnapshot(snap domain.PositionSnapshot) domain.PositionSnapshot {
	out := snap
	if snap.Position != nil {
		pos := *snap.Position
		out.Position = &pos
	}
	return out
}
