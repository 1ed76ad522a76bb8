package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/preauthlend/internal/domain"
)

// fakeReader is a scriptable PositionReader. When gate is non-nil each call
// blocks until the gate closes, which lets tests hold a fetch in flight.
type fakeReader struct {
	mu    sync.Mutex
	calls []string
	pos   map[string]*domain.Position
	err   error
	gate  chan struct{}
}

func newFakeReader() *fakeReader {
	return &fakeReader{pos: make(map[string]*domain.Position)}
}

func (f *fakeReader) GetPositionDetails(ctx context.Context, wallet string) (*domain.Position, error) {
	f.mu.Lock()
	f.calls = append(f.calls, wallet)
	gate := f.gate
	pos := f.pos[wallet]
	err := f.err
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return pos, err
}

func (f *fakeReader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeReader) setPosition(wallet string, pos *domain.Position) {
	f.mu.Lock()
	f.pos[wallet] = pos
	f.mu.Unlock()
}

func (f *fakeReader) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func activePosition(wallet string) *domain.Position {
	return &domain.Position{
		Wallet:     wallet,
		IsActive:   true,
		Collateral: big.NewInt(1_000_000),
		Debt:       big.NewInt(400_000),
		FetchedAt:  time.Now().UTC(),
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", d)
}

func TestStartObservingFetchesImmediately(t *testing.T) {
	reader := newFakeReader()
	reader.setPosition("0xabc", activePosition("0xabc"))

	r := New(reader, nil, nil, Config{
		PollInterval: time.Hour,
		MinFetchGap:  time.Hour,
	}, testLogger())
	defer r.Close()

	r.StartObserving(context.Background(), "0xabc")

	waitFor(t, time.Second, func() bool {
		snap, ok := r.Snapshot("0xabc")
		return ok && snap.HasActivePosition
	})

	snap, _ := r.Snapshot("0xabc")
	if snap.Position == nil || snap.Position.Collateral.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("expected position details, got %+v", snap.Position)
	}
	if snap.IsUpdating {
		t.Fatal("settled snapshot should not be marked updating")
	}
}

func TestStartObservingIsIdempotent(t *testing.T) {
	reader := newFakeReader()

	r := New(reader, nil, nil, Config{
		PollInterval: time.Hour,
		MinFetchGap:  time.Hour,
	}, testLogger())
	defer r.Close()

	r.StartObserving(context.Background(), "0xabc")
	r.StartObserving(context.Background(), "0xabc")
	r.StartObserving(context.Background(), "0xabc")

	waitFor(t, time.Second, func() bool { return reader.callCount() >= 1 })
	time.Sleep(50 * time.Millisecond)

	if got := reader.callCount(); got != 1 {
		t.Fatalf("expected 1 fetch, got %d", got)
	}
}

func TestRateGuardSkipsBackToBackRefreshes(t *testing.T) {
	reader := newFakeReader()
	reader.setPosition("0xabc", activePosition("0xabc"))

	r := New(reader, nil, nil, Config{
		PollInterval: time.Hour,
		MinFetchGap:  time.Hour,
	}, testLogger())
	defer r.Close()

	ctx := context.Background()
	r.StartObserving(ctx, "0xabc")
	waitFor(t, time.Second, func() bool { return reader.callCount() == 1 })

	// Both triggers land inside the gap; neither may fetch.
	r.Refresh(ctx, "0xabc")
	r.Refresh(ctx, "0xabc")
	time.Sleep(50 * time.Millisecond)

	if got := reader.callCount(); got != 1 {
		t.Fatalf("expected rate guard to hold fetches at 1, got %d", got)
	}
}

func TestConcurrencyGuardSkipsWhileInFlight(t *testing.T) {
	reader := newFakeReader()
	gate := make(chan struct{})
	reader.gate = gate
	reader.setPosition("0xabc", activePosition("0xabc"))

	r := New(reader, nil, nil, Config{
		PollInterval: time.Hour,
		MinFetchGap:  time.Millisecond,
	}, testLogger())
	defer r.Close()

	ctx := context.Background()
	r.StartObserving(ctx, "0xabc")
	waitFor(t, time.Second, func() bool { return reader.callCount() == 1 })

	// The first fetch is parked on the gate; these must be skipped even
	// though the rate guard has long expired.
	time.Sleep(20 * time.Millisecond)
	r.Refresh(ctx, "0xabc")
	r.Refresh(ctx, "0xabc")
	time.Sleep(20 * time.Millisecond)

	if got := reader.callCount(); got != 1 {
		t.Fatalf("expected in-flight guard to hold fetches at 1, got %d", got)
	}

	close(gate)
	waitFor(t, time.Second, func() bool {
		snap, ok := r.Snapshot("0xabc")
		return ok && snap.HasActivePosition
	})
}

func TestFetchFailureYieldsInactiveSnapshot(t *testing.T) {
	reader := newFakeReader()
	reader.setErr(errors.New("rpc: connection refused"))

	r := New(reader, nil, nil, Config{
		PollInterval: time.Hour,
		MinFetchGap:  time.Hour,
	}, testLogger())
	defer r.Close()

	r.StartObserving(context.Background(), "0xabc")

	waitFor(t, time.Second, func() bool {
		snap, ok := r.Snapshot("0xabc")
		return ok && !snap.LastUpdated.IsZero()
	})

	snap, _ := r.Snapshot("0xabc")
	if snap.HasActivePosition {
		t.Fatal("failed fetch must report an inactive position")
	}
	if snap.Position != nil {
		t.Fatal("failed fetch must not carry position details")
	}
	if snap.IsUpdating {
		t.Fatal("failed fetch must clear the updating flag")
	}
}

func TestRefreshPreservesPriorPositionWhileUpdating(t *testing.T) {
	reader := newFakeReader()
	reader.setPosition("0xabc", activePosition("0xabc"))

	r := New(reader, nil, nil, Config{
		PollInterval: time.Hour,
		MinFetchGap:  time.Millisecond,
	}, testLogger())
	defer r.Close()

	ctx := context.Background()
	r.StartObserving(ctx, "0xabc")
	waitFor(t, time.Second, func() bool {
		snap, ok := r.Snapshot("0xabc")
		return ok && snap.HasActivePosition
	})

	// Park the second fetch so the in-between state is observable.
	gate := make(chan struct{})
	reader.mu.Lock()
	reader.gate = gate
	reader.mu.Unlock()

	time.Sleep(5 * time.Millisecond)
	r.Refresh(ctx, "0xabc")

	waitFor(t, time.Second, func() bool {
		snap, _ := r.Snapshot("0xabc")
		return snap.IsUpdating
	})
	snap, _ := r.Snapshot("0xabc")
	if !snap.HasActivePosition || snap.Position == nil {
		t.Fatal("refresh must keep the prior position visible while updating")
	}

	close(gate)
	waitFor(t, time.Second, func() bool {
		snap, _ := r.Snapshot("0xabc")
		return !snap.IsUpdating
	})
}

func TestStopObservingDiscardsInFlightResult(t *testing.T) {
	reader := newFakeReader()
	gate := make(chan struct{})
	reader.gate = gate
	reader.setPosition("0xabc", activePosition("0xabc"))

	r := New(reader, nil, nil, Config{
		PollInterval: time.Hour,
		MinFetchGap:  time.Hour,
	}, testLogger())
	defer r.Close()

	r.StartObserving(context.Background(), "0xabc")
	waitFor(t, time.Second, func() bool { return reader.callCount() == 1 })

	r.StopObserving("0xabc")
	close(gate)
	time.Sleep(50 * time.Millisecond)

	if _, ok := r.Snapshot("0xabc"); ok {
		t.Fatal("snapshot must be gone after observation stops")
	}
}

func TestSetWalletDebouncesRapidSwitches(t *testing.T) {
	reader := newFakeReader()
	reader.setPosition("0xbbb", activePosition("0xbbb"))

	r := New(reader, nil, nil, Config{
		PollInterval:   time.Hour,
		MinFetchGap:    time.Hour,
		SwitchDebounce: 40 * time.Millisecond,
	}, testLogger())
	defer r.Close()

	ctx := context.Background()
	r.SetWallet(ctx, "0xaaa")
	time.Sleep(10 * time.Millisecond)
	r.SetWallet(ctx, "0xbbb")
	time.Sleep(10 * time.Millisecond)
	r.SetWallet(ctx, "0xbbb")

	waitFor(t, time.Second, func() bool { return reader.callCount() >= 1 })
	time.Sleep(60 * time.Millisecond)

	reader.mu.Lock()
	calls := append([]string(nil), reader.calls...)
	reader.mu.Unlock()

	if len(calls) != 1 || calls[0] != "0xbbb" {
		t.Fatalf("expected exactly one fetch for the final wallet, got %v", calls)
	}
	if _, ok := r.Snapshot("0xaaa"); ok {
		t.Fatal("intermediate wallet must never be observed")
	}
}

func TestSubscribeDeliversCurrentAndSubsequentSnapshots(t *testing.T) {
	reader := newFakeReader()
	reader.setPosition("0xabc", activePosition("0xabc"))

	r := New(reader, nil, nil, Config{
		PollInterval: time.Hour,
		MinFetchGap:  time.Millisecond,
	}, testLogger())
	defer r.Close()

	ctx := context.Background()
	ch, cancel := r.Subscribe(ctx, "0xabc")
	defer cancel()

	// First delivery is the (still empty) current snapshot.
	first := <-ch
	if first.Wallet != "0xabc" {
		t.Fatalf("unexpected wallet %q", first.Wallet)
	}

	var got domain.PositionSnapshot
	waitFor(t, time.Second, func() bool {
		select {
		case got = <-ch:
			return got.HasActivePosition
		default:
			return false
		}
	})
	if got.Position == nil {
		t.Fatal("expected position details on the active snapshot")
	}
}

func TestLastUnsubscribeStopsObservation(t *testing.T) {
	reader := newFakeReader()

	r := New(reader, nil, nil, Config{
		PollInterval: time.Hour,
		MinFetchGap:  time.Hour,
	}, testLogger())
	defer r.Close()

	_, cancel := r.Subscribe(context.Background(), "0xabc")
	cancel()

	if _, ok := r.Snapshot("0xabc"); ok {
		t.Fatal("observation must stop when the last subscriber leaves")
	}
}

func TestObservationOutlivesCallerContext(t *testing.T) {
	reader := newFakeReader()
	reader.setPosition("0xabc", activePosition("0xabc"))

	r := New(reader, nil, nil, Config{
		PollInterval: 20 * time.Millisecond,
		MinFetchGap:  time.Millisecond,
	}, testLogger())
	defer r.Close()

	// Handlers observe with request-scoped contexts; ending the request must
	// not end the observation.
	reqCtx, cancelReq := context.WithCancel(context.Background())
	r.StartObserving(reqCtx, "0xabc")
	waitFor(t, time.Second, func() bool { return reader.callCount() >= 1 })

	cancelReq()
	waitFor(t, time.Second, func() bool { return reader.callCount() >= 3 })

	snap, ok := r.Snapshot("0xabc")
	if !ok || !snap.HasActivePosition {
		t.Fatalf("expected a live active snapshot after caller context ended, got ok=%v snap=%+v", ok, snap)
	}
}

func TestRefreshContextCancelDoesNotPoisonSnapshot(t *testing.T) {
	reader := newFakeReader()
	gate := make(chan struct{})
	reader.setPosition("0xabc", activePosition("0xabc"))

	r := New(reader, nil, nil, Config{
		PollInterval: time.Hour,
		MinFetchGap:  time.Millisecond,
	}, testLogger())
	defer r.Close()

	r.StartObserving(context.Background(), "0xabc")
	waitFor(t, time.Second, func() bool {
		snap, ok := r.Snapshot("0xabc")
		return ok && snap.HasActivePosition
	})

	// Park the refresh, then end the triggering request while it is in
	// flight. The fetch must complete on its own and keep the position.
	reader.mu.Lock()
	reader.gate = gate
	reader.mu.Unlock()

	reqCtx, cancelReq := context.WithCancel(context.Background())
	time.Sleep(5 * time.Millisecond)
	r.Refresh(reqCtx, "0xabc")
	cancelReq()
	close(gate)

	waitFor(t, time.Second, func() bool {
		snap, _ := r.Snapshot("0xabc")
		return !snap.IsUpdating
	})
	snap, _ := r.Snapshot("0xabc")
	if !snap.HasActivePosition {
		t.Fatal("cancelled trigger context must not downgrade the snapshot")
	}
}

func TestSubscribeRacingStopObserving(t *testing.T) {
	reader := newFakeReader()

	r := New(reader, nil, nil, Config{
		PollInterval: time.Hour,
		MinFetchGap:  time.Hour,
	}, testLogger())
	defer r.Close()

	// Churn subscription against stop; registration must always land on a
	// live watch.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			r.StopObserving("0xabc")
		}
	}()

	for i := 0; i < 200; i++ {
		ch, cancel := r.Subscribe(context.Background(), "0xabc")
		<-ch
		cancel()
	}
	<-done

	if _, ok := r.Snapshot("0xabc"); ok {
		r.StopObserving("0xabc")
	}
}

func TestBackgroundPollOnlyWhileActive(t *testing.T) {
	reader := newFakeReader()
	// No position at all: first fetch settles inactive.

	r := New(reader, nil, nil, Config{
		PollInterval: 20 * time.Millisecond,
		MinFetchGap:  time.Millisecond,
	}, testLogger())
	defer r.Close()

	r.StartObserving(context.Background(), "0xabc")
	waitFor(t, time.Second, func() bool { return reader.callCount() == 1 })

	// Several poll intervals pass; the inactive snapshot keeps the loop
	// passive.
	time.Sleep(100 * time.Millisecond)
	if got := reader.callCount(); got != 1 {
		t.Fatalf("expected no background polls while inactive, got %d fetches", got)
	}

	// An active position resumes the cadence.
	reader.setPosition("0xabc", activePosition("0xabc"))
	r.Refresh(context.Background(), "0xabc")
	waitFor(t, time.Second, func() bool { return reader.callCount() >= 3 })
}
