package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/preauthlend/internal/domain"
	"github.com/alanyoungcy/preauthlend/internal/store/memory"
)

// fakeGateway counts settlement calls and fails on demand. A non-nil gate
// parks Capture until the gate closes, which lets tests hold a settlement
// mid-flight.
type fakeGateway struct {
	captures   atomic.Int64
	releases   atomic.Int64
	captureErr error
	releaseErr error
	gate       chan struct{}
}

func (g *fakeGateway) Capture(ctx context.Context, preAuthID string, amount *int64) (domain.CaptureResult, error) {
	g.captures.Add(1)
	if g.gate != nil {
		<-g.gate
	}
	if g.captureErr != nil {
		return domain.CaptureResult{}, g.captureErr
	}
	var captured int64
	if amount != nil {
		captured = *amount
	}
	return domain.CaptureResult{CapturedAmount: captured, ExternalRef: "ref-" + preAuthID}, nil
}

func (g *fakeGateway) Release(ctx context.Context, preAuthID string) error {
	g.releases.Add(1)
	return g.releaseErr
}

func (g *fakeGateway) Cancel(ctx context.Context, preAuthID string) error {
	return nil
}

func newTestService(t *testing.T) (*LoanService, *memory.LoanStore, *fakeGateway, *memory.AuditStore) {
	t.Helper()
	store := memory.NewLoanStore()
	gateway := &fakeGateway{}
	audit := memory.NewAuditStore()
	svc := NewLoanService(store, gateway, nil, audit, slog.New(slog.DiscardHandler))
	return svc, store, gateway, audit
}

func activeLoan(id string) domain.Loan {
	return domain.Loan{
		ID:           id,
		Wallet:       "0xfeed",
		PreAuthID:    "hold-" + id,
		BorrowAmount: 250_00,
		Asset:        "USDC",
		Status:       domain.LoanStatusActive,
		CreatedAt:    time.Now().UTC(),
	}
}

func TestCreateRejectsInvalidLoan(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.Create(context.Background(), domain.Loan{ID: "l1"})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestCreateRequiresPreAuth(t *testing.T) {
	svc, store, _, _ := newTestService(t)

	loan := activeLoan("l1")
	loan.PreAuthID = ""
	_, err := svc.Create(context.Background(), loan)
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = store.GetByID(context.Background(), "l1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestChargeCapturesAndCommits(t *testing.T) {
	svc, store, gateway, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, activeLoan("l1")))

	charged, err := svc.Charge(ctx, "l1")
	require.NoError(t, err)
	require.Equal(t, domain.LoanStatusCharged, charged.Status)
	require.EqualValues(t, 1, gateway.captures.Load())

	stored, err := store.GetByID(ctx, "l1")
	require.NoError(t, err)
	require.Equal(t, domain.LoanStatusCharged, stored.Status)
}

func TestChargeTerminalLoanNeverContactsGateway(t *testing.T) {
	svc, store, gateway, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, activeLoan("l1")))
	require.NoError(t, store.UpdateStatus(ctx, "l1", domain.LoanStatusReleased))

	_, err := svc.Charge(ctx, "l1")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	require.EqualValues(t, 0, gateway.captures.Load())
}

func TestChargeWithoutHoldFailsBeforeGateway(t *testing.T) {
	svc, store, gateway, _ := newTestService(t)
	ctx := context.Background()

	loan := activeLoan("l1")
	loan.PreAuthID = ""
	require.NoError(t, store.Create(ctx, loan))

	_, err := svc.Charge(ctx, "l1")
	require.ErrorIs(t, err, domain.ErrNoHoldToCharge)
	require.EqualValues(t, 0, gateway.captures.Load())

	stored, err := store.GetByID(ctx, "l1")
	require.NoError(t, err)
	require.Equal(t, domain.LoanStatusActive, stored.Status)
}

func TestChargeMissingLoan(t *testing.T) {
	svc, _, gateway, _ := newTestService(t)

	_, err := svc.Charge(context.Background(), "nope")
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.EqualValues(t, 0, gateway.captures.Load())
}

func TestChargeTransientFailureLeavesLoanActive(t *testing.T) {
	svc, store, gateway, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, activeLoan("l1")))
	gateway.captureErr = domain.ErrUpstreamUnavailable

	_, err := svc.Charge(ctx, "l1")
	require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)

	stored, err := store.GetByID(ctx, "l1")
	require.NoError(t, err)
	require.Equal(t, domain.LoanStatusActive, stored.Status)

	// Processor recovers; the retry settles the loan.
	gateway.captureErr = nil
	charged, err := svc.Charge(ctx, "l1")
	require.NoError(t, err)
	require.Equal(t, domain.LoanStatusCharged, charged.Status)
}

func TestChargeRejectionRecordsAuditEvent(t *testing.T) {
	svc, store, gateway, audit := newTestService(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, activeLoan("l1")))
	gateway.captureErr = domain.ErrUpstreamRejected

	_, err := svc.Charge(ctx, "l1")
	require.ErrorIs(t, err, domain.ErrUpstreamRejected)

	entries, err := audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	require.Equal(t, "upstream_rejected", entries[0].Event)

	stored, err := store.GetByID(ctx, "l1")
	require.NoError(t, err)
	require.Equal(t, domain.LoanStatusActive, stored.Status)
}

func TestReleaseWithHoldContactsGateway(t *testing.T) {
	svc, store, gateway, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, activeLoan("l1")))

	released, err := svc.Release(ctx, "l1")
	require.NoError(t, err)
	require.Equal(t, domain.LoanStatusReleased, released.Status)
	require.EqualValues(t, 1, gateway.releases.Load())
}

func TestReleaseWithoutHoldSucceedsLocally(t *testing.T) {
	svc, store, gateway, _ := newTestService(t)
	ctx := context.Background()

	loan := activeLoan("l1")
	loan.PreAuthID = ""
	require.NoError(t, store.Create(ctx, loan))

	released, err := svc.Release(ctx, "l1")
	require.NoError(t, err)
	require.Equal(t, domain.LoanStatusReleased, released.Status)
	require.EqualValues(t, 0, gateway.releases.Load())
}

func TestReleaseTerminalLoanNeverContactsGateway(t *testing.T) {
	svc, store, gateway, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, activeLoan("l1")))
	require.NoError(t, store.UpdateStatus(ctx, "l1", domain.LoanStatusCharged))

	_, err := svc.Release(ctx, "l1")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	require.EqualValues(t, 0, gateway.releases.Load())
}

func TestConcurrentChargesInvokeCaptureOnce(t *testing.T) {
	svc, store, gateway, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, activeLoan("l1")))
	gateway.gate = make(chan struct{})

	results := make(chan error, 2)
	go func() {
		_, err := svc.Charge(ctx, "l1")
		results <- err
	}()
	go func() {
		_, err := svc.Charge(ctx, "l1")
		results <- err
	}()

	// One charge is parked at the gateway; the other must be refused without
	// a second capture ever being issued.
	waitForCond(t, time.Second, func() bool { return len(results) == 1 })
	close(gateway.gate)

	first, second := <-results, <-results
	if first == nil {
		require.ErrorIs(t, second, domain.ErrInvalidTransition)
	} else {
		require.ErrorIs(t, first, domain.ErrInvalidTransition)
		require.NoError(t, second)
	}
	require.EqualValues(t, 1, gateway.captures.Load(), "capture must be invoked at most once")

	stored, err := store.GetByID(ctx, "l1")
	require.NoError(t, err)
	require.Equal(t, domain.LoanStatusCharged, stored.Status)
}

// waitForCond polls cond until it holds or the deadline passes.
func waitForCond(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", d)
}

func TestConcurrentSettlementExactlyOneWins(t *testing.T) {
	svc, store, gateway, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, activeLoan("l1")))

	const workers = 8
	var wg sync.WaitGroup
	var successes atomic.Int64
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			var err error
			if n%2 == 0 {
				_, err = svc.Charge(ctx, "l1")
			} else {
				_, err = svc.Release(ctx, "l1")
			}
			if err == nil {
				successes.Add(1)
			}
			errs[n] = err
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, successes.Load(), "exactly one settlement must commit")
	require.EqualValues(t, 1, gateway.captures.Load()+gateway.releases.Load(),
		"losers must never reach the gateway")
	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, domain.ErrInvalidTransition)
		}
	}

	stored, err := store.GetByID(ctx, "l1")
	require.NoError(t, err)
	require.True(t, stored.Status.Terminal())
}
