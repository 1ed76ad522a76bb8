package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/preauthlend/internal/domain"
)

func testLoan(id, wallet string, createdAt time.Time) domain.Loan {
	return domain.Loan{
		ID:           id,
		Wallet:       wallet,
		PreAuthID:    "pi_" + id,
		BorrowAmount: 1000,
		Asset:        "USDC",
		Status:       domain.LoanStatusActive,
		CreatedAt:    createdAt,
	}
}

func TestLoanStore_CreateAndGet(t *testing.T) {
	store := NewLoanStore()
	ctx := context.Background()

	l := testLoan("L1", "0xabc", time.Now().UTC())
	if err := store.Create(ctx, l); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.GetByID(ctx, "L1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.Wallet != l.Wallet {
		t.Errorf("Wallet mismatch: got %s, want %s", got.Wallet, l.Wallet)
	}
	if got.Status != domain.LoanStatusActive {
		t.Errorf("Status mismatch: got %s, want active", got.Status)
	}
}

func TestLoanStore_DuplicateID(t *testing.T) {
	store := NewLoanStore()
	ctx := context.Background()

	l := testLoan("L1", "0xabc", time.Now().UTC())
	if err := store.Create(ctx, l); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}

	err := store.Create(ctx, l)
	if !errors.Is(err, domain.ErrDuplicateID) {
		t.Errorf("expected ErrDuplicateID, got %v", err)
	}
}

func TestLoanStore_NotFound(t *testing.T) {
	store := NewLoanStore()
	ctx := context.Background()

	if _, err := store.GetByID(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.UpdateStatus(ctx, "nope", domain.LoanStatusCharged); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLoanStore_UpdateStatus_TerminalOnce(t *testing.T) {
	store := NewLoanStore()
	ctx := context.Background()

	if err := store.Create(ctx, testLoan("L1", "0xabc", time.Now().UTC())); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := store.UpdateStatus(ctx, "L1", domain.LoanStatusCharged); err != nil {
		t.Fatalf("first UpdateStatus failed: %v", err)
	}

	// Any further transition out of a terminal state is rejected.
	err := store.UpdateStatus(ctx, "L1", domain.LoanStatusReleased)
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	err = store.UpdateStatus(ctx, "L1", domain.LoanStatusCharged)
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestLoanStore_UpdateStatus_ConcurrentExactlyOne(t *testing.T) {
	store := NewLoanStore()
	ctx := context.Background()

	if err := store.Create(ctx, testLoan("L1", "0xabc", time.Now().UTC())); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	const racers = 16
	var wg sync.WaitGroup
	errCh := make(chan error, racers)

	for i := 0; i < racers; i++ {
		status := domain.LoanStatusCharged
		if i%2 == 1 {
			status = domain.LoanStatusReleased
		}
		wg.Add(1)
		go func(st domain.LoanStatus) {
			defer wg.Done()
			errCh <- store.UpdateStatus(ctx, "L1", st)
		}(status)
	}
	wg.Wait()
	close(errCh)

	var succeeded, conflicted int
	for err := range errCh {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, domain.ErrInvalidTransition):
			conflicted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if succeeded != 1 {
		t.Errorf("expected exactly 1 successful transition, got %d", succeeded)
	}
	if conflicted != racers-1 {
		t.Errorf("expected %d conflicts, got %d", racers-1, conflicted)
	}
}

func TestLoanStore_ListByWallet_OrderedByCreatedAt(t *testing.T) {
	store := NewLoanStore()
	ctx := context.Background()

	base := time.Now().UTC()
	loans := []domain.Loan{
		testLoan("L3", "0xabc", base.Add(2*time.Hour)),
		testLoan("L1", "0xabc", base),
		testLoan("L2", "0xabc", base.Add(time.Hour)),
		testLoan("X1", "0xdef", base),
	}
	for _, l := range loans {
		if err := store.Create(ctx, l); err != nil {
			t.Fatalf("Create %s failed: %v", l.ID, err)
		}
	}

	result, err := store.ListByWallet(ctx, "0xabc")
	if err != nil {
		t.Fatalf("ListByWallet failed: %v", err)
	}

	if len(result) != 3 {
		t.Fatalf("expected 3 loans, got %d", len(result))
	}
	for i, want := range []string{"L1", "L2", "L3"} {
		if result[i].ID != want {
			t.Errorf("position %d: got %s, want %s", i, result[i].ID, want)
		}
	}
}

func TestLoanStore_ListSettledBefore(t *testing.T) {
	store := NewLoanStore()
	ctx := context.Background()

	if err := store.Create(ctx, testLoan("L1", "0xabc", time.Now().UTC())); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Create(ctx, testLoan("L2", "0xabc", time.Now().UTC())); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.UpdateStatus(ctx, "L1", domain.LoanStatusReleased); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	// L1 is terminal and settled in the past relative to a future cutoff;
	// L2 is still active and must not appear.
	result, err := store.ListSettledBefore(ctx, time.Now().UTC().Add(time.Hour), domain.ListOpts{})
	if err != nil {
		t.Fatalf("ListSettledBefore failed: %v", err)
	}
	if len(result) != 1 || result[0].ID != "L1" {
		t.Fatalf("expected [L1], got %v", result)
	}
}
