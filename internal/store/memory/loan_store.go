// Package memory provides in-memory implementations of the domain stores.
// Demo mode runs against these so the engine works with zero infrastructure;
// tests use them as well.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/preauthlend/internal/domain"
)

// LoanStore is an in-memory implementation of domain.LoanStore. A single
// mutex serializes all mutations, which gives the per-id atomicity the
// UpdateStatus contract requires.
type LoanStore struct {
	mu    sync.RWMutex
	loans map[string]domain.Loan
	// settledAt mirrors the settled_at column of the postgres store.
	settledAt map[string]time.Time
}

// NewLoanStore creates an empty in-memory loan store.
func NewLoanStore() *LoanStore {
	return &LoanStore{
		loans:     make(map[string]domain.Loan),
		settledAt: make(map[string]time.Time),
	}
}

// Create inserts a new loan. Returns domain.ErrDuplicateID if the id exists.
func (s *LoanStore) Create(_ context.Context, l domain.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.loans[l.ID]; exists {
		return domain.ErrDuplicateID
	}
	s.loans[l.ID] = l
	return nil
}

// GetByID returns the loan or domain.ErrNotFound.
func (s *LoanStore) GetByID(_ context.Context, id string) (domain.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, exists := s.loans[id]
	if !exists {
		return domain.Loan{}, domain.ErrNotFound
	}
	return l, nil
}

// UpdateStatus moves the loan into newStatus. The current status is
// re-checked under the lock, so of two concurrent settlements exactly one
// observes 'active' and the other gets domain.ErrInvalidTransition.
func (s *LoanStore) UpdateStatus(_ context.Context, id string, newStatus domain.LoanStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, exists := s.loans[id]
	if !exists {
		return domain.ErrNotFound
	}
	if !l.Status.CanTransitionTo(newStatus) {
		return domain.ErrInvalidTransition
	}

	l.Status = newStatus
	s.loans[id] = l
	s.settledAt[id] = time.Now().UTC()
	return nil
}

// ListByWallet returns the wallet's loans ordered by created_at ascending.
func (s *LoanStore) ListByWallet(_ context.Context, wallet string) ([]domain.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Loan
	for _, l := range s.loans {
		if l.Wallet == wallet {
			result = append(result, l)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return result, nil
}

// ListSettledBefore returns terminal loans settled before the cutoff, oldest
// settlement first.
func (s *LoanStore) ListSettledBefore(_ context.Context, cutoff time.Time, opts domain.ListOpts) ([]domain.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []domain.Loan
	for id, l := range s.loans {
		if !l.Status.Terminal() {
			continue
		}
		if ts, ok := s.settledAt[id]; ok && ts.Before(cutoff) {
			result = append(result, l)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return s.settledAt[result[i].ID].Before(s.settledAt[result[j].ID])
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// Compile-time interface check.
var _ domain.LoanStore = (*LoanStore)(nil)
