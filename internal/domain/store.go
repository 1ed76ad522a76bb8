package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// LoanStore persists loan records. Implementations must serialize mutations
// per loan id: of two concurrent UpdateStatus calls on the same id, exactly
// one observes the pre-transition status and the other gets
// ErrInvalidTransition once the first commits.
type LoanStore interface {
	// Create inserts a new loan. Returns ErrDuplicateID if the id exists.
	Create(ctx context.Context, loan Loan) error
	// GetByID returns the loan or ErrNotFound.
	GetByID(ctx context.Context, id string) (Loan, error)
	// UpdateStatus moves the loan into newStatus. Returns ErrNotFound if the
	// loan is absent and ErrInvalidTransition if newStatus is not a legal
	// successor of the current status. The check-and-set is atomic.
	UpdateStatus(ctx context.Context, id string, newStatus LoanStatus) error
	// ListByWallet returns the wallet's loans ordered by created_at ascending.
	ListByWallet(ctx context.Context, wallet string) ([]Loan, error)
	// ListSettledBefore returns terminal loans settled before the cutoff,
	// used by the cold-storage archiver.
	ListSettledBefore(ctx context.Context, cutoff time.Time, opts ListOpts) ([]Loan, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log of lifecycle transitions and
// settlement outcomes.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
