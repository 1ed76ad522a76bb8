package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/preauthlend/internal/domain"
)

// LoanEventsChannel is the pub/sub channel carrying loan lifecycle events.
const LoanEventsChannel = "loans"

// LoanService owns the loan lifecycle: creation, charge, and release. It
// validates transitions, talks to the hold gateway, and commits the local
// status change through the store's atomic check-and-set. No mutex is held
// across a gateway call; a per-loan settlement claim keeps concurrent
// in-process attempts from both reaching the gateway, and the store's per-id
// atomicity is what prevents two settlements from both succeeding.
type LoanService struct {
	loans   domain.LoanStore
	gateway domain.HoldGateway
	bus     domain.SignalBus
	audit   domain.AuditStore
	logger  *slog.Logger

	// settling marks loans with a settlement between gateway call and commit,
	// so two in-process racers cannot both reach the gateway. The store CAS
	// still arbitrates across replicas.
	mu       sync.Mutex
	settling map[string]struct{}
}

// NewLoanService creates a LoanService with all required dependencies. bus
// and audit may be nil in stripped-down deployments; gateway selection (real
// vs demo no-op) happens at wiring time.
func NewLoanService(
	loans domain.LoanStore,
	gateway domain.HoldGateway,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *LoanService {
	return &LoanService{
		loans:    loans,
		gateway:  gateway,
		bus:      bus,
		audit:    audit,
		logger:   logger,
		settling: make(map[string]struct{}),
	}
}

// beginSettlement claims the loan for one settlement attempt. It reports
// false when another attempt is already between its gateway call and commit.
func (s *LoanService) beginSettlement(loanID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.settling[loanID]; busy {
		return false
	}
	s.settling[loanID] = struct{}{}
	return true
}

func (s *LoanService) endSettlement(loanID string) {
	s.mu.Lock()
	delete(s.settling, loanID)
	s.mu.Unlock()
}

// Create validates and persists a new loan in status active.
func (s *LoanService) Create(ctx context.Context, loan domain.Loan) (domain.Loan, error) {
	if loan.Status == "" {
		loan.Status = domain.LoanStatusActive
	}
	if loan.Status != domain.LoanStatusActive {
		return domain.Loan{}, fmt.Errorf("loan_service: %w: new loans must be active", domain.ErrValidation)
	}
	if loan.CreatedAt.IsZero() {
		loan.CreatedAt = time.Now().UTC()
	}

	if err := loan.Validate(); err != nil {
		return domain.Loan{}, fmt.Errorf("loan_service: %w", err)
	}

	if err := s.loans.Create(ctx, loan); err != nil {
		return domain.Loan{}, fmt.Errorf("loan_service: create loan %q: %w", loan.ID, err)
	}

	s.recordEvent(ctx, "loan_created", map[string]any{
		"loan_id":       loan.ID,
		"wallet":        loan.Wallet,
		"pre_auth_id":   loan.PreAuthID,
		"borrow_amount": loan.BorrowAmount,
		"asset":         loan.Asset,
	})

	s.logger.InfoContext(ctx, "loan_service: loan created",
		slog.String("loan_id", loan.ID),
		slog.String("wallet", loan.Wallet),
		slog.Int64("borrow_amount", loan.BorrowAmount),
		slog.String("asset", loan.Asset),
	)

	return loan, nil
}

// GetByID returns a single loan.
func (s *LoanService) GetByID(ctx context.Context, id string) (domain.Loan, error) {
	loan, err := s.loans.GetByID(ctx, id)
	if err != nil {
		return domain.Loan{}, fmt.Errorf("loan_service: get loan %q: %w", id, err)
	}
	return loan, nil
}

// ListByWallet returns the wallet's loans, oldest first.
func (s *LoanService) ListByWallet(ctx context.Context, wallet string) ([]domain.Loan, error) {
	loans, err := s.loans.ListByWallet(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("loan_service: list loans for %q: %w", wallet, err)
	}
	return loans, nil
}

// Charge captures the loan's pre-authorization and marks the loan charged.
//
// The transition is only committed after a successful capture, and the
// commit itself re-checks the status atomically, so a concurrent settlement
// that won the race surfaces here as ErrInvalidTransition. Terminal loans
// are rejected before the gateway is ever contacted, which is what prevents
// a double capture against the processor.
func (s *LoanService) Charge(ctx context.Context, loanID string) (domain.Loan, error) {
	// The claim covers the status read as well as the gateway call, so a
	// racer never acts on a status older than the previous settlement.
	if !s.beginSettlement(loanID) {
		return domain.Loan{}, fmt.Errorf("loan_service: charge %q: settlement in progress: %w",
			loanID, domain.ErrInvalidTransition)
	}
	defer s.endSettlement(loanID)

	loan, err := s.loans.GetByID(ctx, loanID)
	if err != nil {
		return domain.Loan{}, fmt.Errorf("loan_service: charge %q: %w", loanID, err)
	}

	if loan.Status.Terminal() {
		return domain.Loan{}, fmt.Errorf("loan_service: charge %q: loan is %s: %w",
			loanID, loan.Status, domain.ErrInvalidTransition)
	}
	if loan.PreAuthID == "" {
		return domain.Loan{}, fmt.Errorf("loan_service: charge %q: %w", loanID, domain.ErrNoHoldToCharge)
	}

	amount := loan.BorrowAmount
	result, err := s.gateway.Capture(ctx, loan.PreAuthID, &amount)
	if err != nil {
		if errors.Is(err, domain.ErrUpstreamRejected) {
			s.recordEvent(ctx, "upstream_rejected", map[string]any{
				"loan_id":     loanID,
				"operation":   "capture",
				"pre_auth_id": loan.PreAuthID,
				"error":       err.Error(),
			})
		}
		// Loan stays active either way; transient failures are safe for the
		// caller to retry once the processor recovers.
		return domain.Loan{}, fmt.Errorf("loan_service: charge %q: %w", loanID, err)
	}

	if err := s.commit(ctx, loanID, domain.LoanStatusCharged); err != nil {
		// The money moved but the local transition lost a race or the loan
		// vanished. This needs an operator; make it loud.
		s.logger.ErrorContext(ctx, "loan_service: capture succeeded but status commit failed",
			slog.String("loan_id", loanID),
			slog.String("external_ref", result.ExternalRef),
			slog.String("error", err.Error()),
		)
		s.recordEvent(ctx, "settlement_commit_failed", map[string]any{
			"loan_id":      loanID,
			"operation":    "capture",
			"external_ref": result.ExternalRef,
			"error":        err.Error(),
		})
		return domain.Loan{}, fmt.Errorf("loan_service: charge %q: commit: %w", loanID, err)
	}

	s.recordEvent(ctx, "loan_charged", map[string]any{
		"loan_id":         loanID,
		"wallet":          loan.Wallet,
		"pre_auth_id":     loan.PreAuthID,
		"captured_amount": result.CapturedAmount,
		"external_ref":    result.ExternalRef,
	})

	s.logger.InfoContext(ctx, "loan_service: loan charged",
		slog.String("loan_id", loanID),
		slog.Int64("captured_amount", result.CapturedAmount),
		slog.String("external_ref", result.ExternalRef),
	)

	loan.Status = domain.LoanStatusCharged
	return loan, nil
}

// Release releases the loan's pre-authorization and marks the loan released.
// A loan without a pre-authorization has nothing to release at the
// processor; it is still marked released.
func (s *LoanService) Release(ctx context.Context, loanID string) (domain.Loan, error) {
	if !s.beginSettlement(loanID) {
		return domain.Loan{}, fmt.Errorf("loan_service: release %q: settlement in progress: %w",
			loanID, domain.ErrInvalidTransition)
	}
	defer s.endSettlement(loanID)

	loan, err := s.loans.GetByID(ctx, loanID)
	if err != nil {
		return domain.Loan{}, fmt.Errorf("loan_service: release %q: %w", loanID, err)
	}

	if loan.Status.Terminal() {
		return domain.Loan{}, fmt.Errorf("loan_service: release %q: loan is %s: %w",
			loanID, loan.Status, domain.ErrInvalidTransition)
	}

	if loan.PreAuthID != "" {
		if err := s.gateway.Release(ctx, loan.PreAuthID); err != nil {
			if errors.Is(err, domain.ErrUpstreamRejected) {
				s.recordEvent(ctx, "upstream_rejected", map[string]any{
					"loan_id":     loanID,
					"operation":   "release",
					"pre_auth_id": loan.PreAuthID,
					"error":       err.Error(),
				})
			}
			return domain.Loan{}, fmt.Errorf("loan_service: release %q: %w", loanID, err)
		}
	}

	if err := s.commit(ctx, loanID, domain.LoanStatusReleased); err != nil {
		s.logger.ErrorContext(ctx, "loan_service: release succeeded but status commit failed",
			slog.String("loan_id", loanID),
			slog.String("error", err.Error()),
		)
		s.recordEvent(ctx, "settlement_commit_failed", map[string]any{
			"loan_id":   loanID,
			"operation": "release",
			"error":     err.Error(),
		})
		return domain.Loan{}, fmt.Errorf("loan_service: release %q: commit: %w", loanID, err)
	}

	s.recordEvent(ctx, "loan_released", map[string]any{
		"loan_id":     loanID,
		"wallet":      loan.Wallet,
		"pre_auth_id": loan.PreAuthID,
	})

	s.logger.InfoContext(ctx, "loan_service: loan released",
		slog.String("loan_id", loanID),
	)

	loan.Status = domain.LoanStatusReleased
	return loan, nil
}

// commit re-validates and applies the terminal transition through the
// store's atomic check-and-set. Re-reading first narrows the window between
// "decided to settle" and "settled"; the store's conditional update is what
// actually closes it.
func (s *LoanService) commit(ctx context.Context, loanID string, newStatus domain.LoanStatus) error {
	current, err := s.loans.GetByID(ctx, loanID)
	if err != nil {
		return err
	}
	if !current.Status.CanTransitionTo(newStatus) {
		return domain.ErrInvalidTransition
	}
	return s.loans.UpdateStatus(ctx, loanID, newStatus)
}

// recordEvent appends an audit entry and publishes the event on the bus.
// Both are best-effort; failures are logged, never propagated.
func (s *LoanService) recordEvent(ctx context.Context, event string, detail map[string]any) {
	if s.audit != nil {
		if err := s.audit.Log(ctx, event, detail); err != nil {
			s.logger.WarnContext(ctx, "loan_service: audit log failed",
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
		}
	}

	if s.bus != nil {
		payload := map[string]any{"event": event}
		for k, v := range detail {
			payload[k] = v
		}
		data, _ := json.Marshal(payload)
		if err := s.bus.Publish(ctx, LoanEventsChannel, data); err != nil {
			s.logger.WarnContext(ctx, "loan_service: publish event failed",
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
		}
	}
}
