package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// LoanStatus tracks where a loan sits in its lifecycle. A loan starts active
// and transitions exactly once into one of the two terminal states.
type LoanStatus string

const (
	LoanStatusActive   LoanStatus = "active"
	LoanStatusCharged  LoanStatus = "charged"
	LoanStatusReleased LoanStatus = "released"
)

// Terminal reports whether no further status transition is permitted.
func (s LoanStatus) Terminal() bool {
	return s == LoanStatusCharged || s == LoanStatusReleased
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s LoanStatus) CanTransitionTo(next LoanStatus) bool {
	if s != LoanStatusActive {
		return false
	}
	return next == LoanStatusCharged || next == LoanStatusReleased
}

// Loan is a borrow collateralized by an external credit-card pre-authorization.
// The hold processor remains the source of truth for the money; the chain
// remains the source of truth for the position. The loan record binds the two.
type Loan struct {
	ID           string     `json:"id"`
	Wallet       string     `json:"wallet"`
	PreAuthID    string     `json:"pre_auth_id"`
	BorrowAmount int64      `json:"borrow_amount"` // smallest currency unit
	Asset        string     `json:"asset"`
	Status       LoanStatus `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Validate checks the fields required at creation time, PreAuthID included:
// a new loan must be backed by a hold. Records that lose their hold later
// still settle; Charge refuses them and Release closes them locally.
// It returns a single ErrValidation-wrapped error naming every missing field.
func (l Loan) Validate() error {
	var missing []string
	if l.ID == "" {
		missing = append(missing, "id")
	}
	if l.Wallet == "" {
		missing = append(missing, "wallet")
	}
	if l.PreAuthID == "" {
		missing = append(missing, "pre_auth_id")
	}
	if l.BorrowAmount <= 0 {
		missing = append(missing, "borrow_amount")
	}
	if l.Asset == "" {
		missing = append(missing, "asset")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing or invalid fields: %s",
			ErrValidation, strings.Join(missing, ", "))
	}
	return nil
}

// IsTransient reports whether err is safe to retry against the gateway
// without risking a double settlement.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable)
}
