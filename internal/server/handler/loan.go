package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/alanyoungcy/preauthlend/internal/domain"
)

// LoanService defines the lifecycle operations the loan handler requires.
type LoanService interface {
	Create(ctx context.Context, loan domain.Loan) (domain.Loan, error)
	GetByID(ctx context.Context, id string) (domain.Loan, error)
	ListByWallet(ctx context.Context, wallet string) ([]domain.Loan, error)
	Charge(ctx context.Context, loanID string) (domain.Loan, error)
	Release(ctx context.Context, loanID string) (domain.Loan, error)
}

// WalletObserver lets the handler wake position observation for a wallet that
// just took out a loan. Optional.
type WalletObserver interface {
	Refresh(ctx context.Context, wallet string)
}

// LoanHandler serves loan lifecycle HTTP endpoints.
type LoanHandler struct {
	loans    LoanService
	observer WalletObserver // may be nil
	logger   *slog.Logger
}

// NewLoanHandler creates a LoanHandler. observer may be nil.
func NewLoanHandler(loans LoanService, observer WalletObserver, logger *slog.Logger) *LoanHandler {
	return &LoanHandler{
		loans:    loans,
		observer: observer,
		logger:   logger,
	}
}

// createLoanRequest is the loan creation request body. ID is optional; a
// UUID is assigned when omitted.
type createLoanRequest struct {
	ID           string `json:"id"`
	Wallet       string `json:"wallet"`
	PreAuthID    string `json:"pre_auth_id"`
	BorrowAmount int64  `json:"borrow_amount"`
	Asset        string `json:"asset"`
}

// CreateLoan opens a new loan in status active.
// POST /api/loans
func (h *LoanHandler) CreateLoan(w http.ResponseWriter, r *http.Request) {
	log := logHandler(h.logger, "create_loan")

	var req createLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	loan, err := h.loans.Create(r.Context(), domain.Loan{
		ID:           req.ID,
		Wallet:       req.Wallet,
		PreAuthID:    req.PreAuthID,
		BorrowAmount: req.BorrowAmount,
		Asset:        req.Asset,
	})
	if err != nil {
		if !errors.Is(err, domain.ErrValidation) {
			log.ErrorContext(r.Context(), "handler: create loan failed",
				slog.String("loan_id", req.ID),
				slog.String("error", err.Error()),
			)
		}
		writeDomainError(w, err)
		return
	}

	if h.observer != nil {
		h.observer.Refresh(r.Context(), loan.Wallet)
	}

	writeJSON(w, http.StatusCreated, loan)
}

// GetLoan returns a single loan.
// GET /api/loans/{id}
func (h *LoanHandler) GetLoan(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	loan, err := h.loans.GetByID(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

// listLoansResponse wraps the list loans response.
type listLoansResponse struct {
	Loans []domain.Loan `json:"loans"`
}

// ListLoans returns a wallet's loans, oldest first.
// GET /api/loans?wallet=0x...
func (h *LoanHandler) ListLoans(w http.ResponseWriter, r *http.Request) {
	wallet := r.URL.Query().Get("wallet")
	if wallet == "" {
		writeError(w, http.StatusBadRequest, "wallet query parameter required")
		return
	}

	loans, err := h.loans.ListByWallet(r.Context(), wallet)
	if err != nil {
		logHandler(h.logger, "list_loans").ErrorContext(r.Context(), "handler: list loans failed",
			slog.String("wallet", wallet),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}
	if loans == nil {
		loans = []domain.Loan{}
	}
	writeJSON(w, http.StatusOK, listLoansResponse{Loans: loans})
}

// ChargeLoan captures the loan's hold and marks the loan charged.
// POST /api/loans/{id}/charge
func (h *LoanHandler) ChargeLoan(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, "charge", h.loans.Charge)
}

// ReleaseLoan releases the loan's hold and marks the loan released.
// POST /api/loans/{id}/release
func (h *LoanHandler) ReleaseLoan(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, "release", h.loans.Release)
}

func (h *LoanHandler) settle(
	w http.ResponseWriter,
	r *http.Request,
	op string,
	fn func(ctx context.Context, loanID string) (domain.Loan, error),
) {
	id := pathParam(r, "id")
	log := logHandler(h.logger, op+"_loan")

	loan, err := fn(r.Context(), id)
	if err != nil {
		if statusFor(err) >= http.StatusInternalServerError {
			log.ErrorContext(r.Context(), "handler: settlement failed",
				slog.String("loan_id", id),
				slog.String("operation", op),
				slog.String("error", err.Error()),
			)
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}
