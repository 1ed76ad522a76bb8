package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/preauthlend/internal/domain"
)

type fakeLoanService struct {
	createErr error
	chargeErr error
	loan      domain.Loan
}

func (f *fakeLoanService) Create(_ context.Context, l domain.Loan) (domain.Loan, error) {
	if f.createErr != nil {
		return domain.Loan{}, f.createErr
	}
	l.Status = domain.LoanStatusActive
	return l, nil
}

func (f *fakeLoanService) GetByID(_ context.Context, id string) (domain.Loan, error) {
	if f.loan.ID != id {
		return domain.Loan{}, domain.ErrNotFound
	}
	return f.loan, nil
}

func (f *fakeLoanService) ListByWallet(_ context.Context, _ string) ([]domain.Loan, error) {
	return nil, nil
}

func (f *fakeLoanService) Charge(_ context.Context, _ string) (domain.Loan, error) {
	if f.chargeErr != nil {
		return domain.Loan{}, f.chargeErr
	}
	return f.loan, nil
}

func (f *fakeLoanService) Release(_ context.Context, _ string) (domain.Loan, error) {
	return f.loan, nil
}

type fakeObserver struct {
	refreshed []string
}

func (f *fakeObserver) Refresh(_ context.Context, wallet string) {
	f.refreshed = append(f.refreshed, wallet)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestStatusForMapsDomainErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrValidation, http.StatusBadRequest},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrDuplicateID, http.StatusConflict},
		{domain.ErrInvalidTransition, http.StatusConflict},
		{domain.ErrNoHoldToCharge, http.StatusConflict},
		{domain.ErrLockHeld, http.StatusConflict},
		{domain.ErrUpstreamUnavailable, http.StatusBadGateway},
		{domain.ErrUpstreamRejected, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		require.Equal(t, tc.want, statusFor(tc.err), "error %v", tc.err)
	}
}

func TestStatusForUnwrapsWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("service: charge loan abc: %w", domain.ErrNoHoldToCharge)
	require.Equal(t, http.StatusConflict, statusFor(wrapped))
}

func TestCreateLoanAssignsIDAndWakesObserver(t *testing.T) {
	svc := &fakeLoanService{}
	obs := &fakeObserver{}
	h := NewLoanHandler(svc, obs, discardLogger())

	body := `{"wallet":"0xabc","pre_auth_id":"hold_1","borrow_amount":5000,"asset":"USDC"}`
	req := httptest.NewRequest(http.MethodPost, "/api/loans", strings.NewReader(body))
	rec := httptest.NewRecorder()

	h.CreateLoan(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var loan domain.Loan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &loan))
	require.NotEmpty(t, loan.ID)
	require.Equal(t, domain.LoanStatusActive, loan.Status)
	require.Equal(t, []string{"0xabc"}, obs.refreshed)
}

func TestCreateLoanRejectsMalformedBody(t *testing.T) {
	h := NewLoanHandler(&fakeLoanService{}, nil, discardLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/loans", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()

	h.CreateLoan(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateLoanValidationErrorIs400(t *testing.T) {
	svc := &fakeLoanService{createErr: domain.ErrValidation}
	h := NewLoanHandler(svc, nil, discardLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/loans", strings.NewReader(`{"wallet":""}`))
	rec := httptest.NewRecorder()

	h.CreateLoan(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChargeLoanConflictOnMissingHold(t *testing.T) {
	svc := &fakeLoanService{chargeErr: domain.ErrNoHoldToCharge}
	h := NewLoanHandler(svc, nil, discardLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/loans/ln_1/charge", nil)
	req.SetPathValue("id", "ln_1")
	rec := httptest.NewRecorder()

	h.ChargeLoan(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestListLoansRequiresWallet(t *testing.T) {
	h := NewLoanHandler(&fakeLoanService{}, nil, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/loans", nil)
	rec := httptest.NewRecorder()

	h.ListLoans(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListLoansReturnsEmptyArrayNotNull(t *testing.T) {
	h := NewLoanHandler(&fakeLoanService{}, nil, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/loans?wallet=0xabc", nil)
	rec := httptest.NewRecorder()

	h.ListLoans(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"loans":[]}`, rec.Body.String())
}
