package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/preauthlend/internal/domain"
)

// LoanStore implements domain.LoanStore using PostgreSQL. Status transitions
// rely on a conditional UPDATE so two racing settlements serialize at the
// database: only one row version carries status = 'active'.
type LoanStore struct {
	pool *pgxpool.Pool
}

// NewLoanStore creates a new LoanStore backed by the given connection pool.
func NewLoanStore(pool *pgxpool.Pool) *LoanStore {
	return &LoanStore{pool: pool}
}

const loanSelectCols = `id, wallet, pre_auth_id, borrow_amount, asset, status, created_at`

func scanLoanRow(row pgx.Row) (domain.Loan, error) {
	var l domain.Loan
	var status string

	err := row.Scan(
		&l.ID, &l.Wallet, &l.PreAuthID,
		&l.BorrowAmount, &l.Asset,
		&status, &l.CreatedAt,
	)
	if err != nil {
		return domain.Loan{}, err
	}
	l.Status = domain.LoanStatus(status)
	return l, nil
}

func scanLoanRows(rows pgx.Rows) ([]domain.Loan, error) {
	var loans []domain.Loan
	for rows.Next() {
		var l domain.Loan
		var status string

		if err := rows.Scan(
			&l.ID, &l.Wallet, &l.PreAuthID,
			&l.BorrowAmount, &l.Asset,
			&status, &l.CreatedAt,
		); err != nil {
			return nil, err
		}
		l.Status = domain.LoanStatus(status)
		loans = append(loans, l)
	}
	return loans, rows.Err()
}

// Create inserts a new loan. The primary-key constraint maps to
// domain.ErrDuplicateID.
func (s *LoanStore) Create(ctx context.Context, l domain.Loan) error {
	const query = `
		INSERT INTO loans (
			id, wallet, pre_auth_id, borrow_amount, asset, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())`

	_, err := s.pool.Exec(ctx, query,
		l.ID, l.Wallet, l.PreAuthID,
		l.BorrowAmount, l.Asset,
		string(l.Status), l.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrDuplicateID
		}
		return fmt.Errorf("postgres: create loan %s: %w", l.ID, err)
	}
	return nil
}

// GetByID retrieves a single loan by its ID.
func (s *LoanStore) GetByID(ctx context.Context, id string) (domain.Loan, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+loanSelectCols+` FROM loans WHERE id = $1`, id)

	l, err := scanLoanRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Loan{}, domain.ErrNotFound
		}
		return domain.Loan{}, fmt.Errorf("postgres: get loan %s: %w", id, err)
	}
	return l, nil
}

// UpdateStatus moves the loan into newStatus. The WHERE clause pins the only
// legal predecessor ('active'), so of two concurrent settlements exactly one
// updates the row; the loser falls through to the existence check and gets
// ErrInvalidTransition.
func (s *LoanStore) UpdateStatus(ctx context.Context, id string, newStatus domain.LoanStatus) error {
	if !domain.LoanStatusActive.CanTransitionTo(newStatus) {
		return domain.ErrInvalidTransition
	}

	const query = `
		UPDATE loans SET
			status     = $2,
			settled_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND status = 'active'`

	tag, err := s.pool.Exec(ctx, query, id, string(newStatus))
	if err != nil {
		return fmt.Errorf("postgres: update loan status %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM loans WHERE id = $1)", id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: check loan %s: %w", id, err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrInvalidTransition
}

// ListByWallet returns all loans for a wallet ordered by creation time
// ascending.
func (s *LoanStore) ListByWallet(ctx context.Context, wallet string) ([]domain.Loan, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+loanSelectCols+` FROM loans
		 WHERE wallet = $1
		 ORDER BY created_at ASC`, wallet)
	if err != nil {
		return nil, fmt.Errorf("postgres: list loans for %s: %w", wallet, err)
	}
	defer rows.Close()

	loans, err := scanLoanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan loans for %s: %w", wallet, err)
	}
	return loans, nil
}

// ListSettledBefore returns terminal loans settled before the cutoff, oldest
// first, for the cold-storage archiver.
func (s *LoanStore) ListSettledBefore(ctx context.Context, cutoff time.Time, opts domain.ListOpts) ([]domain.Loan, error) {
	query := `SELECT ` + loanSelectCols + ` FROM loans
		WHERE status IN ('charged', 'released') AND settled_at < $1
		ORDER BY settled_at ASC`
	args := []any{cutoff}

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settled loans: %w", err)
	}
	defer rows.Close()

	loans, err := scanLoanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan settled loans: %w", err)
	}
	return loans, nil
}

// Compile-time interface check.
var _ domain.LoanStore = (*LoanStore)(nil)
