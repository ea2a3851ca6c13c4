package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/pricing-pipeline/internal/domain"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const reservationColumns = `job_id, account_id, amount, status, created_at, updated_at`

// Ledger stores balances in accounts and holds in reservations. Each
// operation runs in one transaction so the balance and the reservation row
// never disagree.
type Ledger struct {
	db     *sqlx.DB
	logger *slog.Logger
}

var _ domain.Ledger = (*Ledger)(nil)

// NewLedger creates a new Ledger instance
func NewLedger(db *sqlx.DB, logger *slog.Logger) *Ledger {
	return &Ledger{
		db:     db,
		logger: logger,
	}
}

func (l *Ledger) Reserve(ctx context.Context, accountID string, amount domain.Money, jobID string) (*domain.Reservation, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	existing, err := l.GetReservation(ctx, jobID)
	switch {
	case err == nil:
		if err := existing.Reuse(accountID); err != nil {
			return nil, err
		}
		return existing, nil
	case !errors.Is(err, domain.ErrReservationNotFound):
		return nil, err
	}

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Conditional debit; the row lock serialises concurrent reserves per account.
	res, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = balance - $2,
		    updated_at = NOW()
		WHERE account_id = $1
		  AND balance >= $2
	`, accountID, amount.Cents())
	if err != nil {
		return nil, fmt.Errorf("failed to debit account: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, domain.ErrInsufficientFunds
	}

	var row reservationRow
	err = tx.GetContext(ctx, &row, `
		INSERT INTO reservations (job_id, account_id, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING `+reservationColumns,
		jobID, accountID, amount.Cents(), string(domain.ReservationHeld),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			// Lost a race with a concurrent reserve for the same job; the
			// rollback restores the debit.
			_ = tx.Rollback()
			winner, err := l.GetReservation(ctx, jobID)
			if err != nil {
				return nil, err
			}
			if err := winner.Reuse(accountID); err != nil {
				return nil, err
			}
			return winner, nil
		}
		return nil, fmt.Errorf("failed to insert reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reservation: %w", err)
	}

	l.logger.Info("Funds reserved",
		slog.String("job_id", jobID),
		slog.String("account_id", accountID),
		slog.String("amount", amount.String()),
	)

	return row.toDomain(), nil
}

func (l *Ledger) Commit(ctx context.Context, jobID string) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE reservations
		SET status = $2,
		    updated_at = NOW()
		WHERE job_id = $1
		  AND status = $3
	`, jobID, string(domain.ReservationCommitted), string(domain.ReservationHeld))
	if err != nil {
		return fmt.Errorf("failed to commit reservation: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return l.settled(ctx, jobID, domain.ReservationCommitted)
	}

	l.logger.Info("Reservation committed", slog.String("job_id", jobID))
	return nil
}

func (l *Ledger) Refund(ctx context.Context, jobID string) error {
	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var released struct {
		AccountID string `db:"account_id"`
		Amount    int64  `db:"amount"`
	}
	err = tx.GetContext(ctx, &released, `
		UPDATE reservations
		SET status = $2,
		    updated_at = NOW()
		WHERE job_id = $1
		  AND status = $3
		RETURNING account_id, amount
	`, jobID, string(domain.ReservationReleased), string(domain.ReservationHeld))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			_ = tx.Rollback()
			return l.settled(ctx, jobID, domain.ReservationReleased)
		}
		return fmt.Errorf("failed to release reservation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = balance + $2,
		    updated_at = NOW()
		WHERE account_id = $1
	`, released.AccountID, released.Amount); err != nil {
		return fmt.Errorf("failed to credit account: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit refund: %w", err)
	}

	l.logger.Info("Reservation refunded",
		slog.String("job_id", jobID),
		slog.String("account_id", released.AccountID),
		slog.String("amount", domain.Money(released.Amount).String()),
	)
	return nil
}

func (l *Ledger) Deposit(ctx context.Context, accountID string, amount domain.Money) (domain.Money, error) {
	if amount <= 0 {
		return 0, domain.ErrInvalidAmount
	}

	var balance int64
	err := l.db.GetContext(ctx, &balance, `
		INSERT INTO accounts (account_id, balance, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (account_id)
		DO UPDATE SET balance = accounts.balance + EXCLUDED.balance,
		              updated_at = NOW()
		RETURNING balance
	`, accountID, amount.Cents())
	if err != nil {
		return 0, fmt.Errorf("failed to deposit: %w", err)
	}

	return domain.Money(balance), nil
}

func (l *Ledger) Balance(ctx context.Context, accountID string) (domain.Money, error) {
	var balance int64
	err := l.db.GetContext(ctx, &balance, `SELECT balance FROM accounts WHERE account_id = $1`, accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.ErrAccountNotFound
		}
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return domain.Money(balance), nil
}

func (l *Ledger) GetReservation(ctx context.Context, jobID string) (*domain.Reservation, error) {
	var row reservationRow
	err := l.db.GetContext(ctx, &row, `SELECT `+reservationColumns+` FROM reservations WHERE job_id = $1`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrReservationNotFound
		}
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	return row.toDomain(), nil
}

func (l *Ledger) ListHeld(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Reservation, error) {
	var rows []reservationRow
	err := l.db.SelectContext(ctx, &rows, `
		SELECT `+reservationColumns+`
		FROM reservations
		WHERE status = $1
		  AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3
	`, string(domain.ReservationHeld), olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list held reservations: %w", err)
	}

	out := make([]*domain.Reservation, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// settled resolves a no-op settlement: repeating the same outcome is fine,
// the opposite outcome reports ErrAlreadySettled.
func (l *Ledger) settled(ctx context.Context, jobID string, want domain.ReservationStatus) error {
	var status string
	err := l.db.GetContext(ctx, &status, `SELECT status FROM reservations WHERE job_id = $1`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrReservationNotFound
		}
		return fmt.Errorf("failed to read reservation status: %w", err)
	}

	if domain.ReservationStatus(status) == want {
		return nil
	}
	return fmt.Errorf("%w: job %s is %s", domain.ErrAlreadySettled, jobID, status)
}
