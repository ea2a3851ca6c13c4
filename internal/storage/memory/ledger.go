package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/pricing-pipeline/internal/domain"
)

// Ledger keeps balances and reservations in maps under one lock, which makes
// every operation atomic across the balance and the reservation.
type Ledger struct {
	mu           sync.Mutex
	balances     map[string]domain.Money
	reservations map[string]*domain.Reservation
	now          func() time.Time
}

var _ domain.Ledger = (*Ledger)(nil)

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		balances:     make(map[string]domain.Money),
		reservations: make(map[string]*domain.Reservation),
		now:          time.Now,
	}
}

func (l *Ledger) Reserve(_ context.Context, accountID string, amount domain.Money, jobID string) (*domain.Reservation, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if r, ok := l.reservations[jobID]; ok {
		if err := r.Reuse(accountID); err != nil {
			return nil, err
		}
		c := *r
		return &c, nil
	}

	if l.balances[accountID] < amount {
		return nil, domain.ErrInsufficientFunds
	}

	now := l.now()
	l.balances[accountID] -= amount
	r := &domain.Reservation{
		JobID:     jobID,
		AccountID: accountID,
		Amount:    amount,
		Status:    domain.ReservationHeld,
		CreatedAt: now,
		UpdatedAt: now,
	}
	l.reservations[jobID] = r
	c := *r
	return &c, nil
}

func (l *Ledger) Commit(_ context.Context, jobID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reservations[jobID]
	if !ok {
		return domain.ErrReservationNotFound
	}
	switch r.Status {
	case domain.ReservationCommitted:
		return nil
	case domain.ReservationReleased:
		return domain.ErrAlreadySettled
	}
	r.Status = domain.ReservationCommitted
	r.UpdatedAt = l.now()
	return nil
}

func (l *Ledger) Refund(_ context.Context, jobID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reservations[jobID]
	if !ok {
		return domain.ErrReservationNotFound
	}
	switch r.Status {
	case domain.ReservationReleased:
		return nil
	case domain.ReservationCommitted:
		return domain.ErrAlreadySettled
	}
	r.Status = domain.ReservationReleased
	r.UpdatedAt = l.now()
	l.balances[r.AccountID] += r.Amount
	return nil
}

func (l *Ledger) Deposit(_ context.Context, accountID string, amount domain.Money) (domain.Money, error) {
	if amount <= 0 {
		return 0, domain.ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances[accountID] += amount
	return l.balances[accountID], nil
}

func (l *Ledger) Balance(_ context.Context, accountID string) (domain.Money, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.balances[accountID]
	if !ok {
		return 0, domain.ErrAccountNotFound
	}
	return b, nil
}

func (l *Ledger) GetReservation(_ context.Context, jobID string) (*domain.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.reservations[jobID]
	if !ok {
		return nil, domain.ErrReservationNotFound
	}
	c := *r
	return &c, nil
}

func (l *Ledger) ListHeld(_ context.Context, olderThan time.Time, limit int) ([]*domain.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*domain.Reservation
	for _, r := range l.reservations {
		if r.Status == domain.ReservationHeld && r.CreatedAt.Before(olderThan) {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
