// Package services – CreditLedger
//
// The ledger owns real-user balances. A debit is one conditional UPDATE
// (credits = credits - amount WHERE credits >= amount), so concurrent debits
// for the same user serialize on the row and never overdraw, while debits
// for different users never contend.
package services

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/persona-chat-backend/internal/domain"
	"github.com/tbourn/persona-chat-backend/internal/repo"
)

// CreditLedger debits and grants credits.
type CreditLedger struct {
	DB *gorm.DB
}

// NewCreditLedger returns a ledger bound to db.
func NewCreditLedger(db *gorm.DB) *CreditLedger { return &CreditLedger{DB: db} }

// Debit subtracts amount from userID and returns the new balance. Pass the
// caller's transaction as tx so the debit commits or rolls back with the
// message insert; nil uses the ledger's own handle.
//
// Outcomes:
//   - ErrInvalidAmount when amount <= 0 (a pricing misconfiguration).
//   - ErrInsufficientCredits when the balance does not cover amount; nothing
//     is written.
//   - ErrUserNotFound when userID has no ledger row.
func (l *CreditLedger) Debit(ctx context.Context, tx *gorm.DB, userID string, amount int64) (int64, error) {
	ctx, span := otel.Tracer("services/CreditLedger").Start(ctx, "Debit",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Int64("amount", amount),
		),
	)
	defer span.End()

	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	if tx == nil {
		tx = l.DB
	}

	ok, err := repo.DebitCredits(ctx, tx, userID, amount)
	if err != nil {
		return 0, storeErr("debit credits", err)
	}
	if !ok {
		if _, err := repo.GetCredits(ctx, tx, userID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return 0, ErrUserNotFound
			}
			return 0, storeErr("read credits", err)
		}
		creditDebits.WithLabelValues("insufficient").Inc()
		return 0, ErrInsufficientCredits
	}

	bal, err := repo.GetCredits(ctx, tx, userID)
	if err != nil {
		return 0, storeErr("read credits", err)
	}
	creditDebits.WithLabelValues("ok").Inc()
	return bal, nil
}

// Balance returns the current balance of userID.
func (l *CreditLedger) Balance(ctx context.Context, userID string) (int64, error) {
	bal, err := repo.GetCredits(ctx, l.DB, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return 0, ErrUserNotFound
	}
	return bal, storeErr("read credits", err)
}

// Grant adds amount to userID on behalf of an admin and returns the new
// balance.
func (l *CreditLedger) Grant(ctx context.Context, id domain.Identity, userID string, amount int64) (int64, error) {
	if err := Authorize(id, CapGrantCredits, Resource{}); err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	err := l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.AddCredits(ctx, tx, userID, amount); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		return nil
	})
	if err != nil {
		return 0, storeErr("grant credits", err)
	}
	return l.Balance(ctx, userID)
}
