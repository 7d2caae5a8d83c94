package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestCreditLedger_Debit_ExactBalanceThenInsufficient(t *testing.T) {
	ctx := context.Background()
	db := newSvcDB(t)
	seedUser(t, db, "u1", 5)
	l := NewCreditLedger(db)

	for want := int64(4); want >= 0; want-- {
		bal, err := l.Debit(ctx, nil, "u1", 1)
		if err != nil {
			t.Fatalf("Debit: %v", err)
		}
		if bal != want {
			t.Fatalf("balance = %d, want %d", bal, want)
		}
	}
	if _, err := l.Debit(ctx, nil, "u1", 1); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if bal, _ := l.Balance(ctx, "u1"); bal != 0 {
		t.Fatalf("balance after rejection = %d, want 0", bal)
	}
}

func TestCreditLedger_Debit_Validation(t *testing.T) {
	ctx := context.Background()
	db := newSvcDB(t)
	seedUser(t, db, "u1", 5)
	l := NewCreditLedger(db)

	for _, amt := range []int64{0, -3} {
		if _, err := l.Debit(ctx, nil, "u1", amt); !errors.Is(err, ErrInvalidAmount) || !errors.Is(err, ErrValidation) {
			t.Fatalf("amount %d: expected ErrInvalidAmount, got %v", amt, err)
		}
	}
	if _, err := l.Debit(ctx, nil, "ghost", 1); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if _, err := l.Balance(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not-found kind, got %v", err)
	}
}

func TestCreditLedger_Debit_ConcurrentNeverOverdraws(t *testing.T) {
	ctx := context.Background()
	db := newSvcDB(t)
	seedUser(t, db, "u1", 10)
	l := NewCreditLedger(db)

	var ok, rejected atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Debit(ctx, nil, "u1", 1)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrInsufficientCredits):
				rejected.Add(1)
			default:
				t.Errorf("Debit: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 10 || rejected.Load() != 15 {
		t.Fatalf("ok=%d rejected=%d, want 10/15", ok.Load(), rejected.Load())
	}
	if bal, _ := l.Balance(ctx, "u1"); bal != 0 {
		t.Fatalf("final balance = %d", bal)
	}
}

func TestCreditLedger_Grant(t *testing.T) {
	ctx := context.Background()
	db := newSvcDB(t)
	seedUser(t, db, "u1", 2)
	l := NewCreditLedger(db)

	if _, err := l.Grant(ctx, user1, "u1", 5); !errors.Is(err, ErrForbidden) {
		t.Fatalf("real user grant: expected forbidden, got %v", err)
	}
	if _, err := l.Grant(ctx, admin, "u1", 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := l.Grant(ctx, admin, "ghost", 3); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	bal, err := l.Grant(ctx, admin, "u1", 5)
	if err != nil || bal != 7 {
		t.Fatalf("Grant: bal=%d err=%v", bal, err)
	}
}
