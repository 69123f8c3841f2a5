package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
)

type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (f *fakeTx) Commit(context.Context) error { f.committed = true; return nil }

func (f *fakeTx) Rollback(context.Context) error {
	if !f.committed {
		f.rolledBack = true
	}
	return nil
}

type fakeBeginner struct {
	tx    *fakeTx
	calls int
}

func (f *fakeBeginner) Begin(context.Context) (pgx.Tx, error) {
	f.calls++
	return f.tx, nil
}

func TestTxFromContext_Empty(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Error("expected nil tx from empty context")
	}
}

func TestInTx_Commits(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}
	err := InTx(context.Background(), b, func(ctx context.Context) error {
		if TxFromContext(ctx) == nil {
			t.Error("expected tx in context")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !b.tx.committed || b.tx.rolledBack {
		t.Errorf("expected commit only, got committed=%v rolledBack=%v", b.tx.committed, b.tx.rolledBack)
	}
}

func TestInTx_RollsBackOnError(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}
	boom := errors.New("boom")
	err := InTx(context.Background(), b, func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if b.tx.committed || !b.tx.rolledBack {
		t.Error("expected rollback without commit")
	}
}

func TestInTx_JoinsOuterTransaction(t *testing.T) {
	outer := &fakeTx{}
	ctx := ContextWithTx(context.Background(), outer)
	b := &fakeBeginner{tx: &fakeTx{}}

	err := InTx(ctx, b, func(ctx context.Context) error {
		if TxFromContext(ctx) != outer {
			t.Error("expected the outer transaction")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.calls != 0 {
		t.Error("expected no new transaction")
	}
	if outer.committed {
		t.Error("inner call must not commit the outer transaction")
	}
}

func TestInTx_NoBeginner(t *testing.T) {
	err := InTx(context.Background(), nil, func(context.Context) error { return nil })
	if !errors.Is(err, ErrNoBeginner) {
		t.Errorf("expected ErrNoBeginner, got %v", err)
	}
}
