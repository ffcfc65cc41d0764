package dbpool

import (
	"context"
	"testing"
	"time"
)

func TestPoolSizeAndFreeCount(t *testing.T) {
	p := newFakePool(t, 3)
	defer p.ClosePool()

	if got := p.Size(); got != 3 {
		t.Fatalf("Size() = %d, want 3", got)
	}
	if got := p.FreeCount(); got != 3 {
		t.Fatalf("FreeCount() = %d, want 3", got)
	}

	ctx := context.Background()
	db, err := p.GetConn(ctx)
	if err != nil {
		t.Fatalf("GetConn: %v", err)
	}
	if got := p.FreeCount(); got != 2 {
		t.Fatalf("FreeCount() after checkout = %d, want 2", got)
	}

	p.FreeConn(db)
	if got := p.FreeCount(); got != 3 {
		t.Fatalf("FreeCount() after FreeConn = %d, want 3", got)
	}
}

func TestGetConnBlocksUntilFreedOrCanceled(t *testing.T) {
	p := newFakePool(t, 1)
	defer p.ClosePool()

	ctx := context.Background()
	db, err := p.GetConn(ctx)
	if err != nil {
		t.Fatalf("GetConn: %v", err)
	}

	cctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := p.GetConn(cctx); err == nil {
		t.Fatal("expected GetConn to block and then fail once ctx deadline passes")
	}

	p.FreeConn(db)
	db2, err := p.GetConn(context.Background())
	if err != nil {
		t.Fatalf("GetConn after FreeConn: %v", err)
	}
	p.FreeConn(db2)
}

func TestClosePoolClosesAllCheckedInHandles(t *testing.T) {
	p := newFakePool(t, 2)
	if err := p.ClosePool(); err != nil {
		t.Fatalf("ClosePool: %v", err)
	}
	if got := p.FreeCount(); got != 0 {
		t.Fatalf("FreeCount() after ClosePool = %d, want 0", got)
	}
}
