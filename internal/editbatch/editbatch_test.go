package editbatch

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestAddEditCoalescesPreviousAndLatestValue(t *testing.T) {
	var mu sync.Mutex
	var flushed []Edit
	b := New("t1", time.Hour, func(_ context.Context, tableID string, edits []Edit) error {
		mu.Lock()
		defer mu.Unlock()
		flushed = edits
		return nil
	})

	b.AddEdit(100, "name", "alice", "alicia")
	b.AddEdit(100, "name", "alicia", "alice2")
	b.AddEdit(100, "name", "alice2", "alice3")

	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(flushed) != 1 {
		t.Fatalf("flushed = %d edits, want 1", len(flushed))
	}
	e := flushed[0]
	if e.PreviousValue != "alice" {
		t.Fatalf("PreviousValue = %v, want earliest value %q", e.PreviousValue, "alice")
	}
	if e.NewValue != "alice3" {
		t.Fatalf("NewValue = %v, want latest value %q", e.NewValue, "alice3")
	}
}

func TestFlushClearsBatchAndIsIdempotentOnEmpty(t *testing.T) {
	calls := 0
	b := New("t1", time.Hour, func(_ context.Context, _ string, edits []Edit) error {
		calls++
		return nil
	})
	b.AddEdit(100, "col", nil, "x")

	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("first Flush: %v", err)
	}
	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if calls != 1 {
		t.Fatalf("onFlush called %d times, want 1 (empty flush must be a no-op)", calls)
	}
	if b.IsDirty() {
		t.Fatalf("expected batch clean after flush")
	}
}

func TestDebounceFiresFlushAutomatically(t *testing.T) {
	done := make(chan struct{})
	b := New("t1", 20*time.Millisecond, func(_ context.Context, _ string, edits []Edit) error {
		close(done)
		return nil
	})
	b.AddEdit(200, "col", nil, "y")

	select {
	case <-done:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("debounce flush did not fire")
	}
}

func TestPendingCountReflectsDistinctKeysOnly(t *testing.T) {
	b := New("t1", time.Hour, func(_ context.Context, _ string, _ []Edit) error { return nil })
	b.AddEdit(100, "a", nil, "1")
	b.AddEdit(100, "a", "1", "2")
	b.AddEdit(100, "b", nil, "3")
	if got := b.PendingCount(); got != 2 {
		t.Fatalf("PendingCount = %d, want 2", got)
	}
}
