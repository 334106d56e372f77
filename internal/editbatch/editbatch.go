// Package editbatch coalesces pending cell edits and flushes them to
// the Timeline as a single command, debounced or boundary-triggered,
// per spec.md §4.5.
package editbatch

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultDebounce is the spec-mandated coalescing window.
const DefaultDebounce = 500 * time.Millisecond

// Edit is one pending cell change, keyed by (csID, column) once placed
// in a Batch's pending map.
type Edit struct {
	TableID       string
	CsID          int64
	Column        string
	PreviousValue any
	NewValue      any
	Timestamp     time.Time
}

type editKey struct {
	csID   int64
	column string
}

// FlushFunc hands a coalesced set of edits to the Timeline as one
// edit:cell-batch command. Implementations must be safe to call from
// the debounce timer's own goroutine.
type FlushFunc func(ctx context.Context, tableID string, edits []Edit) error

// Batch holds one table's pending, not-yet-flushed edits.
type Batch struct {
	tableID  string
	debounce time.Duration
	onFlush  FlushFunc

	mu      sync.Mutex
	pending map[editKey]*Edit
	timer   *time.Timer

	flushMu sync.Mutex // serializes flushes: at most one in flight (§4.5 invariant)
}

// New creates a Batch for tableID. debounce <= 0 uses DefaultDebounce.
func New(tableID string, debounce time.Duration, onFlush FlushFunc) *Batch {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Batch{
		tableID:  tableID,
		debounce: debounce,
		onFlush:  onFlush,
		pending:  make(map[editKey]*Edit),
	}
}

// AddEdit records a cell change, coalescing with any pending edit on
// the same (csID, column): previousValue keeps the earliest value seen,
// newValue becomes the latest. Arms the debounce timer.
func (b *Batch) AddEdit(csID int64, column string, previousValue, newValue any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := editKey{csID: csID, column: column}
	now := time.Now()
	if existing, ok := b.pending[key]; ok {
		existing.NewValue = newValue
		existing.Timestamp = now
	} else {
		b.pending[key] = &Edit{
			TableID:       b.tableID,
			CsID:          csID,
			Column:        column,
			PreviousValue: previousValue,
			NewValue:      newValue,
			Timestamp:     now,
		}
	}
	b.armTimer()
}

// armTimer (re)starts the debounce timer. Must be called with mu held.
func (b *Batch) armTimer() {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.debounce, func() {
		_ = b.Flush(context.Background())
	})
}

// IsDirty reports whether any edit is pending flush — one half of the
// beforeunload contract (the other half is each Table's own Dirty flag).
func (b *Batch) IsDirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending) > 0
}

// PendingCount returns the number of coalesced pending edits.
func (b *Batch) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flush builds one edit:cell-batch command from every pending edit and
// hands it to onFlush, then clears the batch. Safe to call for any of
// the boundary triggers in spec.md §4.5 (table switch, explicit flush,
// freeze, beforeunload, transform issue) as well as from the debounce
// timer. Concurrent calls serialize rather than run in parallel.
func (b *Batch) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
	}
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	edits := make([]Edit, 0, len(b.pending))
	for _, e := range b.pending {
		edits = append(edits, *e)
	}
	b.pending = make(map[editKey]*Edit)
	b.mu.Unlock()

	if b.onFlush == nil {
		return nil
	}
	if err := b.onFlush(ctx, b.tableID, edits); err != nil {
		return fmt.Errorf("editbatch: flush table %q: %w", b.tableID, err)
	}
	return nil
}
