package memory

import (
	"context"
	"sync"
)

// Ledger tracks delivered item IDs per session in-memory.
type Ledger struct {
	mu        sync.RWMutex
	delivered map[string][]string
	seen      map[string]map[string]struct{}
}

// NewLedger constructs a Ledger.
func NewLedger() *Ledger {
	return &Ledger{
		delivered: make(map[string][]string),
		seen:      make(map[string]map[string]struct{}),
	}
}

// MarkDelivered records itemID as delivered for session. Repeats are ignored.
func (l *Ledger) MarkDelivered(_ context.Context, session, itemID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	set, ok := l.seen[session]
	if !ok {
		set = make(map[string]struct{})
		l.seen[session] = set
	}
	if _, dup := set[itemID]; dup {
		return nil
	}
	set[itemID] = struct{}{}
	l.delivered[session] = append(l.delivered[session], itemID)
	return nil
}

// ListDelivered returns the delivered IDs for session in delivery order.
func (l *Ledger) ListDelivered(_ context.Context, session string) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := l.delivered[session]
	out := make([]string, len(ids))
	copy(out, ids)
	return out, nil
}

// Close releases nothing; it satisfies the ledger contract.
func (l *Ledger) Close() error {
	return nil
}
