package bot

import (
	"sync"

	"github.com/google/uuid"

	"github.com/Atemyus/TRADING-AGENT-LA-FALANGE--sub000/pkg/types"
)

// Ring is a bounded, append-only log. Entries are copied out on read and
// never mutated once written.
type Ring struct {
	mu      sync.Mutex
	cap     int
	entries []types.LogEntry
}

func NewRing(capacity int) *Ring {
	return &Ring{cap: capacity}
}

// Add stamps an ID on the entry and appends it, evicting the oldest entry
// past capacity.
func (r *Ring) Add(e types.LogEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	if len(r.entries) > r.cap {
		r.entries = r.entries[len(r.entries)-r.cap:]
	}
}

// Last returns up to n most recent entries in chronological order.
func (r *Ring) Last(n int) []types.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n > len(r.entries) {
		n = len(r.entries)
	}
	out := make([]types.LogEntry, n)
	copy(out, r.entries[len(r.entries)-n:])
	return out
}

func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
