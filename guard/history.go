package guard

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultHistorySize = 128

// Event accumulates the invalidations observed for one connection.
type Event struct {
	ConnID   string
	Attempts int
	LastErr  string
	First    time.Time
	Last     time.Time
}

// History retains the most recent invalidation events keyed by connection
// id, for diagnostics. Bounded by entry count; old connections fall out
// under pressure.
type History struct {
	cache *lru.Cache[string, Event]
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = defaultHistorySize
	}
	cache, _ := lru.New[string, Event](size)
	return &History{cache: cache}
}

// Record notes an invalidation of connID observed at now.
func (h *History) Record(connID string, err error, now time.Time) {
	ev, ok := h.cache.Get(connID)
	if !ok {
		ev = Event{ConnID: connID, First: now}
	}
	ev.Attempts++
	ev.LastErr = err.Error()
	ev.Last = now
	h.cache.Add(connID, ev)
}

// Lookup returns the recorded event for a connection, if still retained.
func (h *History) Lookup(connID string) (Event, bool) {
	return h.cache.Get(connID)
}

// Len returns the number of connections with retained events.
func (h *History) Len() int { return h.cache.Len() }
