package membus

import (
	"sync"

	"github.com/iaintheardofu/Tronas/internal/domain/event"
)

// HistoryQuery filters retained events. Zero-value fields match everything.
type HistoryQuery struct {
	Topic         event.Topic
	Source        string
	CorrelationID string
	Limit         int
}

// ring is a fixed-capacity event buffer. The oldest event is overwritten
// once the buffer is full.
type ring struct {
	mu    sync.Mutex
	buf   []event.Event
	next  int
	count int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1000
	}
	return &ring{buf: make([]event.Event, capacity)}
}

func (r *ring) add(ev event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

func (r *ring) recent(q HistoryQuery) []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	limit := q.Limit
	if limit <= 0 || limit > r.count {
		limit = r.count
	}

	out := make([]event.Event, 0, limit)
	for i := 1; i <= r.count && len(out) < limit; i++ {
		ev := r.buf[(r.next-i+len(r.buf))%len(r.buf)]
		if q.Topic != "" && ev.Topic != q.Topic {
			continue
		}
		if q.Source != "" && ev.Source != q.Source {
			continue
		}
		if q.CorrelationID != "" && ev.CorrelationID != q.CorrelationID {
			continue
		}
		out = append(out, ev)
	}
	return out
}
