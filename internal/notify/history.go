// Package notify holds observers that record or forward supervisor
// notifications.
package notify

import (
	"github.com/benaskins/portvisor/internal/logbuf"
	"github.com/benaskins/portvisor/internal/supervisor"
)

// DefaultHistorySize is the number of events kept by NewHistory(0).
const DefaultHistorySize = 500

// History keeps the most recent events.
type History struct {
	ring *logbuf.Ring[supervisor.Event]
}

// NewHistory creates a history holding up to n events.
func NewHistory(n int) *History {
	if n <= 0 {
		n = DefaultHistorySize
	}
	return &History{ring: logbuf.NewRing[supervisor.Event](n)}
}

func (h *History) OnStateChanged(string, supervisor.State, supervisor.State) {}

func (h *History) OnLogEvent(ev supervisor.Event) {
	h.ring.Push(ev)
}

// Last returns the newest n events, oldest first. n < 0 returns everything kept.
func (h *History) Last(n int) []supervisor.Event {
	return h.ring.Last(n)
}

// Since returns kept events with a sequence number greater than seq.
func (h *History) Since(seq uint64) []supervisor.Event {
	items := h.ring.Items()
	i := 0
	for i < len(items) && items[i].Seq <= seq {
		i++
	}
	return items[i:]
}
