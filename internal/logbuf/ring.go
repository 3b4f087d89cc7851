package logbuf

import (
	"bytes"
	"strings"
	"sync"
)

// Ring is a thread-safe bounded buffer holding the most recent N items.
type Ring[T any] struct {
	mu    sync.Mutex
	items []T
	size  int
	pos   int
	full  bool
}

// NewRing creates a ring that keeps the last n items. n <= 0 is treated as 1.
func NewRing[T any](n int) *Ring[T] {
	if n <= 0 {
		n = 1
	}
	return &Ring[T]{
		items: make([]T, n),
		size:  n,
	}
}

// Push appends an item, evicting the oldest one when full.
func (r *Ring[T]) Push(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.push(v)
}

func (r *Ring[T]) push(v T) {
	r.items[r.pos] = v
	r.pos = (r.pos + 1) % r.size
	if r.pos == 0 {
		r.full = true
	}
}

// Items returns all stored items, oldest first.
func (r *Ring[T]) Items() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]T, r.pos)
		copy(out, r.items[:r.pos])
		return out
	}

	out := make([]T, r.size)
	copy(out, r.items[r.pos:])
	copy(out[r.size-r.pos:], r.items[:r.pos])
	return out
}

// Last returns the last n items. If fewer exist, returns all of them.
func (r *Ring[T]) Last(n int) []T {
	all := r.Items()
	if n < 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Len reports how many items are stored.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return r.size
	}
	return r.pos
}

// Lines is an io.Writer that splits its input on newlines and keeps the
// last N complete lines. It is used as stdout/stderr for child processes.
type Lines struct {
	ring *Ring[string]

	mu      sync.Mutex
	partial bytes.Buffer
}

// NewLines creates a line buffer that stores the last n lines.
func NewLines(n int) *Lines {
	return &Lines{ring: NewRing[string](n)}
}

// Write implements io.Writer.
func (l *Lines) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.partial.Write(p)
	for {
		line, err := l.partial.ReadString('\n')
		if err != nil {
			// incomplete line stays buffered
			l.partial.Reset()
			l.partial.WriteString(line)
			break
		}
		l.ring.Push(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// Last returns the last n complete lines.
func (l *Lines) Last(n int) []string {
	return l.ring.Last(n)
}
