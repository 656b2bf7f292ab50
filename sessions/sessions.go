// Package sessions owns the in-memory table of active sessions: creation,
// lookup, teardown, and the per-session FIFO queue of outbound messages that
// the SSE read stream drains.
package sessions

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSessionNotFound indicates an unknown or already-closed session id.
var ErrSessionNotFound = errors.New("sessions: session not found")

// ErrSessionAlreadyBound indicates a second read stream attempted to bind a
// session that already has a live stream.
var ErrSessionAlreadyBound = errors.New("sessions: read stream already bound")

// State is a session's lifecycle state.
type State string

const (
	// StateInitializing covers the window between creation and the first
	// read-stream binding.
	StateInitializing State = "initializing"
	// StateActive means a read stream is (or has been) bound.
	StateActive State = "active"
	// StateClosed is terminal; closed sessions are removed from the registry
	// immediately.
	StateClosed State = "closed"
)

// PendingMessage is one outbound protocol message queued for delivery.
type PendingMessage struct {
	Payload    []byte
	EnqueuedAt time.Time
}

// Session represents one logical bidirectional connection. All mutation goes
// through the registry or the session's own serialized methods.
type Session struct {
	id        string
	createdAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	state        State
	initialized  bool
	bound        bool
	queue        []PendingMessage

	notify chan struct{} // buffered(1), pulsed on enqueue
	closed chan struct{}
}

// ID returns the session's opaque identifier.
func (s *Session) ID() string { return s.id }

// CreatedAt returns the session's creation time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MarkInitialized records that the protocol handshake completed.
func (s *Session) MarkInitialized() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
}

// Initialized reports whether the handshake completed on this session.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// touch must be called with s.mu held.
func (s *Session) touch(now time.Time) {
	s.lastActivity = now
}

// StreamHandle is the read side of a bound session. The holder drains it
// until the session closes or its context is canceled.
type StreamHandle struct {
	s   *Session
	now func() time.Time
}

// SessionID returns the bound session's identifier.
func (h *StreamHandle) SessionID() string { return h.s.id }

// Next blocks until a message is deliverable, the session closes, or ctx is
// done. Messages come out strictly in enqueue order.
func (h *StreamHandle) Next(ctx context.Context) (PendingMessage, error) {
	for {
		h.s.mu.Lock()
		if len(h.s.queue) > 0 {
			msg := h.s.queue[0]
			h.s.queue = h.s.queue[1:]
			h.s.touch(h.now())
			h.s.mu.Unlock()
			return msg, nil
		}
		if h.s.state == StateClosed {
			h.s.mu.Unlock()
			return PendingMessage{}, ErrSessionNotFound
		}
		h.s.mu.Unlock()

		select {
		case <-ctx.Done():
			return PendingMessage{}, ctx.Err()
		case <-h.s.closed:
			// Re-check state; close releases the queue.
		case <-h.s.notify:
		}
	}
}
