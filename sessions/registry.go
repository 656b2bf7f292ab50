package sessions

import (
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const shardCount = 16

// Registry is the process-wide session table. The map is striped by session
// id so operations on different sessions never contend; one session's state
// transitions are serialized by its own mutex.
type Registry struct {
	shards [shardCount]*shard
	log    *slog.Logger
	now    func() time.Time
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry builds an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{log: log, now: time.Now}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return r.shards[h.Sum32()%shardCount]
}

// Create allocates a new session with a freshly generated, unguessable
// identifier. The session starts in StateInitializing.
func (r *Registry) Create() *Session {
	now := r.now()
	s := &Session{
		id:           uuid.NewString(),
		createdAt:    now,
		lastActivity: now,
		state:        StateInitializing,
		notify:       make(chan struct{}, 1),
		closed:       make(chan struct{}),
	}

	sh := r.shardFor(s.id)
	sh.mu.Lock()
	sh.sessions[s.id] = s
	sh.mu.Unlock()

	r.log.Debug("session.create", slog.String("session_id", s.id))
	return s
}

// Lookup returns the live session for id, or ErrSessionNotFound.
func (r *Registry) Lookup(id string) (*Session, error) {
	sh := r.shardFor(id)
	sh.mu.RLock()
	s, ok := sh.sessions[id]
	sh.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// BindReadStream marks the session active and hands the caller the read
// handle. At most one live stream may hold a session; a second bind attempt
// fails with ErrSessionAlreadyBound and leaves the original binding intact.
func (r *Registry) BindReadStream(id string) (*StreamHandle, error) {
	s, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil, ErrSessionNotFound
	}
	if s.bound {
		return nil, ErrSessionAlreadyBound
	}
	s.bound = true
	s.state = StateActive
	s.touch(r.now())

	return &StreamHandle{s: s, now: r.now}, nil
}

// Enqueue appends a message to the session's pending-write queue. If a read
// stream is bound the message becomes immediately deliverable.
func (r *Registry) Enqueue(id string, payload []byte) error {
	s, err := r.Lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	s.queue = append(s.queue, PendingMessage{Payload: payload, EnqueuedAt: r.now()})
	s.touch(r.now())
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Close transitions the session to StateClosed, releases its queue, and
// removes it from the registry. Closing an unknown or already-closed session
// is a no-op.
func (r *Registry) Close(id string) {
	sh := r.shardFor(id)
	sh.mu.Lock()
	s, ok := sh.sessions[id]
	delete(sh.sessions, id)
	sh.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	if s.state != StateClosed {
		s.state = StateClosed
		s.queue = nil
		close(s.closed)
	}
	s.mu.Unlock()

	r.log.Debug("session.close", slog.String("session_id", id))
}

// SweepIdle closes every session that has no bound read stream and whose
// last activity is older than idleTimeout. Returns the number closed.
func (r *Registry) SweepIdle(idleTimeout time.Duration) int {
	cutoff := r.now().Add(-idleTimeout)

	var expired []string
	for _, sh := range r.shards {
		sh.mu.RLock()
		for id, s := range sh.sessions {
			s.mu.Lock()
			if !s.bound && s.lastActivity.Before(cutoff) {
				expired = append(expired, id)
			}
			s.mu.Unlock()
		}
		sh.mu.RUnlock()
	}

	for _, id := range expired {
		r.log.Info("session.sweep.close", slog.String("session_id", id))
		r.Close(id)
	}
	return len(expired)
}

// Len reports the number of live sessions across all shards.
func (r *Registry) Len() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}
