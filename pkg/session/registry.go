// Package session holds the in-memory conversational state and the per-turn
// orchestration protocol. Sessions are the only process-wide mutable state
// besides the connection pools; every mutation is serialised per session.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Guffawaffle/majel/pkg/llm"
)

const (
	// DefaultSessionID is used for callers that do not supply a session id.
	// The default session is exempt from idle eviction.
	DefaultSessionID = "default"

	idleTTL      = 30 * time.Minute
	reapInterval = 5 * time.Minute

	// History keeps at most 50 turns; a turn is one user/model pair.
	maxTurns    = 50
	maxMessages = maxTurns * 2
)

// Clock injects time so eviction can be tested without sleeping.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

type sessionKey struct {
	userID string
	id     string
}

// Session is one bounded conversation. The mutex serialises whole turns: a
// second turn on the same session blocks until the first completes.
type Session struct {
	UserID string
	ID     string

	mu         sync.Mutex
	history    []llm.Message
	lastAccess time.Time
}

// appendMessage records a message and enforces the turn cap by dropping the
// oldest user/model pair. Caller holds s.mu.
func (s *Session) appendMessage(m llm.Message) {
	s.history = append(s.history, m)
	for len(s.history) > maxMessages {
		s.history = s.history[2:]
	}
}

// History returns a copy of the current transcript.
func (s *Session) History() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, len(s.history))
	copy(out, s.history)
	return out
}

// Registry maps (userID, sessionID) to live sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[sessionKey]*Session
	clock    Clock
	logger   *slog.Logger
}

func NewRegistry(clock Clock, logger *slog.Logger) *Registry {
	if clock == nil {
		clock = wallClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions: map[sessionKey]*Session{},
		clock:    clock,
		logger:   logger,
	}
}

// Get returns the live session for the key, creating it on first use.
func (r *Registry) Get(userID, id string) *Session {
	if id == "" {
		id = DefaultSessionID
	}
	key := sessionKey{userID: userID, id: id}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok {
		return s
	}
	s := &Session{UserID: userID, ID: id, lastAccess: r.clock.Now()}
	r.sessions[key] = s
	return s
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Reap evicts every non-default session idle for the TTL or longer. It takes
// each session's own mutex so it never races an in-flight turn.
func (r *Registry) Reap() int {
	now := r.clock.Now()

	r.mu.Lock()
	stale := make(map[sessionKey]*Session)
	for key, s := range r.sessions {
		if key.id != DefaultSessionID {
			stale[key] = s
		}
	}
	r.mu.Unlock()

	evicted := 0
	for key, s := range stale {
		s.mu.Lock()
		idle := now.Sub(s.lastAccess) >= idleTTL
		s.mu.Unlock()
		if !idle {
			continue
		}
		r.mu.Lock()
		// Recheck under the registry lock; a turn may have replaced it.
		if cur, ok := r.sessions[key]; ok && cur == s {
			delete(r.sessions, key)
			evicted++
		}
		r.mu.Unlock()
	}
	if evicted > 0 {
		r.logger.Debug("reaped idle sessions", "count", evicted)
	}
	return evicted
}

// StartReaper runs the periodic eviction loop until the context is done.
// Tests never call this; they drive Reap directly.
func (r *Registry) StartReaper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Reap()
			}
		}
	}()
}
