// Package session provides ephemeral per-conversation state keyed by
// session id.
//
// Access to one session is serialized through a per-entry mutex, so
// concurrent turns on the same id apply their updates one at a time.
// A turn pins its session with [Store.Begin]; the idle sweep never
// deletes a pinned session.
package session

import (
	"log/slog"
	"maps"
	"sync"
	"time"
)

// DefaultContextStackMax bounds the context stack of each session.
const DefaultContextStackMax = 10

// Entry is one item on a session's context stack.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Intent    string         `json:"intent"`
	Result    map[string]any `json:"result,omitempty"`
}

// Session is a snapshot of one conversation's state. Values returned by
// the store are copies; mutate through [Store.Update].
type Session struct {
	ID              string         `json:"id"`
	UserID          string         `json:"user_id"`
	LastIntent      string         `json:"last_intent,omitempty"`
	LastEntities    map[string]any `json:"last_entities"`
	LastToolResults map[string]any `json:"last_tool_results"`
	ContextStack    []Entry        `json:"context_stack"`
	LastMode        string         `json:"last_mode,omitempty"`
	Greeted         bool           `json:"greeted"`
	CreatedAt       time.Time      `json:"created_at"`
	LastActivity    time.Time      `json:"last_activity"`
	MessageCount    int            `json:"message_count"`
}

func (s *Session) clone() Session {
	c := *s
	c.LastEntities = maps.Clone(s.LastEntities)
	c.LastToolResults = maps.Clone(s.LastToolResults)
	c.ContextStack = append([]Entry(nil), s.ContextStack...)
	return c
}

// Patch describes a partial update. Nil fields are left unchanged; a
// non-nil map replaces the stored map wholesale.
type Patch struct {
	LastIntent      *string
	LastEntities    map[string]any
	LastToolResults map[string]any
	LastMode        *string
	Greeted         *bool
}

type entry struct {
	mu      sync.Mutex
	sess    Session
	removed bool // set by Sweep under mu

	pins int // guarded by Store.mu
}

// Store holds live sessions in memory.
type Store struct {
	mu       sync.Mutex
	entries  map[string]*entry
	maxStack int
	now      func() time.Time
	logger   *slog.Logger
}

// NewStore creates an empty session store. maxStack <= 0 selects
// [DefaultContextStackMax].
func NewStore(maxStack int, logger *slog.Logger) *Store {
	if maxStack <= 0 {
		maxStack = DefaultContextStackMax
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		entries:  make(map[string]*entry),
		maxStack: maxStack,
		now:      time.Now,
		logger:   logger,
	}
}

// SetClock replaces the time source. For tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// acquire returns the entry for id, creating it when absent. When pin
// is set the entry's pin count is raised before the map lock is
// released, so a concurrent sweep cannot observe it unpinned.
func (s *Store) acquire(id, userID string, pin bool) (*entry, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[id]
	if !ok {
		e = &entry{sess: Session{
			ID:              id,
			UserID:          userID,
			LastEntities:    map[string]any{},
			LastToolResults: map[string]any{},
			ContextStack:    []Entry{},
			CreatedAt:       now,
			LastActivity:    now,
		}}
		s.entries[id] = e
		s.logger.Debug("session created", "session_id", id, "user_id", userID)
	}
	if pin {
		e.pins++
	}
	return e, now
}

// GetOrCreate returns the session for id, creating it lazily. Every
// call counts as activity.
func (s *Store) GetOrCreate(id, userID string) Session {
	for {
		e, now := s.acquire(id, userID, false)
		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		e.sess.LastActivity = now
		e.sess.MessageCount++
		out := e.sess.clone()
		e.mu.Unlock()
		return out
	}
}

// Begin is GetOrCreate for an in-flight turn: the session stays pinned
// until done is called. done is safe to call more than once.
func (s *Store) Begin(id, userID string) (Session, func()) {
	e, now := s.acquire(id, userID, true)

	e.mu.Lock()
	e.sess.LastActivity = now
	e.sess.MessageCount++
	out := e.sess.clone()
	e.mu.Unlock()

	var once sync.Once
	done := func() {
		once.Do(func() {
			s.mu.Lock()
			e.pins--
			s.mu.Unlock()
		})
	}
	return out, done
}

// Update merges p into the session and pushes {timestamp, intent,
// result} onto the context stack, evicting the oldest entries beyond
// the stack bound. A session that was swept in the meantime is
// recreated so the turn still lands.
func (s *Store) Update(id, userID string, p Patch) Session {
	for {
		e, now := s.acquire(id, userID, false)
		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}

		sess := &e.sess
		if sess.MessageCount == 0 {
			s.logger.Debug("session recreated for update", "session_id", id)
		}
		if p.LastIntent != nil {
			sess.LastIntent = *p.LastIntent
		}
		if p.LastEntities != nil {
			sess.LastEntities = maps.Clone(p.LastEntities)
		}
		if p.LastToolResults != nil {
			sess.LastToolResults = maps.Clone(p.LastToolResults)
		}
		if p.LastMode != nil {
			sess.LastMode = *p.LastMode
		}
		if p.Greeted != nil {
			sess.Greeted = *p.Greeted
		}

		var intent string
		if p.LastIntent != nil {
			intent = *p.LastIntent
		}
		sess.ContextStack = append(sess.ContextStack, Entry{
			Timestamp: now,
			Intent:    intent,
			Result:    maps.Clone(p.LastToolResults),
		})
		if over := len(sess.ContextStack) - s.maxStack; over > 0 {
			sess.ContextStack = append([]Entry(nil), sess.ContextStack[over:]...)
		}
		sess.LastActivity = now

		out := sess.clone()
		e.mu.Unlock()
		return out
	}
}

// Get returns the session for id without counting it as activity.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Session{}, false
	}
	return e.sess.clone(), true
}

// Sweep deletes unpinned sessions idle for longer than maxIdle and
// returns how many were removed.
func (s *Store) Sweep(maxIdle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxIdle)
	removed := 0
	for id, e := range s.entries {
		if e.pins > 0 {
			continue
		}
		e.mu.Lock()
		if e.sess.LastActivity.Before(cutoff) {
			e.removed = true
			delete(s.entries, id)
			removed++
		}
		e.mu.Unlock()
	}
	if removed > 0 {
		s.logger.Info("idle sessions swept", "removed", removed, "remaining", len(s.entries))
	}
	return removed
}

// Stats returns store counters for the status endpoint.
func (s *Store) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	pinned := 0
	for _, e := range s.entries {
		if e.pins > 0 {
			pinned++
		}
	}
	return map[string]any{
		"sessions":          len(s.entries),
		"pinned":            pinned,
		"context_stack_max": s.maxStack,
	}
}
