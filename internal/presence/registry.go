package presence

import (
	"log/slog"
	"sync"
	"time"

	"lichka/internal/models"
)

// LastSeenStore persists the disconnect timestamp so "last seen" survives
// a restart.
type LastSeenStore interface {
	TouchLastSeen(userID string, ts int64) error
}

type session struct {
	connID      string
	ch          chan models.ServerEvent
	connectedAt time.Time

	mu     sync.Mutex
	closed bool
}

// trySend delivers without blocking. The session lock makes delivery
// and close mutually exclusive, so a concurrent replacement can never
// close the channel mid-send.
func (s *session) trySend(ev models.ServerEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Registry tracks which users currently hold a live connection and the
// derived online/offline + last-seen state. One live session per user:
// registering a second connection replaces the first (last writer wins).
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
	lastSeen map[string]int64

	store LastSeenStore
	now   func() time.Time
}

func NewRegistry(store LastSeenStore) *Registry {
	return &Registry{
		sessions: make(map[string]*session),
		lastSeen: make(map[string]int64),
		store:    store,
		now:      time.Now,
	}
}

// Register marks the user online and announces the status change to all
// other connected users. If the user already had a live session its
// outbound channel is closed (the old pump exits) and the handle is
// replaced without an offline/online broadcast pair.
func (r *Registry) Register(userID, connID string, ch chan models.ServerEvent) {
	r.mu.Lock()

	prev, hadSession := r.sessions[userID]
	r.sessions[userID] = &session{
		connID:      connID,
		ch:          ch,
		connectedAt: r.now(),
	}

	r.mu.Unlock()

	if hadSession {
		prev.close()
		slog.Debug("session replaced", "user", userID, "old_conn", prev.connID, "new_conn", connID)
		return
	}

	r.broadcast(models.ServerEvent{
		Type:   models.ServerEventStatusChange,
		UserID: userID,
		Online: true,
	}, userID)
}

// Unregister removes the session identified by connID. A stale
// disconnect of an already-replaced session is a no-op and returns
// false. If this was the user's live session the user goes offline,
// last-seen is stamped and persisted, and the change is announced.
func (r *Registry) Unregister(userID, connID string) bool {
	r.mu.Lock()

	sess, ok := r.sessions[userID]
	if !ok || sess.connID != connID {
		r.mu.Unlock()
		return false
	}

	delete(r.sessions, userID)
	ts := r.now().Unix()
	r.lastSeen[userID] = ts

	r.mu.Unlock()

	sess.close()

	if r.store != nil {
		if err := r.store.TouchLastSeen(userID, ts); err != nil {
			slog.Warn("failed to persist last seen", "user", userID, "error", err)
		}
	}

	r.broadcast(models.ServerEvent{
		Type:     models.ServerEventStatusChange,
		UserID:   userID,
		Online:   false,
		LastSeen: ts,
	}, userID)
	return true
}

// Lookup returns the current presence of a user. The second return is
// false if the user was never seen by this registry.
func (r *Registry) Lookup(userID string) (models.Presence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, online := r.sessions[userID]; online {
		return models.Presence{Online: true}, true
	}
	if ts, ok := r.lastSeen[userID]; ok {
		return models.Presence{Online: false, LastSeen: ts}, true
	}
	return models.Presence{}, false
}

// IsOnline reports whether the user holds a live session.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[userID]
	return ok
}

// Send delivers an event to the user's live session. Returns false when
// the user is offline or the session's buffer is full; the event is
// dropped in both cases, never queued.
func (r *Registry) Send(userID string, ev models.ServerEvent) bool {
	r.mu.RLock()
	sess, ok := r.sessions[userID]
	r.mu.RUnlock()

	if !ok {
		return false
	}

	if !sess.trySend(ev) {
		slog.Warn("dropping event for slow session", "user", userID, "type", ev.Type)
		return false
	}
	return true
}

// broadcast sends the event to every live session except one.
func (r *Registry) broadcast(ev models.ServerEvent, exceptUserID string) {
	r.mu.RLock()
	targets := make([]*session, 0, len(r.sessions))
	for userID, sess := range r.sessions {
		if userID == exceptUserID {
			continue
		}
		targets = append(targets, sess)
	}
	r.mu.RUnlock()

	for _, sess := range targets {
		sess.trySend(ev)
	}
}
