package presence

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Role of a registered participant.
type Role string

const (
	RoleUser       Role = "user"
	RoleAstrologer Role = "astrologer"
)

// Conn is the send side of a participant's current transport connection.
// The registry never cares what the transport is; a reconnect swaps the Conn
// while the participant keeps its logical identity.
type Conn interface {
	Send(event string, data any) error
	Close() error
}

// Entry is one participant's presence record.
type Entry struct {
	ParticipantID string
	Role          Role
	Conn          Conn
	OnlineSince   time.Time
}

// Registry tracks which participants are currently reachable. Presence is
// ephemeral: nothing is persisted, state is rebuilt as clients reconnect.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	log     *zap.Logger
}

// NewRegistry creates an empty presence registry.
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{entries: make(map[string]*Entry), log: log}
}

// RegisterOnline records the participant as reachable over conn. A prior
// connection for the same identity is silently displaced and closed —
// last registration wins. The returned cleanup removes the entry only if it
// is still the current one, so a stale connection's deferred cleanup cannot
// knock out a newer registration.
func (r *Registry) RegisterOnline(participantID string, role Role, conn Conn) func() {
	r.mu.Lock()
	prev := r.entries[participantID]
	e := &Entry{
		ParticipantID: participantID,
		Role:          role,
		Conn:          conn,
		OnlineSince:   time.Now(),
	}
	r.entries[participantID] = e
	r.mu.Unlock()

	if prev != nil && prev.Conn != conn {
		_ = prev.Conn.Close()
		r.log.Debug("presence: displaced stale connection",
			zap.String("participant_id", participantID))
	}
	r.log.Info("presence: online",
		zap.String("participant_id", participantID),
		zap.String("role", string(role)))

	return func() {
		r.mu.Lock()
		if cur, ok := r.entries[participantID]; ok && cur == e {
			delete(r.entries, participantID)
		}
		r.mu.Unlock()
	}
}

// RegisterOffline removes the participant's presence (explicit offline toggle).
func (r *Registry) RegisterOffline(participantID string) {
	r.mu.Lock()
	_, ok := r.entries[participantID]
	delete(r.entries, participantID)
	r.mu.Unlock()
	if ok {
		r.log.Info("presence: offline", zap.String("participant_id", participantID))
	}
}

// Lookup returns the presence entry for the participant. A miss is not an
// error; callers treat it as "unreachable".
func (r *Registry) Lookup(participantID string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[participantID]
	return e, ok
}

// Online reports whether the participant currently has a connection.
func (r *Registry) Online(participantID string) bool {
	_, ok := r.Lookup(participantID)
	return ok
}

// Send delivers an event to the participant's current connection, best-effort.
// Returns false when the participant is offline or the send failed.
func (r *Registry) Send(participantID, event string, data any) bool {
	e, ok := r.Lookup(participantID)
	if !ok {
		return false
	}
	if err := e.Conn.Send(event, data); err != nil {
		r.log.Warn("presence: send failed",
			zap.String("participant_id", participantID),
			zap.String("event", event),
			zap.Error(err))
		return false
	}
	return true
}

// Count returns the number of online participants (for debugging).
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
