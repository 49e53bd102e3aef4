// Package notifier fans session lifecycle events out to currently-connected
// clients. Delivery is best-effort and at-most-once: there is no durable
// queue, an offline client simply misses the push and refetches on reconnect.
package notifier

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	EventSessionCreated    = "session_created"
	EventSessionUpdated    = "session_updated"
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
	EventRecordingReady    = "recording_ready"
	EventSignal            = "signal"
)

// Event is one push to a connected client. Events for the same session are
// delivered in publish order; cross-session order is unspecified.
type Event struct {
	Type      string         `json:"type"`
	SessionID uuid.UUID      `json:"session_id,omitempty"`
	MeetingID string         `json:"meeting_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	At        time.Time      `json:"at"`
}

// Connection is one physical client connection (one tab). A user may hold
// any number of them at once.
type Connection struct {
	ID     uuid.UUID
	UserID uuid.UUID
	C      <-chan Event

	ch chan Event
}

// Registry is the process-wide connection registry: populated on connect,
// purged on disconnect. It is injected into everything that publishes,
// never reached for as ambient state.
type Registry struct {
	mu     sync.Mutex
	byUser map[uuid.UUID]map[uuid.UUID]*Connection
	buffer int
	logger *zap.Logger
}

func NewRegistry(buffer int, logger *zap.Logger) *Registry {
	if buffer <= 0 {
		buffer = 64
	}
	return &Registry{
		byUser: make(map[uuid.UUID]map[uuid.UUID]*Connection),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a new connection for userID and returns it. The caller
// owns the connection and must Unsubscribe when the transport closes.
func (r *Registry) Subscribe(userID uuid.UUID) *Connection {
	conn := &Connection{
		ID:     uuid.New(),
		UserID: userID,
		ch:     make(chan Event, r.buffer),
	}
	conn.C = conn.ch

	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.byUser[userID]
	if conns == nil {
		conns = make(map[uuid.UUID]*Connection)
		r.byUser[userID] = conns
	}
	conns[conn.ID] = conn

	return conn
}

// Unsubscribe removes the connection and closes its channel. Safe to call
// for a connection that was already removed.
func (r *Registry) Unsubscribe(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.byUser[conn.UserID]
	if !ok {
		return
	}
	if _, ok := conns[conn.ID]; !ok {
		return
	}
	delete(conns, conn.ID)
	if len(conns) == 0 {
		delete(r.byUser, conn.UserID)
	}
	close(conn.ch)
}

// Publish delivers ev to every live connection of every target user. It never
// blocks: a connection whose buffer is full drops this event (a delivery
// miss, not an error). Holding the registry lock for the whole fan-out keeps
// per-session publish order intact on every channel.
func (r *Registry) Publish(ev Event, targets ...uuid.UUID) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[uuid.UUID]struct{}, len(targets))
	for _, userID := range targets {
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}

		for _, conn := range r.byUser[userID] {
			select {
			case conn.ch <- ev:
			default:
				if r.logger != nil {
					r.logger.Debug("event dropped for slow client",
						zap.String("event", ev.Type),
						zap.String("user_id", userID.String()),
						zap.String("conn_id", conn.ID.String()),
					)
				}
			}
		}
	}
}

// Connected reports how many physical connections userID currently holds.
func (r *Registry) Connected(userID uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser[userID])
}
