// Package call orchestrates live interview rooms: membership, opaque
// signaling relay and liveness. It owns no media; peers exchange
// offer/answer/candidate payloads through it without interpretation.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mockmate/coaching-session-engine/internal/notifier"
	"github.com/mockmate/coaching-session-engine/internal/session"
)

var (
	ErrRoomEnded     = errors.New("call room has ended")
	ErrNotInRoom     = errors.New("user is not in this call room")
	ErrSessionClosed = errors.New("this session is no longer available")
)

// SessionControl is the slice of the session service the orchestrator drives.
type SessionControl interface {
	GetSessionByMeetingID(ctx context.Context, meetingID string) (*session.Session, error)
	MarkInProgress(ctx context.Context, meetingID string) (*session.Session, error)
	Complete(ctx context.Context, id uuid.UUID) (*session.Session, error)
}

// Recorder is the slice of the recording pipeline the orchestrator triggers.
// Finalize must return promptly and invoke done once the artifact reaches a
// terminal upload state; call teardown never waits on an upload.
type Recorder interface {
	StartCapture(ctx context.Context, sessionID uuid.UUID, meetingID string) error
	Finalize(meetingID string, done func())
}

// Pusher fans room events out to connected clients.
type Pusher interface {
	Publish(ev notifier.Event, targets ...uuid.UUID)
}

type Manager struct {
	sessions SessionControl
	recorder Recorder
	pusher   Pusher
	timeout  time.Duration // heartbeat grace period
	logger   *zap.Logger

	mu    sync.Mutex
	rooms map[string]*room
}

func NewManager(sessions SessionControl, recorder Recorder, pusher Pusher, heartbeatTimeout time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		sessions: sessions,
		recorder: recorder,
		pusher:   pusher,
		timeout:  heartbeatTimeout,
		logger:   logger,
		rooms:    make(map[string]*room),
	}
}

// Join admits an authorized user into the meeting's room. The identity comes
// from the auth layer but is re-checked against the session's participant
// list. The first successful join moves the session to in_progress and, if
// enabled, starts recording capture.
func (m *Manager) Join(ctx context.Context, meetingID string, userID uuid.UUID, role session.Role) (RoomState, error) {
	sess, err := m.sessions.GetSessionByMeetingID(ctx, meetingID)
	if err != nil {
		return "", err
	}

	if role != session.RoleAdmin && !sess.IsParticipant(userID) {
		return "", session.ErrAccessDenied
	}
	if sess.Status != session.StatusScheduled && sess.Status != session.StatusInProgress {
		return "", ErrSessionClosed
	}

	m.mu.Lock()
	r, ok := m.rooms[meetingID]
	if !ok {
		r = newRoom(meetingID, sess.ID)
		m.rooms[meetingID] = r
	}
	if r.state == RoomEnded {
		m.mu.Unlock()
		return "", ErrRoomEnded
	}

	firstJoin := len(r.participants) == 0
	now := time.Now()
	r.participants[userID] = &Participant{
		UserID:        userID,
		Role:          role,
		JoinedAt:      now,
		LastHeartbeat: now,
	}
	r.refreshState()
	state := r.state
	targets := r.others(userID)
	m.mu.Unlock()

	if firstJoin {
		if _, err := m.sessions.MarkInProgress(ctx, meetingID); err != nil {
			m.logger.Warn("mark in_progress failed",
				zap.String("meeting_id", meetingID), zap.Error(err))
		}
		if sess.IsRecordingEnabled {
			if err := m.recorder.StartCapture(ctx, sess.ID, meetingID); err != nil {
				m.logger.Warn("recording capture not started",
					zap.String("meeting_id", meetingID), zap.Error(err))
			}
		}
	}

	m.pusher.Publish(notifier.Event{
		Type:      notifier.EventParticipantJoined,
		SessionID: sess.ID,
		MeetingID: meetingID,
		Data:      map[string]any{"user_id": userID.String(), "room_state": string(state)},
	}, targets...)

	return state, nil
}

// Signal relays an opaque payload from one room member to the others. The
// payload is never parsed; delivery is fire-and-forget.
func (m *Manager) Signal(meetingID string, fromUserID uuid.UUID, payload json.RawMessage) error {
	m.mu.Lock()
	r, ok := m.rooms[meetingID]
	if !ok || r.state == RoomEnded {
		m.mu.Unlock()
		return ErrRoomEnded
	}
	if _, member := r.participants[fromUserID]; !member {
		m.mu.Unlock()
		return ErrNotInRoom
	}
	sessionID := r.sessionID
	targets := r.others(fromUserID)
	m.mu.Unlock()

	m.pusher.Publish(notifier.Event{
		Type:      notifier.EventSignal,
		SessionID: sessionID,
		MeetingID: meetingID,
		Data:      map[string]any{"from": fromUserID.String(), "payload": payload},
	}, targets...)

	return nil
}

// Heartbeat refreshes a member's liveness stamp.
func (m *Manager) Heartbeat(meetingID string, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[meetingID]
	if !ok || r.state == RoomEnded {
		return ErrRoomEnded
	}
	p, member := r.participants[userID]
	if !member {
		return ErrNotInRoom
	}
	p.LastHeartbeat = time.Now()
	return nil
}

// Leave removes the member; draining the room ends the call.
func (m *Manager) Leave(ctx context.Context, meetingID string, userID uuid.UUID) error {
	m.mu.Lock()
	r, ok := m.rooms[meetingID]
	if !ok {
		m.mu.Unlock()
		return ErrRoomEnded
	}
	if _, member := r.participants[userID]; !member {
		m.mu.Unlock()
		return ErrNotInRoom
	}
	delete(r.participants, userID)
	r.refreshState()
	sessionID := r.sessionID
	targets := r.others(userID)
	drained := len(r.participants) == 0 && r.state != RoomEnded
	if drained {
		r.state = RoomEnded
	}
	m.mu.Unlock()

	m.pusher.Publish(notifier.Event{
		Type:      notifier.EventParticipantLeft,
		SessionID: sessionID,
		MeetingID: meetingID,
		Data:      map[string]any{"user_id": userID.String()},
	}, targets...)

	if drained {
		m.finishCall(meetingID, sessionID)
	}
	return nil
}

// End terminates the room explicitly, regardless of remaining members.
func (m *Manager) End(ctx context.Context, meetingID string, userID uuid.UUID, role session.Role) error {
	sess, err := m.sessions.GetSessionByMeetingID(ctx, meetingID)
	if err != nil {
		return err
	}
	if role != session.RoleAdmin && !sess.IsParticipant(userID) {
		return session.ErrAccessDenied
	}

	m.mu.Lock()
	r, ok := m.rooms[meetingID]
	if !ok || r.state == RoomEnded {
		m.mu.Unlock()
		return ErrRoomEnded
	}
	r.state = RoomEnded
	remaining := r.others(uuid.Nil)
	r.participants = make(map[uuid.UUID]*Participant)
	m.mu.Unlock()

	m.pusher.Publish(notifier.Event{
		Type:      notifier.EventParticipantLeft,
		SessionID: sess.ID,
		MeetingID: meetingID,
		Data:      map[string]any{"reason": "call_ended"},
	}, remaining...)

	m.finishCall(meetingID, sess.ID)
	return nil
}

// Member reports whether userID is currently joined to the meeting's room.
// Gates surfaces that act on the live call, like media chunk uploads.
func (m *Manager) Member(meetingID string, userID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[meetingID]
	if !ok || r.state == RoomEnded {
		return false
	}
	_, member := r.participants[userID]
	return member
}

// RoomState reports the current state of a meeting's room; a room that was
// never created is empty.
func (m *Manager) RoomState(meetingID string) RoomState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[meetingID]; ok {
		return r.state
	}
	return RoomEmpty
}

// finishCall runs recording finalization and, once the artifact settles,
// completes the session. Runs at most once per room: callers only get here
// after winning the ended flip under the lock.
func (m *Manager) finishCall(meetingID string, sessionID uuid.UUID) {
	m.recorder.Finalize(meetingID, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if _, err := m.sessions.Complete(ctx, sessionID); err != nil {
			if !errors.Is(err, session.ErrInvalidTransition) {
				m.logger.Error("complete session failed",
					zap.String("session_id", sessionID.String()), zap.Error(err))
			}
		}

		m.mu.Lock()
		delete(m.rooms, meetingID)
		m.mu.Unlock()
	})
}

// RunReaper force-ends rooms whose members all went silent for longer than
// the heartbeat grace period. Blocks until ctx is done.
func (m *Manager) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Manager) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-m.timeout)

	type eviction struct {
		meetingID string
		userID    uuid.UUID
	}
	var evictions []eviction

	m.mu.Lock()
	for meetingID, r := range m.rooms {
		if r.state == RoomEnded {
			continue
		}
		for userID, p := range r.participants {
			if p.LastHeartbeat.Before(cutoff) {
				evictions = append(evictions, eviction{meetingID: meetingID, userID: userID})
			}
		}
	}
	m.mu.Unlock()

	for _, ev := range evictions {
		m.logger.Info("evicting silent participant",
			zap.String("meeting_id", ev.meetingID),
			zap.String("user_id", ev.userID.String()),
		)
		if err := m.Leave(ctx, ev.meetingID, ev.userID); err != nil &&
			!errors.Is(err, ErrRoomEnded) && !errors.Is(err, ErrNotInRoom) {
			m.logger.Warn("implicit leave failed",
				zap.String("meeting_id", ev.meetingID), zap.Error(err))
		}
	}
}
