package call

import (
	"time"

	"github.com/google/uuid"

	"github.com/mockmate/coaching-session-engine/internal/session"
)

type RoomState string

const (
	RoomEmpty   RoomState = "empty"
	RoomWaiting RoomState = "waiting"
	RoomActive  RoomState = "active"
	RoomEnded   RoomState = "ended"
)

// Participant is the ephemeral in-memory record of one connected call member.
// It exists only while joined; nothing outlives the room except the audit
// trail of join/leave events.
type Participant struct {
	UserID        uuid.UUID
	Role          session.Role
	JoinedAt      time.Time
	LastHeartbeat time.Time
}

// room tracks one live-call. All access goes through the Manager's lock.
type room struct {
	meetingID    string
	sessionID    uuid.UUID
	state        RoomState
	participants map[uuid.UUID]*Participant
	createdAt    time.Time
}

func newRoom(meetingID string, sessionID uuid.UUID) *room {
	return &room{
		meetingID:    meetingID,
		sessionID:    sessionID,
		state:        RoomEmpty,
		participants: make(map[uuid.UUID]*Participant),
		createdAt:    time.Now(),
	}
}

// refreshState recomputes waiting/active from the member count. ended is
// sticky and never recomputed.
func (r *room) refreshState() {
	if r.state == RoomEnded {
		return
	}
	switch len(r.participants) {
	case 0:
		r.state = RoomEmpty
	case 1:
		r.state = RoomWaiting
	default:
		r.state = RoomActive
	}
}

func (r *room) others(userID uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(r.participants))
	for id := range r.participants {
		if id != userID {
			out = append(out, id)
		}
	}
	return out
}
