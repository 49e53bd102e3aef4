package session

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusScheduled   Status = "scheduled"
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
	StatusCancelled   Status = "cancelled"
	StatusRescheduled Status = "rescheduled"
)

type Type string

const (
	TypeMockInterview Type = "mock_interview"
	TypeResumeReview  Type = "resume_review"
	TypeCareerCoach   Type = "career_coaching"
)

type Role string

const (
	RoleCandidate Role = "candidate"
	RoleExpert    Role = "expert"
	RoleAdmin     Role = "admin"
)

type User struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	Role      Role
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Session is the durable record of one interview engagement. The
// (ExpertID, ScheduledDate, StartTime) tuple is unique among rows in
// scheduled/in_progress status, enforced by a partial unique index.
type Session struct {
	ID                     uuid.UUID
	CandidateID            uuid.UUID
	ExpertID               uuid.UUID
	ScheduledDate          string // YYYY-MM-DD
	StartTime              string // HH:MM, normalized
	DurationMinutes        int
	SessionType            Type
	Status                 Status
	PaymentAmount          float64
	PaymentStatus          string
	MeetingID              string
	RecordingURL           *string
	IsRecordingEnabled     bool
	AdditionalParticipants []uuid.UUID
	RescheduledFrom        *uuid.UUID
	CreatedAt              time.Time
	UpdatedAt              time.Time
	FeedbackAt             *time.Time
}

// IsParticipant reports whether userID may take part in this session's call.
func (s *Session) IsParticipant(userID uuid.UUID) bool {
	if userID == s.CandidateID || userID == s.ExpertID {
		return true
	}
	for _, id := range s.AdditionalParticipants {
		if id == userID {
			return true
		}
	}
	return false
}

// Targets returns every user that should receive lifecycle events
// for this session.
func (s *Session) Targets() []uuid.UUID {
	out := make([]uuid.UUID, 0, 2+len(s.AdditionalParticipants))
	out = append(out, s.CandidateID, s.ExpertID)
	out = append(out, s.AdditionalParticipants...)
	return out
}

type EventLog struct {
	ID        int64
	EventType string
	SessionID *uuid.UUID
	Payload   []byte
	CreatedAt time.Time
}
