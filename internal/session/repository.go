package session

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrSessionNotFound = errors.New("session not found")

	// ErrSlotTaken is the conflict error: another live session already holds
	// the (expert, date, time) tuple.
	ErrSlotTaken = errors.New("slot no longer available")
)

// Repository contains all DB interactions needed by the service.
type Repository interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*User, error)

	GetSessionByID(ctx context.Context, id uuid.UUID) (*Session, error)
	GetSessionByMeetingID(ctx context.Context, meetingID string) (*Session, error)

	// CreateScheduledSession inserts the row in a single statement; the
	// partial unique index turns a lost slot race into ErrSlotTaken.
	CreateScheduledSession(ctx context.Context, s *Session) (*Session, error)

	// UpdateSessionStatus is a compare-and-swap: it only applies when the
	// row's current status equals from, returning ErrSessionNotFound when
	// the row is missing or the status moved underneath the caller.
	UpdateSessionStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Session, error)

	// SetRecordingURL stores the artifact reference; the first writer wins,
	// later writers get ErrSessionNotFound from the conditioned update.
	SetRecordingURL(ctx context.Context, id uuid.UUID, url string) (*Session, error)

	// ReplaceRecordingURL swaps the reference only if it still equals from;
	// used when a local-fallback artifact is promoted to durable storage.
	ReplaceRecordingURL(ctx context.Context, id uuid.UUID, from, to string) (*Session, error)

	// For availability computation
	BookedStartTimes(ctx context.Context, expertID uuid.UUID, date string) ([]string, error)
	DisabledStartTimes(ctx context.Context, expertID uuid.UUID, date string) ([]string, error)

	// Listings
	ListSessionsByCandidate(ctx context.Context, candidateID uuid.UUID, limit, offset int) ([]Session, error)
	ListSessionsByExpert(ctx context.Context, expertID uuid.UUID, limit, offset int) ([]Session, error)

	// Audit logging
	InsertEvent(ctx context.Context, ev EventLog) error
}
