package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mockmate/coaching-session-engine/internal/config"
	"github.com/mockmate/coaching-session-engine/internal/notifier"
	"github.com/mockmate/coaching-session-engine/internal/queue"
	redisclient "github.com/mockmate/coaching-session-engine/internal/redis"
)

const dateLayout = "2006-01-02"

const (
	EventSessionReserved    = "SESSION_RESERVED"
	EventSessionStarted     = "SESSION_STARTED"
	EventSessionCompleted   = "SESSION_COMPLETED"
	EventSessionCancelled   = "SESSION_CANCELLED"
	EventSessionRescheduled = "SESSION_RESCHEDULED"
	EventStatusForced       = "SESSION_STATUS_FORCED"
	EventRecordingAttached  = "RECORDING_ATTACHED"
)

var (
	ErrAccessDenied = errors.New("access denied")
	ErrInvalidDate  = errors.New("date must be YYYY-MM-DD")
	ErrOffGridSlot  = errors.New("time is not a bookable slot for this day")
	ErrSlotDisabled = errors.New("slot is not open for booking")

	// ErrSlotBeingBooked means another reservation for the same slot holds
	// the lock right now; the caller should retry shortly.
	ErrSlotBeingBooked = errors.New("slot is currently being booked, please retry")
)

// Broker receives every lifecycle transition as a queue message. Satisfied by
// *queue.Publisher; a nil publisher is a no-op.
type Broker interface {
	PublishSessionEvent(ctx context.Context, ev queue.SessionEvent) error
}

// Pusher fans events out to connected clients. Satisfied by
// *notifier.Registry.
type Pusher interface {
	Publish(ev notifier.Event, targets ...uuid.UUID)
}

type Service struct {
	repo   Repository
	locker redisclient.Locker
	pusher Pusher
	broker Broker
	cfg    config.Config
	logger *zap.Logger
}

func NewService(repo Repository, locker redisclient.Locker, pusher Pusher, broker Broker, cfg config.Config, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		locker: locker,
		pusher: pusher,
		broker: broker,
		cfg:    cfg,
		logger: logger,
	}
}

// Window returns the configured daily booking window.
func (s *Service) Window() Window {
	return Window{Start: s.cfg.DayStart, End: s.cfg.DayEnd, SlotMinutes: s.cfg.SlotMinutes}
}

// Availability computes the open slots for an expert on a given day.
func (s *Service) Availability(ctx context.Context, expertID uuid.UUID, date string) (Availability, error) {
	if _, err := time.Parse(dateLayout, date); err != nil {
		return Availability{}, ErrInvalidDate
	}

	booked, err := s.repo.BookedStartTimes(ctx, expertID, date)
	if err != nil {
		return Availability{}, fmt.Errorf("load booked times: %w", err)
	}
	disabled, err := s.repo.DisabledStartTimes(ctx, expertID, date)
	if err != nil {
		return Availability{}, fmt.Errorf("load disabled times: %w", err)
	}

	return ComputeAvailability(s.Window(), booked, disabled), nil
}

type ReserveParams struct {
	CandidateID            uuid.UUID
	ExpertID               uuid.UUID
	Date                   string // YYYY-MM-DD
	StartTime              string // HH:MM or H:MM
	SessionType            Type
	PaymentAmount          float64
	RecordingEnabled       bool
	AdditionalParticipants []uuid.UUID

	rescheduledFrom *uuid.UUID
}

// Reserve atomically books a slot for a candidate. The Redis lock sheds
// concurrent attempts on the same slot early; the partial unique index on the
// sessions table is the actual at-most-one guarantee, so a lost race always
// surfaces as ErrSlotTaken even if the lock expires mid-flight.
func (s *Service) Reserve(ctx context.Context, p ReserveParams) (*Session, error) {
	if _, err := time.Parse(dateLayout, p.Date); err != nil {
		return nil, ErrInvalidDate
	}

	startTime := NormalizeClock(p.StartTime)
	if !OnGrid(s.Window(), startTime) {
		return nil, ErrOffGridSlot
	}

	if _, err := s.repo.GetUserByID(ctx, p.CandidateID); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, fmt.Errorf("candidate: %w", err)
		}
		return nil, fmt.Errorf("load candidate: %w", err)
	}
	expert, err := s.repo.GetUserByID(ctx, p.ExpertID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, fmt.Errorf("expert: %w", err)
		}
		return nil, fmt.Errorf("load expert: %w", err)
	}
	if expert.Role != RoleExpert {
		return nil, fmt.Errorf("expert: %w", ErrUserNotFound)
	}

	sessionType := p.SessionType
	if sessionType == "" {
		sessionType = TypeMockInterview
	}

	var created *Session

	err = s.locker.WithSlotLock(ctx, p.ExpertID, p.Date, startTime, func(lockCtx context.Context) error {
		// Re-check openness inside the critical section: an admin may have
		// disabled the time after the client last fetched availability.
		disabled, err := s.repo.DisabledStartTimes(lockCtx, p.ExpertID, p.Date)
		if err != nil {
			return fmt.Errorf("load disabled times: %w", err)
		}
		for _, t := range disabled {
			if NormalizeClock(t) == startTime {
				return ErrSlotDisabled
			}
		}

		row := &Session{
			CandidateID:            p.CandidateID,
			ExpertID:               p.ExpertID,
			ScheduledDate:          p.Date,
			StartTime:              startTime,
			DurationMinutes:        s.cfg.SlotMinutes,
			SessionType:            sessionType,
			PaymentAmount:          p.PaymentAmount,
			PaymentStatus:          "pending",
			MeetingID:              uuid.NewString(),
			IsRecordingEnabled:     p.RecordingEnabled,
			AdditionalParticipants: p.AdditionalParticipants,
			RescheduledFrom:        p.rescheduledFrom,
		}

		inserted, err := s.repo.CreateScheduledSession(lockCtx, row)
		if err != nil {
			return err
		}
		created = inserted

		s.logEvent(lockCtx, inserted.ID, EventSessionReserved, map[string]any{
			"expert_id":    p.ExpertID.String(),
			"candidate_id": p.CandidateID.String(),
			"date":         p.Date,
			"start_time":   startTime,
		})
		return nil
	})

	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotBeingBooked
		}
		return nil, err
	}

	s.emit(ctx, notifier.EventSessionCreated, created)

	return created, nil
}

// MarkInProgress flips the session for meetingID to in_progress when the
// first authorized participant joins. Idempotent: a second join while the
// session is already in_progress is a state no-op.
func (s *Service) MarkInProgress(ctx context.Context, meetingID string) (*Session, error) {
	sess, err := s.repo.GetSessionByMeetingID(ctx, meetingID)
	if err != nil {
		return nil, err
	}

	if sess.Status == StatusInProgress {
		return sess, nil
	}
	if err := CheckTransition(sess.Status, StatusInProgress); err != nil {
		return nil, err
	}

	updated, err := s.repo.UpdateSessionStatus(ctx, sess.ID, StatusScheduled, StatusInProgress)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			// Lost the CAS to a concurrent join; re-read and accept.
			current, readErr := s.repo.GetSessionByID(ctx, sess.ID)
			if readErr == nil && current.Status == StatusInProgress {
				return current, nil
			}
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sess.Status, StatusInProgress)
		}
		return nil, err
	}

	s.logEvent(ctx, updated.ID, EventSessionStarted, map[string]any{"meeting_id": meetingID})
	s.emit(ctx, notifier.EventSessionUpdated, updated)

	return updated, nil
}

// Complete moves an in_progress session to completed once its call has ended.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*Session, error) {
	return s.transition(ctx, id, StatusCompleted, EventSessionCompleted, nil)
}

// Cancel terminates a session before or during the call. Only a participant
// or an admin may cancel.
func (s *Service) Cancel(ctx context.Context, id, actorID uuid.UUID, actorRole Role) (*Session, error) {
	sess, err := s.repo.GetSessionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorRole != RoleAdmin && !sess.IsParticipant(actorID) {
		return nil, ErrAccessDenied
	}

	return s.transition(ctx, id, StatusCancelled, EventSessionCancelled, map[string]any{
		"cancelled_by": actorID.String(),
	})
}

// Reschedule books a new slot and retires the old session. The old session
// turns terminal only after the new reservation has committed; if retiring
// the old row fails (an admin edit won the race), the new reservation is
// compensated away so no slot is leaked.
func (s *Service) Reschedule(ctx context.Context, id, actorID uuid.UUID, actorRole Role, newDate, newTime string) (*Session, error) {
	old, err := s.repo.GetSessionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if actorRole != RoleAdmin && !old.IsParticipant(actorID) {
		return nil, ErrAccessDenied
	}
	if err := CheckTransition(old.Status, StatusRescheduled); err != nil {
		return nil, err
	}

	oldID := old.ID
	created, err := s.Reserve(ctx, ReserveParams{
		CandidateID:            old.CandidateID,
		ExpertID:               old.ExpertID,
		Date:                   newDate,
		StartTime:              newTime,
		SessionType:            old.SessionType,
		PaymentAmount:          old.PaymentAmount,
		RecordingEnabled:       old.IsRecordingEnabled,
		AdditionalParticipants: old.AdditionalParticipants,
		rescheduledFrom:        &oldID,
	})
	if err != nil {
		return nil, err
	}

	retired, err := s.repo.UpdateSessionStatus(ctx, old.ID, StatusScheduled, StatusRescheduled)
	if err != nil {
		if _, cErr := s.repo.UpdateSessionStatus(ctx, created.ID, StatusScheduled, StatusCancelled); cErr != nil {
			s.logger.Error("compensating cancel of rescheduled session failed",
				zap.String("session_id", created.ID.String()), zap.Error(cErr))
		}
		if errors.Is(err, ErrSessionNotFound) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, old.Status, StatusRescheduled)
		}
		return nil, err
	}

	s.logEvent(ctx, retired.ID, EventSessionRescheduled, map[string]any{
		"new_session_id": created.ID.String(),
		"new_date":       created.ScheduledDate,
		"new_time":       created.StartTime,
	})
	s.emit(ctx, notifier.EventSessionUpdated, retired)

	return created, nil
}

// ForceStatus is the admin override path. It skips the transition table but
// still conditions the write on the status read just before, so an in-flight
// automatic transition cannot be silently overwritten (the override retries
// against fresh state instead).
func (s *Service) ForceStatus(ctx context.Context, id uuid.UUID, to Status) (*Session, error) {
	sess, err := s.repo.GetSessionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status == to {
		return sess, nil
	}

	updated, err := s.repo.UpdateSessionStatus(ctx, id, sess.Status, to)
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, updated.ID, EventStatusForced, map[string]any{
		"from": string(sess.Status),
		"to":   string(to),
	})
	s.emit(ctx, notifier.EventSessionUpdated, updated)

	return updated, nil
}

// AttachRecording stores the artifact reference on the session. The write is
// once-only; if another writer got there first the stored reference stands
// and is returned.
func (s *Service) AttachRecording(ctx context.Context, sessionID uuid.UUID, url string) (*Session, error) {
	updated, err := s.repo.SetRecordingURL(ctx, sessionID, url)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			current, readErr := s.repo.GetSessionByID(ctx, sessionID)
			if readErr == nil && current.RecordingURL != nil {
				return current, nil
			}
			return nil, err
		}
		return nil, err
	}

	s.logEvent(ctx, updated.ID, EventRecordingAttached, map[string]any{"recording_url": url})
	s.emit(ctx, notifier.EventRecordingReady, updated)

	return updated, nil
}

// RepointRecording swaps a local-fallback reference for the durable one once
// the upload worker has promoted the artifact. CAS on the old value; losing
// the race to an admin edit leaves the edited value alone.
func (s *Service) RepointRecording(ctx context.Context, sessionID uuid.UUID, from, to string) error {
	updated, err := s.repo.ReplaceRecordingURL(ctx, sessionID, from, to)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return err
	}

	s.logEvent(ctx, updated.ID, EventRecordingAttached, map[string]any{
		"recording_url": to,
		"promoted_from": from,
	})
	s.emit(ctx, notifier.EventRecordingReady, updated)
	return nil
}

// GetSession loads one session by id.
func (s *Service) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	return s.repo.GetSessionByID(ctx, id)
}

// GetSessionByMeetingID loads the session owning a live-call room.
func (s *Service) GetSessionByMeetingID(ctx context.Context, meetingID string) (*Session, error) {
	return s.repo.GetSessionByMeetingID(ctx, meetingID)
}

// ListByCandidate returns a candidate's sessions, newest first.
func (s *Service) ListByCandidate(ctx context.Context, candidateID uuid.UUID, limit, offset int) ([]Session, error) {
	limit, offset = clampPage(limit, offset)
	return s.repo.ListSessionsByCandidate(ctx, candidateID, limit, offset)
}

// ListByExpert returns an expert's sessions, newest first.
func (s *Service) ListByExpert(ctx context.Context, expertID uuid.UUID, limit, offset int) ([]Session, error) {
	limit, offset = clampPage(limit, offset)
	return s.repo.ListSessionsByExpert(ctx, expertID, limit, offset)
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// transition applies a legal lifecycle step with a CAS write and emits the
// matching events.
func (s *Service) transition(ctx context.Context, id uuid.UUID, to Status, auditEvent string, payload map[string]any) (*Session, error) {
	sess, err := s.repo.GetSessionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := CheckTransition(sess.Status, to); err != nil {
		return nil, err
	}

	updated, err := s.repo.UpdateSessionStatus(ctx, id, sess.Status, to)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sess.Status, to)
		}
		return nil, err
	}

	s.logEvent(ctx, updated.ID, auditEvent, payload)
	s.emit(ctx, notifier.EventSessionUpdated, updated)

	return updated, nil
}

// emit pushes to connected clients and mirrors the transition to the broker.
func (s *Service) emit(ctx context.Context, eventType string, sess *Session) {
	if s.pusher != nil {
		s.pusher.Publish(notifier.Event{
			Type:      eventType,
			SessionID: sess.ID,
			MeetingID: sess.MeetingID,
			Data: map[string]any{
				"status":         string(sess.Status),
				"scheduled_date": sess.ScheduledDate,
				"start_time":     sess.StartTime,
			},
		}, sess.Targets()...)
	}

	if s.broker != nil {
		ev := queue.SessionEvent{
			EventType:     eventType,
			SessionID:     sess.ID.String(),
			CandidateID:   sess.CandidateID.String(),
			ExpertID:      sess.ExpertID.String(),
			ScheduledDate: sess.ScheduledDate,
			StartTime:     sess.StartTime,
			Status:        string(sess.Status),
			MeetingID:     sess.MeetingID,
			PaymentAmount: sess.PaymentAmount,
			OccurredAt:    time.Now().UTC().Format(time.RFC3339),
		}
		if sess.RecordingURL != nil {
			ev.RecordingURL = *sess.RecordingURL
		}
		if err := s.broker.PublishSessionEvent(ctx, ev); err != nil {
			s.logger.Warn("broker publish failed", zap.String("event", eventType), zap.Error(err))
		}
	}
}

func (s *Service) logEvent(ctx context.Context, sessionID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to marshal event payload", zap.String("event", eventType), zap.Error(err))
		data = nil
	}

	sid := sessionID

	ev := EventLog{
		EventType: eventType,
		SessionID: &sid,
		Payload:   data,
		CreatedAt: time.Now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.logger.Warn("failed to insert event log",
			zap.String("event", eventType),
			zap.String("session_id", sessionID.String()),
			zap.Error(err),
		)
	}
}
