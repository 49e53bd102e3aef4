package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

const sessionColumns = `id, candidate_id, expert_id, scheduled_date::text, start_time,
	duration_minutes, session_type, status, payment_amount, payment_status,
	meeting_id, recording_url, is_recording_enabled, additional_participants,
	rescheduled_from, created_at, updated_at, feedback_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	var email *string

	err := row.Scan(
		&u.ID,
		&u.Name,
		&email,
		&u.Role,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	u.Email = email
	return &u, nil
}

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	var recordingURL *string
	var rescheduledFrom *uuid.UUID
	var feedbackAt *time.Time

	err := row.Scan(
		&s.ID,
		&s.CandidateID,
		&s.ExpertID,
		&s.ScheduledDate,
		&s.StartTime,
		&s.DurationMinutes,
		&s.SessionType,
		&s.Status,
		&s.PaymentAmount,
		&s.PaymentStatus,
		&s.MeetingID,
		&recordingURL,
		&s.IsRecordingEnabled,
		&s.AdditionalParticipants,
		&rescheduledFrom,
		&s.CreatedAt,
		&s.UpdatedAt,
		&feedbackAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	s.RecordingURL = recordingURL
	s.RescheduledFrom = rescheduledFrom
	s.FeedbackAt = feedbackAt
	return &s, nil
}

// Interface methods

func (r *PgRepository) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, email, role, created_at, updated_at
		FROM users
		WHERE id = $1
	`, id)
	return scanUser(row)
}

func (r *PgRepository) GetSessionByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE id = $1
	`, id)
	return scanSession(row)
}

func (r *PgRepository) GetSessionByMeetingID(ctx context.Context, meetingID string) (*Session, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE meeting_id = $1
	`, meetingID)
	return scanSession(row)
}

func (r *PgRepository) CreateScheduledSession(ctx context.Context, s *Session) (*Session, error) {
	id := s.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO sessions (
			id, candidate_id, expert_id, scheduled_date, start_time,
			duration_minutes, session_type, status, payment_amount,
			payment_status, meeting_id, is_recording_enabled,
			additional_participants, rescheduled_from, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'scheduled', $8, $9, $10, $11, $12, $13, now(), now())
		RETURNING `+sessionColumns+`
	`, id, s.CandidateID, s.ExpertID, s.ScheduledDate, s.StartTime,
		s.DurationMinutes, s.SessionType, s.PaymentAmount, s.PaymentStatus,
		s.MeetingID, s.IsRecordingEnabled, s.AdditionalParticipants, s.RescheduledFrom)

	created, err := scanSession(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, ErrSlotTaken
		}
		return nil, err
	}

	return created, nil
}

func (r *PgRepository) UpdateSessionStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Session, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE sessions
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+sessionColumns+`
	`, id, to, from)

	return scanSession(row)
}

func (r *PgRepository) SetRecordingURL(ctx context.Context, id uuid.UUID, url string) (*Session, error) {
	// Write-once: the first terminal upload outcome wins.
	row := r.pool.QueryRow(ctx, `
		UPDATE sessions
		SET recording_url = $2,
		    updated_at = now()
		WHERE id = $1
		  AND recording_url IS NULL
		RETURNING `+sessionColumns+`
	`, id, url)

	return scanSession(row)
}

func (r *PgRepository) ReplaceRecordingURL(ctx context.Context, id uuid.UUID, from, to string) (*Session, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE sessions
		SET recording_url = $3,
		    updated_at = now()
		WHERE id = $1
		  AND recording_url = $2
		RETURNING `+sessionColumns+`
	`, id, from, to)

	return scanSession(row)
}

func (r *PgRepository) BookedStartTimes(ctx context.Context, expertID uuid.UUID, date string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT start_time
		FROM sessions
		WHERE expert_id = $1
		  AND scheduled_date = $2
		  AND status IN ('scheduled', 'in_progress')
		ORDER BY start_time
	`, expertID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTimes(rows)
}

func (r *PgRepository) DisabledStartTimes(ctx context.Context, expertID uuid.UUID, date string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT start_time
		FROM disabled_times
		WHERE expert_id = $1
		  AND day = $2
		ORDER BY start_time
	`, expertID, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTimes(rows)
}

func collectTimes(rows pgx.Rows) ([]string, error) {
	var result []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgRepository) ListSessionsByCandidate(ctx context.Context, candidateID uuid.UUID, limit, offset int) ([]Session, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE candidate_id = $1
		ORDER BY scheduled_date DESC, start_time DESC
		LIMIT $2 OFFSET $3
	`, candidateID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSessions(rows)
}

func (r *PgRepository) ListSessionsByExpert(ctx context.Context, expertID uuid.UUID, limit, offset int) ([]Session, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE expert_id = $1
		ORDER BY scheduled_date DESC, start_time DESC
		LIMIT $2 OFFSET $3
	`, expertID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectSessions(rows)
}

func collectSessions(rows pgx.Rows) ([]Session, error) {
	var result []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, session_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.SessionID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
