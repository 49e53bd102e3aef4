package recording

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrRecordingNotFound = errors.New("recording not found")

// Store persists recording rows.
type Store interface {
	Create(ctx context.Context, rec *Recording) error
	UpdateState(ctx context.Context, rec *Recording) error
	GetByID(ctx context.Context, id uuid.UUID) (*Recording, error)
	GetLatestBySession(ctx context.Context, sessionID uuid.UUID) (*Recording, error)

	// FindParked returns artifacts waiting in local fallback for the
	// upload worker to retry.
	FindParked(ctx context.Context, limit int) ([]Recording, error)
}

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const recordingColumns = `id, session_id, meeting_id, state, object_key, local_path,
	size_bytes, attempts, created_at, updated_at`

func scanRecording(row pgx.Row) (*Recording, error) {
	var r Recording
	var objectKey, localPath *string

	err := row.Scan(
		&r.ID,
		&r.SessionID,
		&r.MeetingID,
		&r.State,
		&objectKey,
		&localPath,
		&r.SizeBytes,
		&r.Attempts,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordingNotFound
		}
		return nil, err
	}

	r.ObjectKey = objectKey
	r.LocalPath = localPath
	return &r, nil
}

func (s *PgStore) Create(ctx context.Context, rec *Recording) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO recordings (id, session_id, meeting_id, state, object_key, local_path, size_bytes, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
	`, rec.ID, rec.SessionID, rec.MeetingID, rec.State, rec.ObjectKey, rec.LocalPath, rec.SizeBytes, rec.Attempts)
	return err
}

func (s *PgStore) UpdateState(ctx context.Context, rec *Recording) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE recordings
		SET state = $2,
		    object_key = $3,
		    local_path = $4,
		    size_bytes = $5,
		    attempts = $6,
		    updated_at = now()
		WHERE id = $1
	`, rec.ID, rec.State, rec.ObjectKey, rec.LocalPath, rec.SizeBytes, rec.Attempts)
	return err
}

func (s *PgStore) GetByID(ctx context.Context, id uuid.UUID) (*Recording, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+recordingColumns+`
		FROM recordings
		WHERE id = $1
	`, id)
	return scanRecording(row)
}

func (s *PgStore) GetLatestBySession(ctx context.Context, sessionID uuid.UUID) (*Recording, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+recordingColumns+`
		FROM recordings
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, sessionID)
	return scanRecording(row)
}

func (s *PgStore) FindParked(ctx context.Context, limit int) ([]Recording, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordingColumns+`
		FROM recordings
		WHERE state = $1
		ORDER BY updated_at
		LIMIT $2
	`, StateLocalFallback, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Recording
	for rows.Next() {
		r, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
