// Package recording captures the media artifact produced by a live call,
// uploads it to durable storage off the call-teardown path, and gates
// retrieval behind freshly-minted signed links.
package recording

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mockmate/coaching-session-engine/internal/session"
)

var (
	ErrNotCapturing      = errors.New("no active capture for this meeting")
	ErrRecordingNotReady = errors.New("recording is not available yet")
)

// Attacher is the slice of the session service that owns the recording_url
// column. The pipeline never writes session rows directly.
type Attacher interface {
	AttachRecording(ctx context.Context, sessionID uuid.UUID, url string) (*session.Session, error)
	RepointRecording(ctx context.Context, sessionID uuid.UUID, from, to string) error
}

// artifact is the in-memory buffer for one meeting's capture.
type artifact struct {
	rec *Recording

	mu  sync.Mutex
	buf bytes.Buffer
}

type Pipeline struct {
	store    Store
	durable  ObjectStore
	fallback ObjectStore
	attacher Attacher
	signer   *URLSigner

	maxAttempts int
	budget      time.Duration
	logger      *zap.Logger

	mu     sync.Mutex
	active map[string]*artifact // keyed by meetingID
}

func NewPipeline(store Store, durable, fallback ObjectStore, attacher Attacher, signer *URLSigner, maxAttempts int, budget time.Duration, logger *zap.Logger) *Pipeline {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Pipeline{
		store:       store,
		durable:     durable,
		fallback:    fallback,
		attacher:    attacher,
		signer:      signer,
		maxAttempts: maxAttempts,
		budget:      budget,
		logger:      logger,
		active:      make(map[string]*artifact),
	}
}

// StartCapture opens a buffer for the meeting's media. Idempotent per
// meeting; a second call while capture is live is a no-op.
func (p *Pipeline) StartCapture(ctx context.Context, sessionID uuid.UUID, meetingID string) error {
	p.mu.Lock()
	if _, ok := p.active[meetingID]; ok {
		p.mu.Unlock()
		return nil
	}
	a := &artifact{
		rec: &Recording{
			ID:        uuid.New(),
			SessionID: sessionID,
			MeetingID: meetingID,
			State:     StateCapturing,
		},
	}
	p.active[meetingID] = a
	p.mu.Unlock()

	if err := p.store.Create(ctx, a.rec); err != nil {
		p.mu.Lock()
		delete(p.active, meetingID)
		p.mu.Unlock()
		return fmt.Errorf("create recording row: %w", err)
	}
	return nil
}

// AppendChunk buffers captured media while the call is live.
func (p *Pipeline) AppendChunk(meetingID string, chunk []byte) error {
	p.mu.Lock()
	a, ok := p.active[meetingID]
	p.mu.Unlock()
	if !ok {
		return ErrNotCapturing
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rec.State != StateCapturing {
		return ErrNotCapturing
	}
	_, _ = a.buf.Write(chunk)
	return nil
}

// Finalize seals the meeting's buffer and hands it to the async uploader.
// It returns immediately; done fires once the artifact reaches a terminal
// state. With no active capture (recording disabled, or capture never
// started) done fires right away.
func (p *Pipeline) Finalize(meetingID string, done func()) {
	p.mu.Lock()
	a, ok := p.active[meetingID]
	delete(p.active, meetingID)
	p.mu.Unlock()

	if !ok {
		done()
		return
	}

	a.mu.Lock()
	a.rec.State = StateBuffered
	a.rec.SizeBytes = int64(a.buf.Len())
	data := make([]byte, a.buf.Len())
	copy(data, a.buf.Bytes())
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := p.store.UpdateState(ctx, a.rec); err != nil {
		p.logger.Warn("mark recording buffered failed",
			zap.String("meeting_id", meetingID), zap.Error(err))
	}
	cancel()

	go p.upload(a.rec, data, done)
}

// upload pushes the artifact to durable storage with bounded backoff. When
// every attempt fails the bytes are parked in the local fallback store and
// the session still gets a playable reference.
func (p *Pipeline) upload(rec *Recording, data []byte, done func()) {
	defer done()

	ctx, cancel := context.WithTimeout(context.Background(), p.budget+time.Minute)
	defer cancel()

	key := deriveKey(rec.MeetingID)

	rec.State = StateUploading
	p.persistState(ctx, rec)

	backoff := retry.WithMaxDuration(p.budget,
		retry.WithMaxRetries(uint64(p.maxAttempts-1), retry.NewFibonacci(time.Second)))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		rec.Attempts++
		if putErr := p.durable.Put(ctx, key, data); putErr != nil {
			p.logger.Warn("recording upload attempt failed",
				zap.String("meeting_id", rec.MeetingID),
				zap.Int("attempt", rec.Attempts),
				zap.Error(putErr),
			)
			return retry.RetryableError(putErr)
		}
		return nil
	})

	if err == nil {
		rec.State = StateStored
		rec.ObjectKey = &key
		p.persistState(ctx, rec)
		p.attach(ctx, rec)
		return
	}

	// Retries exhausted; park the bytes locally so playback still works.
	rec.State = StateUploadFailed
	p.persistState(ctx, rec)

	if fbErr := p.fallback.Put(ctx, key, data); fbErr != nil {
		p.logger.Error("recording lost: fallback write failed",
			zap.String("meeting_id", rec.MeetingID), zap.Error(fbErr))
		return
	}

	rec.State = StateLocalFallback
	rec.LocalPath = &key
	p.persistState(ctx, rec)
	p.attach(ctx, rec)
}

func (p *Pipeline) attach(ctx context.Context, rec *Recording) {
	url := rec.URL()
	if url == "" {
		return
	}
	if _, err := p.attacher.AttachRecording(ctx, rec.SessionID, url); err != nil {
		p.logger.Warn("attach recording url failed",
			zap.String("session_id", rec.SessionID.String()), zap.Error(err))
	}
}

func (p *Pipeline) persistState(ctx context.Context, rec *Recording) {
	if err := p.store.UpdateState(ctx, rec); err != nil {
		p.logger.Warn("persist recording state failed",
			zap.String("recording_id", rec.ID.String()),
			zap.String("state", string(rec.State)),
			zap.Error(err),
		)
	}
}

// SignedLink mints a fresh time-limited download path for the session's
// recording. ErrRecordingNotReady while capture or upload is still running.
func (p *Pipeline) SignedLink(ctx context.Context, sessionID uuid.UUID) (string, error) {
	rec, err := p.store.GetLatestBySession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if rec.URL() == "" {
		return "", ErrRecordingNotReady
	}

	token, err := p.signer.Mint(rec.ID)
	if err != nil {
		return "", err
	}
	return "/recordings/download?token=" + token, nil
}

// Open verifies a signed token and returns the artifact byte stream.
func (p *Pipeline) Open(ctx context.Context, token string) (io.ReadCloser, *Recording, error) {
	id, err := p.signer.Verify(token)
	if err != nil {
		return nil, nil, err
	}

	rec, err := p.store.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	switch {
	case rec.State == StateStored && rec.ObjectKey != nil:
		rc, err := p.durable.Get(ctx, *rec.ObjectKey)
		return rc, rec, err
	case rec.LocalPath != nil:
		rc, err := p.fallback.Get(ctx, *rec.LocalPath)
		return rc, rec, err
	default:
		return nil, nil, ErrRecordingNotReady
	}
}

// RetryParked moves locally-parked artifacts to durable storage and repoints
// the owning session's reference. Called periodically by the upload worker.
func (p *Pipeline) RetryParked(ctx context.Context, limit int) error {
	parked, err := p.store.FindParked(ctx, limit)
	if err != nil {
		return fmt.Errorf("find parked recordings: %w", err)
	}

	for i := range parked {
		rec := &parked[i]
		if err := p.promote(ctx, rec); err != nil {
			p.logger.Warn("promote parked recording failed",
				zap.String("recording_id", rec.ID.String()), zap.Error(err))
		}
	}
	return nil
}

func (p *Pipeline) promote(ctx context.Context, rec *Recording) error {
	if rec.LocalPath == nil {
		return ErrRecordingNotReady
	}
	key := *rec.LocalPath

	rc, err := p.fallback.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("read fallback artifact: %w", err)
	}
	data, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		return fmt.Errorf("read fallback artifact: %w", err)
	}

	rec.Attempts++
	if err := p.durable.Put(ctx, key, data); err != nil {
		p.persistState(ctx, rec)
		return fmt.Errorf("upload parked artifact: %w", err)
	}

	oldURL := "local://" + key
	rec.State = StateStored
	rec.ObjectKey = &key
	rec.LocalPath = nil
	p.persistState(ctx, rec)

	if err := p.attacher.RepointRecording(ctx, rec.SessionID, oldURL, rec.URL()); err != nil {
		p.logger.Warn("repoint recording url failed",
			zap.String("session_id", rec.SessionID.String()), zap.Error(err))
	}

	if err := p.fallback.Delete(ctx, key); err != nil {
		p.logger.Warn("remove fallback artifact failed",
			zap.String("recording_id", rec.ID.String()), zap.Error(err))
	}

	p.logger.Info("parked recording promoted to durable storage",
		zap.String("recording_id", rec.ID.String()),
		zap.String("object_key", key),
	)
	return nil
}

// deriveKey builds a collision-resistant object key from the meeting id,
// a timestamp and a random suffix.
func deriveKey(meetingID string) string {
	suffix := make([]byte, 4)
	_, _ = rand.Read(suffix)
	return fmt.Sprintf("recordings/%s/%d-%s.webm", meetingID, time.Now().Unix(), hex.EncodeToString(suffix))
}
