package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mockmate/coaching-session-engine/internal/call"
	"github.com/mockmate/coaching-session-engine/internal/config"
	"github.com/mockmate/coaching-session-engine/internal/notifier"
	"github.com/mockmate/coaching-session-engine/internal/recording"
	"github.com/mockmate/coaching-session-engine/internal/session"
)

// apiRepo is the in-memory session.Repository behind the handler tests. The
// mutex-guarded conflict check stands in for the partial unique index.
type apiRepo struct {
	mu       sync.Mutex
	users    map[uuid.UUID]*session.User
	sessions map[uuid.UUID]*session.Session
	disabled map[string][]string
}

func newAPIRepo() *apiRepo {
	return &apiRepo{
		users:    make(map[uuid.UUID]*session.User),
		sessions: make(map[uuid.UUID]*session.Session),
		disabled: make(map[string][]string),
	}
}

func (r *apiRepo) addUser(role session.Role) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.New()
	r.users[id] = &session.User{ID: id, Name: "u-" + id.String()[:8], Role: role}
	return id
}

func (r *apiRepo) GetUserByID(ctx context.Context, id uuid.UUID) (*session.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, session.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *apiRepo) GetSessionByID(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *apiRepo) GetSessionByMeetingID(ctx context.Context, meetingID string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.MeetingID == meetingID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, session.ErrSessionNotFound
}

func (r *apiRepo) CreateScheduledSession(ctx context.Context, s *session.Session) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.sessions {
		if existing.ExpertID == s.ExpertID &&
			existing.ScheduledDate == s.ScheduledDate &&
			existing.StartTime == s.StartTime &&
			(existing.Status == session.StatusScheduled || existing.Status == session.StatusInProgress) {
			return nil, session.ErrSlotTaken
		}
	}
	cp := *s
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	cp.Status = session.StatusScheduled
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	r.sessions[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (r *apiRepo) UpdateSessionStatus(ctx context.Context, id uuid.UUID, from, to session.Status) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.Status != from {
		return nil, session.ErrSessionNotFound
	}
	s.Status = to
	cp := *s
	return &cp, nil
}

func (r *apiRepo) SetRecordingURL(ctx context.Context, id uuid.UUID, url string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.RecordingURL != nil {
		return nil, session.ErrSessionNotFound
	}
	s.RecordingURL = &url
	cp := *s
	return &cp, nil
}

func (r *apiRepo) ReplaceRecordingURL(ctx context.Context, id uuid.UUID, from, to string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.RecordingURL == nil || *s.RecordingURL != from {
		return nil, session.ErrSessionNotFound
	}
	s.RecordingURL = &to
	cp := *s
	return &cp, nil
}

func (r *apiRepo) BookedStartTimes(ctx context.Context, expertID uuid.UUID, date string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, s := range r.sessions {
		if s.ExpertID == expertID && s.ScheduledDate == date &&
			(s.Status == session.StatusScheduled || s.Status == session.StatusInProgress) {
			out = append(out, s.StartTime)
		}
	}
	return out, nil
}

func (r *apiRepo) DisabledStartTimes(ctx context.Context, expertID uuid.UUID, date string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disabled[expertID.String()+"/"+date], nil
}

func (r *apiRepo) ListSessionsByCandidate(ctx context.Context, candidateID uuid.UUID, limit, offset int) ([]session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []session.Session
	for _, s := range r.sessions {
		if s.CandidateID == candidateID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *apiRepo) ListSessionsByExpert(ctx context.Context, expertID uuid.UUID, limit, offset int) ([]session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []session.Session
	for _, s := range r.sessions {
		if s.ExpertID == expertID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *apiRepo) InsertEvent(ctx context.Context, ev session.EventLog) error { return nil }

type passLocker struct{}

func (passLocker) WithSlotLock(ctx context.Context, expertID uuid.UUID, date, startTime string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// noopRecorder satisfies call.Recorder without a capture path; finalize
// settles immediately, like the pipeline with recording disabled.
type noopRecorder struct{}

func (noopRecorder) StartCapture(ctx context.Context, sessionID uuid.UUID, meetingID string) error {
	return nil
}
func (noopRecorder) Finalize(meetingID string, done func()) { done() }

type apiFixture struct {
	repo      *apiRepo
	registry  *notifier.Registry
	sessions  *session.Service
	calls     *call.Manager
	router    http.Handler
	candidate uuid.UUID
	expert    uuid.UUID
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	f := &apiFixture{
		repo:     newAPIRepo(),
		registry: notifier.NewRegistry(16, zap.NewNop()),
	}
	f.candidate = f.repo.addUser(session.RoleCandidate)
	f.expert = f.repo.addUser(session.RoleExpert)

	cfg := config.Config{DayStart: "09:00", DayEnd: "21:00", SlotMinutes: 60}
	f.sessions = session.NewService(f.repo, passLocker{}, f.registry, nil, cfg, zap.NewNop())
	f.calls = call.NewManager(f.sessions, noopRecorder{}, f.registry, time.Minute, zap.NewNop())

	// The media handler never reaches stores in these tests; an inert
	// pipeline is enough.
	pipeline := recording.NewPipeline(nil, nil, nil, nil, nil, 1, time.Second, zap.NewNop())

	f.router = NewRouter(RouterConfig{
		Sessions:  f.sessions,
		Calls:     f.calls,
		Recording: pipeline,
		Registry:  f.registry,
		Logger:    zap.NewNop(),
		URLTTL:    time.Minute,
		Env:       "dev",
		Version:   "test",
	})
	return f
}

func (f *apiFixture) do(t *testing.T, method, path string, asUser uuid.UUID, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-User-ID", asUser.String())
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestReserveConflictResponse(t *testing.T) {
	f := newAPIFixture(t)
	body := ReserveRequest{
		CandidateID: f.candidate.String(),
		ExpertID:    f.expert.String(),
		Date:        "2026-09-15",
		StartTime:   "09:00",
	}

	rec := f.do(t, http.MethodPost, "/sessions", f.candidate, body)
	require.Equal(t, http.StatusCreated, rec.Code)

	other := f.repo.addUser(session.RoleCandidate)
	body.CandidateID = other.String()
	rec = f.do(t, http.MethodPost, "/sessions", other, body)

	assert.Equal(t, http.StatusConflict, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "slot_taken", resp.Error)
	assert.Equal(t, "slot no longer available, please choose another", resp.Details)
}

func TestReserveDisabledSlotResponse(t *testing.T) {
	f := newAPIFixture(t)
	key := f.expert.String() + "/2026-09-15"
	f.repo.mu.Lock()
	f.repo.disabled[key] = []string{"09:00"}
	f.repo.mu.Unlock()

	rec := f.do(t, http.MethodPost, "/sessions", f.candidate, ReserveRequest{
		CandidateID: f.candidate.String(),
		ExpertID:    f.expert.String(),
		Date:        "2026-09-15",
		StartTime:   "09:00",
	})

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "slot_not_open", decodeError(t, rec).Error)
}

func TestJoinClosedSessionResponse(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/sessions", f.candidate, ReserveRequest{
		CandidateID: f.candidate.String(),
		ExpertID:    f.expert.String(),
		Date:        "2026-09-15",
		StartTime:   "10:00",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created SessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))

	rec = f.do(t, http.MethodPost, "/sessions/"+created.ID.String()+"/cancel", f.candidate, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/calls/"+created.MeetingID+"/join", f.candidate, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "session_closed", resp.Error)
	assert.Equal(t, "this session is no longer available", resp.Details)
}

func TestMediaChunkRequiresMembership(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/sessions", f.candidate, ReserveRequest{
		CandidateID: f.candidate.String(),
		ExpertID:    f.expert.String(),
		Date:        "2026-09-15",
		StartTime:   "11:00",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created SessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	mediaPath := "/calls/" + created.MeetingID + "/media"

	// A participant who has not joined the room may not upload.
	rec = f.do(t, http.MethodPost, mediaPath, f.candidate, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "access_denied", decodeError(t, rec).Error)

	rec = f.do(t, http.MethodPost, "/calls/"+created.MeetingID+"/join", f.candidate, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Past the gate now; with no capture running the pipeline rejects the
	// chunk instead.
	rec = f.do(t, http.MethodPost, mediaPath, f.candidate, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "not_capturing", decodeError(t, rec).Error)
}

// sseRecorder is a flushable, lock-guarded response writer so the test can
// read the stream while the handler is still running.
type sseRecorder struct {
	mu     sync.Mutex
	header http.Header
	status int
	buf    bytes.Buffer
}

func newSSERecorder() *sseRecorder {
	return &sseRecorder{header: make(http.Header)}
}

func (r *sseRecorder) Header() http.Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.header
}

func (r *sseRecorder) WriteHeader(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = code
}

func (r *sseRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

func (r *sseRecorder) Flush() {}

func (r *sseRecorder) body() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

func TestEventsStreamDeliversEvent(t *testing.T) {
	registry := notifier.NewRegistry(16, zap.NewNop())
	handler := IdentityMiddleware(eventsHandler(registry))
	user := uuid.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set("X-User-ID", user.String())
	rec := newSSERecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		handler.ServeHTTP(rec, req)
	}()

	require.Eventually(t, func() bool {
		return registry.Connected(user) == 1
	}, 2*time.Second, 10*time.Millisecond, "stream never subscribed")

	registry.Publish(notifier.Event{
		Type: notifier.EventSessionUpdated,
		Data: map[string]any{"status": "completed"},
	}, user)

	require.Eventually(t, func() bool {
		return strings.Contains(rec.body(), "event: session_updated")
	}, 2*time.Second, 10*time.Millisecond, "event never reached the stream")

	assert.Contains(t, rec.body(), `"status":"completed"`)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not stop on client disconnect")
	}

	assert.Equal(t, 0, registry.Connected(user), "disconnect unsubscribes")
}
