package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mockmate/coaching-session-engine/internal/config"
	"github.com/mockmate/coaching-session-engine/internal/notifier"
)

// fakeRepo is an in-memory Repository that mirrors the partial unique index
// with a mutex-guarded conflict check.
type fakeRepo struct {
	mu       sync.Mutex
	users    map[uuid.UUID]*User
	sessions map[uuid.UUID]*Session
	disabled map[string][]string
	events   []EventLog
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		users:    make(map[uuid.UUID]*User),
		sessions: make(map[uuid.UUID]*Session),
		disabled: make(map[string][]string),
	}
}

func (r *fakeRepo) addUser(role Role) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.New()
	r.users[id] = &User{ID: id, Name: "u-" + id.String()[:8], Role: role}
	return id
}

func (r *fakeRepo) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *fakeRepo) GetSessionByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *fakeRepo) GetSessionByMeetingID(ctx context.Context, meetingID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.MeetingID == meetingID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrSessionNotFound
}

func (r *fakeRepo) CreateScheduledSession(ctx context.Context, s *Session) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.sessions {
		if existing.ExpertID == s.ExpertID &&
			existing.ScheduledDate == s.ScheduledDate &&
			existing.StartTime == s.StartTime &&
			(existing.Status == StatusScheduled || existing.Status == StatusInProgress) {
			return nil, ErrSlotTaken
		}
	}

	cp := *s
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	cp.Status = StatusScheduled
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	r.sessions[cp.ID] = &cp

	out := cp
	return &out, nil
}

func (r *fakeRepo) UpdateSessionStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.Status != from {
		return nil, ErrSessionNotFound
	}
	s.Status = to
	s.UpdatedAt = time.Now()
	cp := *s
	return &cp, nil
}

func (r *fakeRepo) SetRecordingURL(ctx context.Context, id uuid.UUID, url string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.RecordingURL != nil {
		return nil, ErrSessionNotFound
	}
	s.RecordingURL = &url
	cp := *s
	return &cp, nil
}

func (r *fakeRepo) ReplaceRecordingURL(ctx context.Context, id uuid.UUID, from, to string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.RecordingURL == nil || *s.RecordingURL != from {
		return nil, ErrSessionNotFound
	}
	s.RecordingURL = &to
	cp := *s
	return &cp, nil
}

func (r *fakeRepo) BookedStartTimes(ctx context.Context, expertID uuid.UUID, date string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for _, s := range r.sessions {
		if s.ExpertID == expertID && s.ScheduledDate == date &&
			(s.Status == StatusScheduled || s.Status == StatusInProgress) {
			out = append(out, s.StartTime)
		}
	}
	return out, nil
}

func (r *fakeRepo) disable(expertID uuid.UUID, date, startTime string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := expertID.String() + "/" + date
	r.disabled[key] = append(r.disabled[key], startTime)
}

func (r *fakeRepo) DisabledStartTimes(ctx context.Context, expertID uuid.UUID, date string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disabled[expertID.String()+"/"+date], nil
}

func (r *fakeRepo) ListSessionsByCandidate(ctx context.Context, candidateID uuid.UUID, limit, offset int) ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Session
	for _, s := range r.sessions {
		if s.CandidateID == candidateID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *fakeRepo) ListSessionsByExpert(ctx context.Context, expertID uuid.UUID, limit, offset int) ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Session
	for _, s := range r.sessions {
		if s.ExpertID == expertID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *fakeRepo) InsertEvent(ctx context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// fakeLocker runs the critical section directly; atomicity in these tests
// comes from the repo, as it does in production from the unique index.
type fakeLocker struct{}

func (fakeLocker) WithSlotLock(ctx context.Context, expertID uuid.UUID, date, startTime string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type fakePusher struct {
	mu     sync.Mutex
	events []notifier.Event
}

func (p *fakePusher) Publish(ev notifier.Event, targets ...uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *fakePusher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

func testConfig() config.Config {
	return config.Config{
		DayStart:    "09:00",
		DayEnd:      "21:00",
		SlotMinutes: 60,
	}
}

func newTestService() (*Service, *fakeRepo, *fakePusher) {
	repo := newFakeRepo()
	pusher := &fakePusher{}
	svc := NewService(repo, fakeLocker{}, pusher, nil, testConfig(), zap.NewNop())
	return svc, repo, pusher
}

func reserveFixture(t *testing.T, svc *Service, repo *fakeRepo, date, slot string) *Session {
	t.Helper()
	candidate := repo.addUser(RoleCandidate)
	expert := repo.addUser(RoleExpert)

	created, err := svc.Reserve(context.Background(), ReserveParams{
		CandidateID:      candidate,
		ExpertID:         expert,
		Date:             date,
		StartTime:        slot,
		RecordingEnabled: true,
	})
	require.NoError(t, err)
	return created
}

func TestReserveCreatesScheduledSession(t *testing.T) {
	svc, repo, pusher := newTestService()

	created := reserveFixture(t, svc, repo, "2026-09-15", "9:00")

	assert.Equal(t, StatusScheduled, created.Status)
	assert.Equal(t, "09:00", created.StartTime, "start time is normalized before storage")
	assert.NotEmpty(t, created.MeetingID)
	assert.Equal(t, 60, created.DurationMinutes)
	assert.Contains(t, pusher.types(), notifier.EventSessionCreated)
}

func TestReserveRejectsBadInput(t *testing.T) {
	svc, repo, _ := newTestService()
	candidate := repo.addUser(RoleCandidate)
	expert := repo.addUser(RoleExpert)

	_, err := svc.Reserve(context.Background(), ReserveParams{
		CandidateID: candidate, ExpertID: expert, Date: "15/09/2026", StartTime: "09:00",
	})
	assert.ErrorIs(t, err, ErrInvalidDate)

	_, err = svc.Reserve(context.Background(), ReserveParams{
		CandidateID: candidate, ExpertID: expert, Date: "2026-09-15", StartTime: "09:30",
	})
	assert.ErrorIs(t, err, ErrOffGridSlot)

	_, err = svc.Reserve(context.Background(), ReserveParams{
		CandidateID: uuid.New(), ExpertID: expert, Date: "2026-09-15", StartTime: "09:00",
	})
	assert.ErrorIs(t, err, ErrUserNotFound)

	// A candidate cannot stand in as the expert.
	other := repo.addUser(RoleCandidate)
	_, err = svc.Reserve(context.Background(), ReserveParams{
		CandidateID: candidate, ExpertID: other, Date: "2026-09-15", StartTime: "09:00",
	})
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestReserveRejectsDisabledSlot(t *testing.T) {
	svc, repo, _ := newTestService()
	candidate := repo.addUser(RoleCandidate)
	expert := repo.addUser(RoleExpert)
	repo.disable(expert, "2026-09-15", "9:00")

	_, err := svc.Reserve(context.Background(), ReserveParams{
		CandidateID: candidate,
		ExpertID:    expert,
		Date:        "2026-09-15",
		StartTime:   "09:00",
	})
	assert.ErrorIs(t, err, ErrSlotDisabled, "disabled times match after normalization")

	avail, err := svc.Availability(context.Background(), expert, "2026-09-15")
	require.NoError(t, err)
	assert.NotContains(t, avail.Slots, "09:00")
}

func TestRescheduleRejectsDisabledTarget(t *testing.T) {
	svc, repo, _ := newTestService()
	created := reserveFixture(t, svc, repo, "2026-09-15", "09:00")
	repo.disable(created.ExpertID, "2026-09-16", "11:00")

	_, err := svc.Reschedule(context.Background(), created.ID, created.CandidateID, RoleCandidate, "2026-09-16", "11:00")
	require.ErrorIs(t, err, ErrSlotDisabled)

	old, err := svc.GetSession(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, old.Status)
}

func TestReserveConflictOnSameSlot(t *testing.T) {
	svc, repo, _ := newTestService()
	created := reserveFixture(t, svc, repo, "2026-09-15", "09:00")

	other := repo.addUser(RoleCandidate)
	_, err := svc.Reserve(context.Background(), ReserveParams{
		CandidateID: other,
		ExpertID:    created.ExpertID,
		Date:        "2026-09-15",
		StartTime:   "09:00",
	})
	assert.ErrorIs(t, err, ErrSlotTaken)
}

func TestConcurrentReserveExactlyOneWinner(t *testing.T) {
	svc, repo, _ := newTestService()
	expert := repo.addUser(RoleExpert)

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		candidate := repo.addUser(RoleCandidate)
		wg.Add(1)
		go func(i int, candidate uuid.UUID) {
			defer wg.Done()
			_, errs[i] = svc.Reserve(context.Background(), ReserveParams{
				CandidateID: candidate,
				ExpertID:    expert,
				Date:        "2026-09-15",
				StartTime:   "10:00",
			})
		}(i, candidate)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrSlotTaken):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, conflicts)
}

func TestReservedSlotDisappearsFromAvailability(t *testing.T) {
	svc, repo, _ := newTestService()
	created := reserveFixture(t, svc, repo, "2026-09-15", "09:00")

	avail, err := svc.Availability(context.Background(), created.ExpertID, "2026-09-15")
	require.NoError(t, err)
	assert.NotContains(t, avail.Slots, "09:00")
	assert.Contains(t, avail.Slots, "10:00")
}

func TestMarkInProgressIdempotent(t *testing.T) {
	svc, repo, _ := newTestService()
	created := reserveFixture(t, svc, repo, "2026-09-15", "09:00")

	first, err := svc.MarkInProgress(context.Background(), created.MeetingID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, first.Status)

	second, err := svc.MarkInProgress(context.Background(), created.MeetingID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, second.Status)
}

func TestCompleteOnlyFromInProgress(t *testing.T) {
	svc, repo, _ := newTestService()
	created := reserveFixture(t, svc, repo, "2026-09-15", "09:00")

	_, err := svc.Complete(context.Background(), created.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)

	unchanged, err := svc.GetSession(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, unchanged.Status, "failed transition must leave state untouched")

	_, err = svc.MarkInProgress(context.Background(), created.MeetingID)
	require.NoError(t, err)

	done, err := svc.Complete(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
}

func TestCancelAuthorization(t *testing.T) {
	svc, repo, _ := newTestService()
	created := reserveFixture(t, svc, repo, "2026-09-15", "09:00")

	stranger := repo.addUser(RoleCandidate)
	_, err := svc.Cancel(context.Background(), created.ID, stranger, RoleCandidate)
	assert.ErrorIs(t, err, ErrAccessDenied)

	cancelled, err := svc.Cancel(context.Background(), created.ID, created.CandidateID, RoleCandidate)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	// Terminal: cancelling again is an illegal transition.
	_, err = svc.Cancel(context.Background(), created.ID, created.CandidateID, RoleCandidate)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRescheduleMovesSession(t *testing.T) {
	svc, repo, _ := newTestService()
	created := reserveFixture(t, svc, repo, "2026-09-15", "09:00")

	moved, err := svc.Reschedule(context.Background(), created.ID, created.CandidateID, RoleCandidate, "2026-09-16", "11:00")
	require.NoError(t, err)

	assert.Equal(t, "2026-09-16", moved.ScheduledDate)
	assert.Equal(t, "11:00", moved.StartTime)
	require.NotNil(t, moved.RescheduledFrom)
	assert.Equal(t, created.ID, *moved.RescheduledFrom)

	old, err := svc.GetSession(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRescheduled, old.Status)
}

func TestRescheduleKeepsOldSessionOnConflict(t *testing.T) {
	svc, repo, _ := newTestService()
	created := reserveFixture(t, svc, repo, "2026-09-15", "09:00")

	// Take the target slot with another candidate.
	blocker := repo.addUser(RoleCandidate)
	_, err := svc.Reserve(context.Background(), ReserveParams{
		CandidateID: blocker,
		ExpertID:    created.ExpertID,
		Date:        "2026-09-16",
		StartTime:   "11:00",
	})
	require.NoError(t, err)

	_, err = svc.Reschedule(context.Background(), created.ID, created.CandidateID, RoleCandidate, "2026-09-16", "11:00")
	require.ErrorIs(t, err, ErrSlotTaken)

	old, err := svc.GetSession(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, old.Status, "old session survives a failed reschedule")
}

func TestForceStatusBypassesTable(t *testing.T) {
	svc, repo, _ := newTestService()
	created := reserveFixture(t, svc, repo, "2026-09-15", "09:00")

	_, err := svc.MarkInProgress(context.Background(), created.MeetingID)
	require.NoError(t, err)
	done, err := svc.Complete(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, done.Status)

	// Admin override can resurrect a completed session.
	forced, err := svc.ForceStatus(context.Background(), created.ID, StatusScheduled)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, forced.Status)
}

func TestAttachRecordingWriteOnce(t *testing.T) {
	svc, repo, pusher := newTestService()
	created := reserveFixture(t, svc, repo, "2026-09-15", "09:00")

	first, err := svc.AttachRecording(context.Background(), created.ID, "store://recordings/a.webm")
	require.NoError(t, err)
	require.NotNil(t, first.RecordingURL)
	assert.Equal(t, "store://recordings/a.webm", *first.RecordingURL)

	second, err := svc.AttachRecording(context.Background(), created.ID, "store://recordings/b.webm")
	require.NoError(t, err)
	assert.Equal(t, "store://recordings/a.webm", *second.RecordingURL, "first writer wins")

	assert.Contains(t, pusher.types(), notifier.EventRecordingReady)
}

func TestRepointRecording(t *testing.T) {
	svc, repo, _ := newTestService()
	created := reserveFixture(t, svc, repo, "2026-09-15", "09:00")

	_, err := svc.AttachRecording(context.Background(), created.ID, "local://recordings/a.webm")
	require.NoError(t, err)

	err = svc.RepointRecording(context.Background(), created.ID, "local://recordings/a.webm", "store://recordings/a.webm")
	require.NoError(t, err)

	got, err := svc.GetSession(context.Background(), created.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RecordingURL)
	assert.Equal(t, "store://recordings/a.webm", *got.RecordingURL)

	// A stale repoint (reference changed meanwhile) is dropped silently.
	err = svc.RepointRecording(context.Background(), created.ID, "local://recordings/a.webm", "store://other.webm")
	require.NoError(t, err)
	got, _ = svc.GetSession(context.Background(), created.ID)
	assert.Equal(t, "store://recordings/a.webm", *got.RecordingURL)
}
