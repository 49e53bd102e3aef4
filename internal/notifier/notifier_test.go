package notifier

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func drain(c <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-c:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPublishReachesAllConnectionsOfUser(t *testing.T) {
	r := NewRegistry(8, zap.NewNop())
	user := uuid.New()

	tab1 := r.Subscribe(user)
	tab2 := r.Subscribe(user)
	require.Equal(t, 2, r.Connected(user))

	r.Publish(Event{Type: EventSessionUpdated}, user)

	assert.Len(t, drain(tab1.C), 1)
	assert.Len(t, drain(tab2.C), 1)
}

func TestPublishSkipsNonTargets(t *testing.T) {
	r := NewRegistry(8, zap.NewNop())
	target := uuid.New()
	bystander := uuid.New()

	tc := r.Subscribe(target)
	bc := r.Subscribe(bystander)

	r.Publish(Event{Type: EventSessionCreated}, target)

	assert.Len(t, drain(tc.C), 1)
	assert.Empty(t, drain(bc.C))
}

func TestPublishDedupesTargets(t *testing.T) {
	r := NewRegistry(8, zap.NewNop())
	user := uuid.New()
	conn := r.Subscribe(user)

	// The same user may appear as candidate and additional participant.
	r.Publish(Event{Type: EventSessionUpdated}, user, user, user)

	assert.Len(t, drain(conn.C), 1)
}

func TestPublishPreservesOrderPerConnection(t *testing.T) {
	r := NewRegistry(32, zap.NewNop())
	user := uuid.New()
	conn := r.Subscribe(user)

	sessionID := uuid.New()
	for i := 0; i < 10; i++ {
		r.Publish(Event{
			Type:      EventSessionUpdated,
			SessionID: sessionID,
			Data:      map[string]any{"seq": i},
		}, user)
	}

	got := drain(conn.C)
	require.Len(t, got, 10)
	for i, ev := range got {
		assert.Equal(t, i, ev.Data["seq"])
	}
}

func TestSlowConnectionDropsInsteadOfBlocking(t *testing.T) {
	r := NewRegistry(2, zap.NewNop())
	user := uuid.New()
	conn := r.Subscribe(user)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			r.Publish(Event{Type: EventSignal, Data: map[string]any{"seq": i}}, user)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full connection buffer")
	}

	got := drain(conn.C)
	require.Len(t, got, 2, "buffer overflow drops the excess")
	assert.Equal(t, 0, got[0].Data["seq"])
	assert.Equal(t, 1, got[1].Data["seq"])
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	r := NewRegistry(8, zap.NewNop())
	user := uuid.New()
	conn := r.Subscribe(user)

	r.Unsubscribe(conn)
	assert.Equal(t, 0, r.Connected(user))

	_, open := <-conn.C
	assert.False(t, open)

	// Duplicate unsubscribe must not panic on a closed channel.
	assert.NotPanics(t, func() { r.Unsubscribe(conn) })
}

func TestPublishAfterUnsubscribeIsNoop(t *testing.T) {
	r := NewRegistry(8, zap.NewNop())
	user := uuid.New()
	conn := r.Subscribe(user)
	r.Unsubscribe(conn)

	assert.NotPanics(t, func() {
		r.Publish(Event{Type: EventSessionUpdated}, user)
	})
}

func TestPublishStampsTime(t *testing.T) {
	r := NewRegistry(8, zap.NewNop())
	user := uuid.New()
	conn := r.Subscribe(user)

	r.Publish(Event{Type: EventRecordingReady}, user)

	got := drain(conn.C)
	require.Len(t, got, 1)
	assert.False(t, got[0].At.IsZero())
}

func TestConcurrentSubscribePublishUnsubscribe(t *testing.T) {
	r := NewRegistry(16, zap.NewNop())

	done := make(chan struct{})
	users := make([]uuid.UUID, 8)
	for i := range users {
		users[i] = uuid.New()
	}

	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			conn := r.Subscribe(users[i%len(users)])
			r.Publish(Event{Type: EventSessionUpdated, Data: map[string]any{"i": fmt.Sprint(i)}}, users[i%len(users)])
			r.Unsubscribe(conn)
		}
	}()

	for i := 0; i < 50; i++ {
		r.Publish(Event{Type: EventSignal}, users[i%len(users)])
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("concurrent registry operations deadlocked")
	}
}
