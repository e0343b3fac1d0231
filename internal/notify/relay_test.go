package notify

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-sparchat/internal/model"
	"go-sparchat/pkg/logger"
)

type fakeSource struct {
	mu       sync.Mutex
	next     int
	handlers map[string]map[int]func(json.RawMessage)
}

func newFakeSource() *fakeSource {
	return &fakeSource{handlers: make(map[string]map[int]func(json.RawMessage))}
}

func (s *fakeSource) On(event string, fn func(json.RawMessage)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	id := s.next
	if s.handlers[event] == nil {
		s.handlers[event] = make(map[int]func(json.RawMessage))
	}
	s.handlers[event][id] = fn
	return func() {
		s.mu.Lock()
		delete(s.handlers[event], id)
		s.mu.Unlock()
	}
}

func (s *fakeSource) listeners(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers[event])
}

func (s *fakeSource) emit(t *testing.T, event string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	s.mu.Lock()
	fns := make([]func(json.RawMessage), 0, len(s.handlers[event]))
	for _, fn := range s.handlers[event] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

type recorder struct {
	mu     sync.Mutex
	toasts []Toast
}

func (r *recorder) Notify(t Toast) {
	r.mu.Lock()
	r.toasts = append(r.toasts, t)
	r.mu.Unlock()
}

func (r *recorder) all() []Toast {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Toast(nil), r.toasts...)
}

func TestRelay_StartIsIdempotent(t *testing.T) {
	src := newFakeSource()
	rec := &recorder{}
	relay := NewRelay(src, rec, logger.NewNop())

	relay.Start()
	relay.Start()
	assert.Equal(t, 1, src.listeners(model.EventCombatInvitation))

	src.emit(t, model.EventCombatInvitation, model.Invitation{ID: "inv-1", From: &model.Participant{ID: "7", DisplayName: "Rocky"}})

	toasts := rec.all()
	require.Len(t, toasts, 1)
	assert.Equal(t, LevelInfo, toasts[0].Level)
	assert.Contains(t, toasts[0].Message, "Rocky")
	assert.Equal(t, 1, relay.PendingInvitations())
}

func TestRelay_DuplicateInvitationAcrossEventNames(t *testing.T) {
	src := newFakeSource()
	rec := &recorder{}
	relay := NewRelay(src, rec, logger.NewNop())
	relay.Start()

	var invited []string
	relay.OnInvitation(func(inv model.Invitation) { invited = append(invited, inv.ID) })

	inv := model.Invitation{ID: "inv-1", Location: "Downtown Gym"}
	src.emit(t, model.EventCombatInvitation, inv)
	src.emit(t, model.EventNewCombatInvitation, inv)

	assert.Equal(t, []string{"inv-1"}, invited)
	toasts := rec.all()
	require.Len(t, toasts, 1)
	assert.Contains(t, toasts[0].Message, "Downtown Gym")
	assert.Equal(t, 1, relay.PendingInvitations())
}

func TestRelay_DedupeWindowExpires(t *testing.T) {
	src := newFakeSource()
	rec := &recorder{}
	relay := NewRelay(src, rec, logger.NewNop(), WithDedupeWindow(time.Minute))
	now := time.Now()
	relay.now = func() time.Time { return now }
	relay.Start()

	src.emit(t, model.EventCombatInvitation, model.Invitation{ID: "inv-1"})
	now = now.Add(2 * time.Minute)
	src.emit(t, model.EventCombatInvitation, model.Invitation{ID: "inv-1"})

	assert.Len(t, rec.all(), 2)
}

func TestRelay_StopRemovesListeners(t *testing.T) {
	src := newFakeSource()
	rec := &recorder{}
	relay := NewRelay(src, rec, logger.NewNop())

	relay.Stop()
	relay.Start()
	relay.Stop()
	relay.Stop()

	assert.False(t, relay.Running())
	assert.Equal(t, 0, src.listeners(model.EventCombatInvitation))
	assert.Equal(t, 0, src.listeners(model.EventCombatResponse))

	src.emit(t, model.EventCombatInvitation, model.Invitation{ID: "inv-1"})
	assert.Empty(t, rec.all())

	relay.Start()
	assert.Equal(t, 1, src.listeners(model.EventNewCombatInvitation))
}

func TestRelay_StopForgetsSessionState(t *testing.T) {
	src := newFakeSource()
	rec := &recorder{}
	relay := NewRelay(src, rec, logger.NewNop())

	var counts []int
	relay.OnCount(func(n int) { counts = append(counts, n) })

	relay.Start()
	src.emit(t, model.EventCombatInvitation, model.Invitation{ID: "inv-1"})
	require.Equal(t, 1, relay.PendingInvitations())

	relay.Stop()
	assert.Equal(t, 0, relay.PendingInvitations())
	assert.Equal(t, []int{1, 0}, counts)

	// The next session sees the same invitation as new.
	relay.Start()
	src.emit(t, model.EventCombatInvitation, model.Invitation{ID: "inv-1"})
	assert.Len(t, rec.all(), 2)
	assert.Equal(t, 1, relay.PendingInvitations())
}

func TestRelay_ResponseResolvesPending(t *testing.T) {
	src := newFakeSource()
	rec := &recorder{}
	relay := NewRelay(src, rec, logger.NewNop())

	var counts []int
	relay.OnCount(func(n int) { counts = append(counts, n) })
	relay.Start()

	src.emit(t, model.EventCombatInvitation, model.Invitation{ID: "inv-1"})
	src.emit(t, model.EventCombatResponse, model.InvitationResponse{
		InvitationID: "inv-1",
		Status:       model.ResponseAccepted,
		Responder:    &model.Participant{ID: "9", DisplayName: "Apollo"},
	})

	toasts := rec.all()
	require.Len(t, toasts, 2)
	assert.Equal(t, LevelSuccess, toasts[1].Level)
	assert.Contains(t, toasts[1].Message, "Apollo accepted")
	assert.Equal(t, 0, relay.PendingInvitations())
	assert.Equal(t, []int{1, 0}, counts)
}

func TestRelay_DeclinedResponse(t *testing.T) {
	src := newFakeSource()
	rec := &recorder{}
	relay := NewRelay(src, rec, logger.NewNop())
	relay.Start()

	src.emit(t, model.EventCombatResponse, model.InvitationResponse{InvitationID: "inv-2", Status: model.ResponseDeclined})

	toasts := rec.all()
	require.Len(t, toasts, 1)
	assert.Equal(t, LevelWarning, toasts[0].Level)
}

func TestRelay_MalformedPayloadIsIgnored(t *testing.T) {
	src := newFakeSource()
	rec := &recorder{}
	relay := NewRelay(src, rec, logger.NewNop())
	relay.Start()

	src.mu.Lock()
	var fns []func(json.RawMessage)
	for _, fn := range src.handlers[model.EventCombatInvitation] {
		fns = append(fns, fn)
	}
	src.mu.Unlock()

	assert.NotPanics(t, func() {
		for _, fn := range fns {
			fn(json.RawMessage(`{"id": 12`))
		}
	})
	assert.Empty(t, rec.all())
	assert.Equal(t, 0, relay.PendingInvitations())
}

func TestRelay_SetPendingAndResolveFloor(t *testing.T) {
	relay := NewRelay(newFakeSource(), &recorder{}, logger.NewNop())

	relay.SetPendingInvitations(2)
	relay.Resolve("a")
	relay.Resolve("b")
	relay.Resolve("c")
	assert.Equal(t, 0, relay.PendingInvitations())

	relay.SetPendingInvitations(-3)
	assert.Equal(t, 0, relay.PendingInvitations())
}
