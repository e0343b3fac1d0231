package notify

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"go-sparchat/internal/model"
	"go-sparchat/pkg/logger"
)

// DefaultDedupeWindow is how long an invitation id suppresses repeat toasts.
const DefaultDedupeWindow = 2 * time.Minute

// EventSource is the subscribe side of the realtime channel.
type EventSource interface {
	On(event string, fn func(data json.RawMessage)) (off func())
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithDedupeWindow overrides DefaultDedupeWindow.
func WithDedupeWindow(d time.Duration) RelayOption {
	return func(r *Relay) { r.window = d }
}

// WithToastTTL sets the TTL of every toast the relay raises.
func WithToastTTL(d time.Duration) RelayOption {
	return func(r *Relay) { r.ttl = d }
}

// Relay turns session-wide invitation traffic into toasts and keeps the
// pending-invitation badge count. One relay per authenticated session.
type Relay struct {
	src      EventSource
	notifier Notifier
	logger   *logger.Logger
	window   time.Duration
	ttl      time.Duration
	now      func() time.Time

	mu       sync.Mutex
	offs     []func()
	started  bool
	seen     map[string]time.Time
	pending  map[string]struct{}
	count    int
	onCount  func(int)
	onInvite func(model.Invitation)
}

func NewRelay(src EventSource, notifier Notifier, log *logger.Logger, opts ...RelayOption) *Relay {
	r := &Relay{
		src:      src,
		notifier: notifier,
		logger:   logger.OrGlobal(log).Named("relay"),
		window:   DefaultDedupeWindow,
		ttl:      DefaultTTL,
		now:      time.Now,
		seen:     make(map[string]time.Time),
		pending:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start subscribes to invitation events. Calling it again while started is a no-op.
func (r *Relay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.offs = []func(){
		r.src.On(model.EventCombatInvitation, r.handleInvitation),
		r.src.On(model.EventNewCombatInvitation, r.handleInvitation),
		r.src.On(model.EventCombatResponse, r.handleResponse),
	}
	r.logger.Debug("relay started")
}

// Stop removes the subscriptions and forgets the session's badge count and
// seen invitations. Safe to call when not started.
func (r *Relay) Stop() {
	r.mu.Lock()
	offs := r.offs
	r.offs = nil
	wasStarted := r.started
	r.started = false
	hadCount := r.count != 0
	r.count = 0
	r.seen = make(map[string]time.Time)
	r.pending = make(map[string]struct{})
	onCount := r.onCount
	r.mu.Unlock()

	for _, off := range offs {
		off()
	}
	if hadCount && onCount != nil {
		onCount(0)
	}
	if wasStarted {
		r.logger.Debug("relay stopped")
	}
}

// Running reports whether the relay is subscribed.
func (r *Relay) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// OnCount registers the badge callback, invoked with the pending count after every change.
func (r *Relay) OnCount(fn func(int)) {
	r.mu.Lock()
	r.onCount = fn
	r.mu.Unlock()
}

// OnInvitation registers a callback for every invitation that survives deduplication.
func (r *Relay) OnInvitation(fn func(model.Invitation)) {
	r.mu.Lock()
	r.onInvite = fn
	r.mu.Unlock()
}

// PendingInvitations returns the badge count.
func (r *Relay) PendingInvitations() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// SetPendingInvitations seeds the count, typically from a REST listing.
func (r *Relay) SetPendingInvitations(n int) {
	if n < 0 {
		n = 0
	}
	r.mu.Lock()
	r.count = n
	fn := r.onCount
	r.mu.Unlock()

	if fn != nil {
		fn(n)
	}
}

// Resolve marks an invitation as answered and decrements the count.
func (r *Relay) Resolve(invitationID string) {
	r.mu.Lock()
	delete(r.pending, invitationID)
	changed := r.count > 0
	if changed {
		r.count--
	}
	n, fn := r.count, r.onCount
	r.mu.Unlock()

	if changed && fn != nil {
		fn(n)
	}
}

func (r *Relay) handleInvitation(data json.RawMessage) {
	var inv model.Invitation
	if err := json.Unmarshal(data, &inv); err != nil {
		r.logger.Warn("dropping malformed invitation", zap.Error(err))
		return
	}

	key := inv.ID
	if key == "" {
		key = inv.CombatID
	}

	r.mu.Lock()
	if key != "" && r.seenLocked(key) {
		r.mu.Unlock()
		r.logger.Debug("duplicate invitation suppressed", zap.String("invitation_id", key))
		return
	}
	if inv.ID != "" {
		r.pending[inv.ID] = struct{}{}
	}
	r.count++
	n, fn, invited := r.count, r.onCount, r.onInvite
	r.mu.Unlock()

	r.raise(LevelInfo, "New combat invitation", invitationText(inv))
	if invited != nil {
		invited(inv)
	}
	if fn != nil {
		fn(n)
	}
}

func (r *Relay) handleResponse(data json.RawMessage) {
	var resp model.InvitationResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		r.logger.Warn("dropping malformed invitation response", zap.Error(err))
		return
	}

	r.mu.Lock()
	if resp.InvitationID != "" && r.seenLocked("response:"+resp.InvitationID) {
		r.mu.Unlock()
		return
	}
	_, tracked := r.pending[resp.InvitationID]
	r.mu.Unlock()

	if tracked {
		r.Resolve(resp.InvitationID)
	}

	who := "Your opponent"
	if resp.Responder != nil && resp.Responder.DisplayName != "" {
		who = resp.Responder.DisplayName
	}
	switch resp.Status {
	case model.ResponseAccepted:
		r.raise(LevelSuccess, "Invitation accepted", who+" accepted your combat invitation")
	case model.ResponseDeclined:
		r.raise(LevelWarning, "Invitation declined", who+" declined your combat invitation")
	default:
		r.raise(LevelInfo, "Invitation updated", fmt.Sprintf("%s answered your invitation: %s", who, resp.Status))
	}
}

// seenLocked records key and reports whether it was already seen inside the window.
func (r *Relay) seenLocked(key string) bool {
	now := r.now()
	for k, at := range r.seen {
		if now.Sub(at) > r.window {
			delete(r.seen, k)
		}
	}
	if _, ok := r.seen[key]; ok {
		return true
	}
	r.seen[key] = now
	return false
}

func (r *Relay) raise(level Level, title, message string) {
	t := New(level, title, message)
	t.Source = "relay"
	t.TTL = r.ttl
	r.notifier.Notify(t)
}

func invitationText(inv model.Invitation) string {
	from := "Someone"
	if inv.From != nil && inv.From.DisplayName != "" {
		from = inv.From.DisplayName
	}
	text := from + " invited you to a combat"
	if inv.Date != nil {
		text += " on " + inv.Date.Format("Jan 2 15:04")
	}
	if inv.Location != "" {
		text += " at " + inv.Location
	}
	return text
}
