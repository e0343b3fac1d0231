// Package notify carries ambient, auto-dismissing user notifications and the
// relay that raises them for session-wide realtime events.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"go-sparchat/pkg/logger"
	"go-sparchat/pkg/metrics"
)

// Level is the severity of a toast.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// DefaultTTL is how long a toast stays visible when none is given.
const DefaultTTL = 5 * time.Second

// Toast is one user-visible notification.
type Toast struct {
	ID        string        `json:"id"`
	Level     Level         `json:"level"`
	Title     string        `json:"title"`
	Message   string        `json:"message"`
	Source    string        `json:"source,omitempty"`
	TTL       time.Duration `json:"ttl"`
	CreatedAt time.Time     `json:"created_at"`
}

// Notifier displays toasts.
type Notifier interface {
	Notify(t Toast)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Toast)

func (f NotifierFunc) Notify(t Toast) { f(t) }

// New fills in id, timestamp and TTL.
func New(level Level, title, message string) Toast {
	return Toast{
		ID:        uuid.NewString(),
		Level:     level,
		Title:     title,
		Message:   message,
		TTL:       DefaultTTL,
		CreatedAt: time.Now(),
	}
}

// LogNotifier writes toasts to the structured log.
type LogNotifier struct {
	logger *logger.Logger
}

func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.OrGlobal(log).Named("toast")}
}

func (n *LogNotifier) Notify(t Toast) {
	metrics.NotificationsTotal.WithLabelValues(string(t.Level)).Inc()
	fields := []zap.Field{
		zap.String("toast_id", t.ID),
		zap.String("title", t.Title),
		zap.String("message", t.Message),
		zap.String("source", t.Source),
	}
	switch t.Level {
	case LevelError:
		n.logger.Error("notification", fields...)
	case LevelWarning:
		n.logger.Warn("notification", fields...)
	default:
		n.logger.Info("notification", fields...)
	}
}

// Fanout delivers each toast to every sink.
type Fanout []Notifier

func (f Fanout) Notify(t Toast) {
	for _, n := range f {
		if n != nil {
			n.Notify(t)
		}
	}
}

// Tray holds the currently visible toasts and dismisses each after its TTL.
type Tray struct {
	mu       sync.Mutex
	visible  []Toast
	timers   map[string]*time.Timer
	onChange func([]Toast)
}

func NewTray() *Tray {
	return &Tray{timers: make(map[string]*time.Timer)}
}

// OnChange registers a callback invoked with the visible toasts after every change.
func (tr *Tray) OnChange(fn func([]Toast)) {
	tr.mu.Lock()
	tr.onChange = fn
	tr.mu.Unlock()
}

func (tr *Tray) Notify(t Toast) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.TTL <= 0 {
		t.TTL = DefaultTTL
	}

	tr.mu.Lock()
	tr.visible = append(tr.visible, t)
	id := t.ID
	tr.timers[id] = time.AfterFunc(t.TTL, func() { tr.Dismiss(id) })
	snapshot, fn := tr.snapshotLocked()
	tr.mu.Unlock()

	if fn != nil {
		fn(snapshot)
	}
}

// Dismiss removes a toast early. Unknown ids are ignored.
func (tr *Tray) Dismiss(id string) {
	tr.mu.Lock()
	if timer, ok := tr.timers[id]; ok {
		timer.Stop()
		delete(tr.timers, id)
	}
	removed := false
	for i, t := range tr.visible {
		if t.ID == id {
			tr.visible = append(tr.visible[:i], tr.visible[i+1:]...)
			removed = true
			break
		}
	}
	snapshot, fn := tr.snapshotLocked()
	tr.mu.Unlock()

	if removed && fn != nil {
		fn(snapshot)
	}
}

// Visible returns the toasts currently shown, oldest first.
func (tr *Tray) Visible() []Toast {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]Toast, len(tr.visible))
	copy(out, tr.visible)
	return out
}

func (tr *Tray) snapshotLocked() ([]Toast, func([]Toast)) {
	out := make([]Toast, len(tr.visible))
	copy(out, tr.visible)
	return out, tr.onChange
}
