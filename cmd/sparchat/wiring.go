package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"go-sparchat/internal/chat"
	"go-sparchat/internal/config"
	"go-sparchat/internal/db"
	"go-sparchat/internal/notify"
	"go-sparchat/internal/session"
	"go-sparchat/pkg/logger"
)

// openStorage returns the configured credential backend and its closer.
func openStorage(ctx context.Context, cfg config.StorageConfig) (session.Storage, func(), error) {
	switch cfg.Backend {
	case config.StorageMemory:
		return session.NewMemoryStorage(), func() {}, nil
	case config.StorageRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, err
		}
		return session.NewRedisStorage(client, cfg.Namespace), func() { client.Close() }, nil
	case config.StorageSQLite, config.StoragePostgres:
		driver := db.DriverSQLite
		if cfg.Backend == config.StoragePostgres {
			driver = db.DriverPostgres
		}
		database, err := db.NewDatabase(driver, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		storage, err := session.NewSQLStorage(ctx, database, cfg.Namespace)
		if err != nil {
			database.Close()
			return nil, nil, err
		}
		return storage, func() { database.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// buildNotifier fans toasts out to the log, the terminal tray and, when
// configured, NATS. The caller decides how the tray is shown.
func buildNotifier(cfg config.NotifyConfig, log *logger.Logger) (notify.Notifier, *notify.Tray, func()) {
	tray := notify.NewTray()
	sinks := notify.Fanout{notify.NewLogNotifier(log), tray}
	if cfg.NATSURL == "" {
		return sinks, tray, func() {}
	}
	nc, err := notify.ConnectNATS(cfg.NATSURL, log)
	if err != nil {
		log.Warn("nats unavailable, toasts stay local", zap.Error(err))
		return sinks, tray, func() {}
	}
	sinks = append(sinks, notify.NewNATSSink(nc, cfg.Subject, log))
	return sinks, tray, func() { nc.Drain() }
}

// printNewToasts returns a tray callback that prints each toast once.
func printNewToasts() func([]notify.Toast) {
	var mu sync.Mutex
	shown := make(map[string]bool)
	return func(visible []notify.Toast) {
		mu.Lock()
		defer mu.Unlock()
		for _, t := range visible {
			if !shown[t.ID] {
				shown[t.ID] = true
				fmt.Printf("[%s] %s: %s\n", t.Level, t.Title, t.Message)
			}
		}
	}
}

// renderer prints each message once and the typing line when it changes.
type renderer struct {
	out    io.Writer
	mu     sync.Mutex
	seen   map[string]bool
	typing string
	state  chat.State
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out, seen: make(map[string]bool)}
}

func (r *renderer) render(v chat.View) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if v.State != r.state {
		r.state = v.State
		if v.State == chat.StateReady && v.HistoryErr != nil {
			fmt.Fprintf(r.out, "! history unavailable: %v\n", v.HistoryErr)
		}
	}
	for _, m := range v.Messages {
		key := m.ID
		if m.Provisional || key == "" {
			key = "local:" + m.ClientID
		}
		if r.seen[key] {
			continue
		}
		r.seen[key] = true
		if m.ClientID != "" && r.seen["local:"+m.ClientID] {
			// Echo of a line already shown as sending.
			continue
		}
		mark := ""
		if m.Provisional {
			mark = " (sending)"
		}
		fmt.Fprintf(r.out, "%s %s: %s%s\n", m.CreatedAt.Format("15:04"), m.SenderUsername, m.Body, mark)
	}

	typing := ""
	if v.Typing != nil {
		typing = v.Typing.Username
	}
	if typing != r.typing {
		r.typing = typing
		if typing != "" {
			fmt.Fprintf(r.out, "  %s is typing...\n", typing)
		}
	}
}
