package realtime

import (
	"context"

	"go.uber.org/zap"

	"go-sparchat/internal/session"
)

// Session is the part of the session store the channel follows.
type Session interface {
	Authenticated() bool
	Subscribe(fn func(session.AuthEvent)) (unsubscribe func())
}

// Bind makes the channel follow the session: connect when it becomes
// authenticated, disconnect when it is terminated, and retry a rejected
// handshake once the access token rotates. The returned function unbinds.
func (c *Channel) Bind(s Session) (unbind func()) {
	unsubscribe := s.Subscribe(func(ev session.AuthEvent) {
		switch {
		case !ev.Authenticated:
			c.logger.Debug("session ended, disconnecting", zap.String("reason", ev.Reason))
			c.Disconnect()
		case ev.TokenRotated:
			if c.needsRetry() {
				go c.Connect(context.Background())
			}
		default:
			go c.Connect(context.Background())
		}
	})

	if s.Authenticated() {
		go c.Connect(context.Background())
	}
	return unsubscribe
}

// needsRetry reports whether a rotated token should trigger a new handshake.
func (c *Channel) needsRetry() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.want {
		return false
	}
	if c.blocked != "" {
		return c.creds.AccessToken() != c.blocked
	}
	return c.state == StateErrored || c.state == StateDisconnected
}
