package chat

import (
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"go-sparchat/internal/model"
)

type typingState struct {
	// local is true between the "typing" edge and the matching "stopped".
	local      bool
	quietTimer *time.Timer
	localGen   uint64

	remote      *model.TypingSignal
	remoteTimer *time.Timer
	remoteGen   uint64
}

// InputChanged reports the composer contents. The first keystroke of a burst
// emits "typing"; "stopped" follows after the quiet interval, or at once
// when the input is cleared.
func (c *Controller) InputChanged(text string) {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}

	if strings.TrimSpace(text) == "" {
		stop := c.stopLocalTypingLocked()
		c.mu.Unlock()
		stop()
		return
	}

	start := !c.typing.local
	c.typing.local = true
	c.typing.localGen++
	gen, epoch, room := c.typing.localGen, c.epoch, c.room
	if c.typing.quietTimer != nil {
		c.typing.quietTimer.Stop()
	}
	c.typing.quietTimer = time.AfterFunc(c.opts.TypingQuiet, func() { c.typingQuiet(epoch, gen) })
	c.mu.Unlock()

	if start {
		c.emitTyping(room, true)
	}
}

func (c *Controller) typingQuiet(epoch, gen uint64) {
	c.mu.Lock()
	if epoch != c.epoch || gen != c.typing.localGen {
		c.mu.Unlock()
		return
	}
	stop := c.stopLocalTypingLocked()
	c.mu.Unlock()
	stop()
}

// stopLocalTypingLocked ends a typing burst. The returned function sends the
// "stopped" edge and must run without c.mu held.
func (c *Controller) stopLocalTypingLocked() func() {
	if c.typing.quietTimer != nil {
		c.typing.quietTimer.Stop()
		c.typing.quietTimer = nil
	}
	c.typing.localGen++
	if !c.typing.local {
		return func() {}
	}
	c.typing.local = false
	room := c.room
	return func() { c.emitTyping(room, false) }
}

func (c *Controller) emitTyping(room string, typing bool) {
	if room == "" {
		return
	}
	if err := c.transport.Emit(c.proto.typing, model.TypingPayload{RoomID: room, IsTyping: typing}); err != nil {
		c.logger.Debug("typing signal not sent", zap.Bool("typing", typing), zap.Error(err))
	}
}

func (c *Controller) handleTyping(epoch uint64) func(json.RawMessage) {
	return func(data json.RawMessage) {
		var sig model.TypingSignal
		if err := json.Unmarshal(data, &sig); err != nil {
			return
		}

		c.mu.Lock()
		if epoch != c.epoch || sig.RoomID != c.room || c.isSelfLocked(sig.UserID) {
			c.mu.Unlock()
			return
		}
		if sig.IsTyping {
			c.typing.remote = &sig
			c.typing.remoteGen++
			gen := c.typing.remoteGen
			if c.typing.remoteTimer != nil {
				c.typing.remoteTimer.Stop()
			}
			c.typing.remoteTimer = time.AfterFunc(c.opts.TypingExpiry, func() { c.expireRemoteTyping(epoch, gen) })
		} else {
			c.clearRemoteTypingLocked()
		}
		c.mu.Unlock()

		c.changed()
	}
}

func (c *Controller) expireRemoteTyping(epoch, gen uint64) {
	c.mu.Lock()
	if epoch != c.epoch || gen != c.typing.remoteGen || c.typing.remote == nil {
		c.mu.Unlock()
		return
	}
	c.clearRemoteTypingLocked()
	c.mu.Unlock()
	c.changed()
}

func (c *Controller) clearRemoteTypingLocked() {
	if c.typing.remoteTimer != nil {
		c.typing.remoteTimer.Stop()
		c.typing.remoteTimer = nil
	}
	c.typing.remoteGen++
	c.typing.remote = nil
}

func (c *Controller) isSelfLocked(userID string) bool {
	if c.identity == nil {
		return false
	}
	id := c.identity.Identity()
	return id != nil && id.ID == userID
}
