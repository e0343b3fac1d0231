// Command loadtest drives pairs of clients against a running devserver: each
// pair registers, opens a conversation and exchanges messages through the
// same gateway, channel and controller stack the terminal client uses.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"go-sparchat/internal/chat"
	"go-sparchat/internal/gateway"
	"go-sparchat/internal/realtime"
	"go-sparchat/internal/session"
	"go-sparchat/pkg/logger"
)

var (
	baseURL   = flag.String("api", "http://localhost:8080", "devserver base URL")
	wsURL     = flag.String("ws", "ws://localhost:8080/ws", "devserver websocket URL")
	pairCount = flag.Int("pairs", 50, "number of user pairs")
	msgCount  = flag.Int("messages", 20, "messages per user")
	timeout   = flag.Duration("timeout", 2*time.Minute, "overall deadline")
)

type stats struct {
	sent       atomic.Int64
	delivered  atomic.Int64
	failed     atomic.Int64
	reconnects atomic.Int64
}

type participant struct {
	store   *session.Store
	gw      *gateway.Client
	channel *realtime.Channel
	id      string
}

func main() {
	flag.Parse()
	log, err := logger.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	log.Info("starting load test", zap.Int("users", *pairCount*2), zap.Int("messages_per_user", *msgCount))
	start := time.Now()
	var st stats
	var wg sync.WaitGroup
	for i := 0; i < *pairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			if err := runPair(ctx, pairID, &st, log); err != nil {
				st.failed.Add(1)
				log.Warn("pair failed", zap.Int("pair", pairID), zap.Error(err))
			}
		}(i)
	}
	wg.Wait()

	log.Info("load test complete",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int64("sent", st.sent.Load()),
		zap.Int64("delivered", st.delivered.Load()),
		zap.Int64("resent_after_reconnect", st.reconnects.Load()),
		zap.Int64("failed_pairs", st.failed.Load()))
}

func runPair(ctx context.Context, pairID int, st *stats, log *logger.Logger) error {
	a, err := connect(ctx, fmt.Sprintf("u_%d_a", pairID), log)
	if err != nil {
		return err
	}
	defer a.channel.Disconnect()
	b, err := connect(ctx, fmt.Sprintf("u_%d_b", pairID), log)
	if err != nil {
		return err
	}
	defer b.channel.Disconnect()

	roomID, err := a.gw.StartConversation(ctx, b.id)
	if err != nil {
		return err
	}

	// Each side expects its own lines echoed plus every line of the peer.
	want := 2 * *msgCount
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, p := range []*participant{a, b} {
		wg.Add(1)
		go func(p *participant) {
			defer wg.Done()
			errs <- chatter(ctx, p, roomID, want, st, log)
		}(p)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func connect(ctx context.Context, username string, log *logger.Logger) (*participant, error) {
	p := &participant{store: session.NewStore(session.NewMemoryStorage(), log)}
	p.gw = gateway.New(*baseURL, p.store, log)

	creds := map[string]string{"username": username, "password": "password123"}
	var apiErr *gateway.APIError
	if err := p.gw.Do(ctx, http.MethodPost, "/register", creds, nil); err != nil &&
		!(errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict) {
		return nil, fmt.Errorf("register %s: %w", username, err)
	}
	res, err := p.gw.Login(ctx, username, "password123")
	if err != nil {
		return nil, fmt.Errorf("login %s: %w", username, err)
	}
	p.id = res.ID

	p.channel = realtime.New(p.store, log, realtime.Options{URL: *wsURL, Refresher: p.gw})
	if err := p.channel.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", username, err)
	}
	return p, nil
}

func chatter(ctx context.Context, p *participant, roomID string, want int, st *stats, log *logger.Logger) error {
	ctrl := chat.New(p.channel, p.gw, p.store, log, chat.Options{Kind: chat.Conversation})
	defer ctrl.Close()

	done := make(chan struct{})
	var once sync.Once
	var got atomic.Int64
	ctrl.OnChange(func(v chat.View) {
		n := int64(len(v.Messages))
		if n > got.Load() {
			st.delivered.Add(n - got.Swap(n))
		}
		if int(n) >= want {
			once.Do(func() { close(done) })
		}
	})
	ctrl.Enter(ctx, roomID)

	// Give the peer time to join before the first line.
	time.Sleep(200 * time.Millisecond)
	for i := 0; i < *msgCount; i++ {
		body := fmt.Sprintf("LoadTest Msg %d from %s", i, p.id)
		err := ctrl.Send(body)
		if errors.Is(err, chat.ErrNotConnected) {
			// The channel reconnects on its own; resend once it is back.
			st.reconnects.Add(1)
			if err = awaitConnected(ctx, p.channel); err == nil {
				err = ctrl.Send(body)
			}
		}
		if err != nil {
			return fmt.Errorf("send %d: %w", i, err)
		}
		st.sent.Add(1)
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("received %d of %d messages: %w", got.Load(), want, ctx.Err())
	}
}

func awaitConnected(ctx context.Context, ch *realtime.Channel) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !ch.Connected() {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
