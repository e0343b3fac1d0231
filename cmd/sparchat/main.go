// Command sparchat is a terminal chat client: it restores or creates a
// session, keeps the realtime channel and invitation relay running, and
// opens one conversation or combat room.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"go-sparchat/internal/chat"
	"go-sparchat/internal/config"
	"go-sparchat/internal/gateway"
	"go-sparchat/internal/model"
	"go-sparchat/internal/notify"
	"go-sparchat/internal/realtime"
	"go-sparchat/internal/session"
	"go-sparchat/pkg/logger"
)

func main() {
	username := flag.String("user", "", "username to log in with when no session is stored")
	password := flag.String("password", "", "password for -user")
	room := flag.String("room", "", "conversation or combat id to open")
	combat := flag.Bool("combat", false, "treat -room as a combat room")
	with := flag.String("with", "", "user id to open a conversation with")
	search := flag.String("search", "", "search users by name and exit")
	plain := flag.Bool("plain", false, "line-oriented output instead of the full-screen view")
	logout := flag.Bool("logout", false, "clear the stored session and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Global().Fatal("failed to load config", zap.Error(err))
	}
	log, err := newLogger(cfg)
	if err != nil {
		logger.Global().Fatal("failed to build logger", zap.Error(err))
	}
	logger.SetGlobal(log)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storage, closeStorage, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		log.Fatal("failed to open session storage", zap.String("backend", cfg.Storage.Backend), zap.Error(err))
	}
	defer closeStorage()

	store := session.NewStore(storage, log)
	if err := store.Load(ctx); err != nil {
		log.Warn("stored session discarded", zap.Error(err))
	}
	if *logout {
		store.Terminate(ctx, "logout")
		fmt.Println("logged out")
		return
	}

	gw := gateway.New(cfg.Client.APIURL, store, log)
	if !store.Authenticated() {
		if *username == "" {
			log.Fatal("no stored session; pass -user and -password")
		}
		if _, err := gw.Login(ctx, *username, *password); err != nil {
			log.Fatal("login failed", zap.String("username", *username), zap.Error(err))
		}
	}
	if id := store.Identity(); id != nil {
		log = log.WithSession(id.ID, id.DisplayName)
	}

	if *search != "" {
		searchUsers(ctx, gw, *search)
		return
	}
	if *with != "" {
		id, err := gw.StartConversation(ctx, *with)
		if err != nil {
			log.Fatal("could not open conversation", zap.String("with", *with), zap.Error(err))
		}
		*room, *combat = id, false
	}

	toasts, tray, closeNotifier := buildNotifier(cfg.Notify, log)
	defer closeNotifier()

	channel := realtime.New(store, log, realtime.Options{
		URL:                 cfg.Client.WSURL,
		Notifier:            toasts,
		Refresher:           gw,
		SendRate:            cfg.Client.SendRate,
		SendBurst:           cfg.Client.SendBurst,
		ReconnectMaxElapsed: cfg.Client.ReconnectMaxElapsed,
	})
	unbind := channel.Bind(store)
	defer func() {
		unbind()
		channel.Disconnect()
	}()

	relay := notify.NewRelay(channel, toasts, log, notify.WithToastTTL(cfg.Notify.ToastTTL))
	ended := make(chan struct{})
	var endOnce sync.Once
	unsubscribe := store.Subscribe(func(ev session.AuthEvent) {
		if ev.Authenticated {
			relay.Start()
			return
		}
		relay.Stop()
		endOnce.Do(func() { close(ended) })
	})
	defer unsubscribe()
	if store.Authenticated() {
		relay.Start()
	}
	defer relay.Stop()

	if *room == "" {
		tray.OnChange(printNewToasts())
		relay.OnInvitation(printInvitation)
		listConversations(ctx, gw)
		select {
		case <-ctx.Done():
		case <-ended:
		}
		return
	}

	kind := chat.Conversation
	if *combat {
		kind = chat.Combat
	}
	ctrl := chat.New(channel, gw, store, log, chat.Options{
		Kind:         kind,
		TypingQuiet:  cfg.Client.TypingQuiet,
		TypingExpiry: cfg.Client.TypingExpiry,
		Provisional:  cfg.Client.Provisional,
		Notifier:     toasts,
	})
	defer ctrl.Close()
	commands := func(ctx context.Context, line string) (string, bool, bool) {
		return runCommand(ctx, line, store, gw, relay)
	}

	if *plain {
		tray.OnChange(printNewToasts())
		relay.OnInvitation(printInvitation)
		relay.OnCount(func(n int) { fmt.Printf("* %d pending invitation(s)\n", n) })
		ctrl.OnChange(newRenderer(os.Stdout).render)
		ctrl.Enter(ctx, *room)
		runPlain(ctx, ctrl, ended, commands)
		return
	}

	p := tea.NewProgram(newRoomModel(ctx, ctrl, *room, commands), tea.WithAltScreen(), tea.WithContext(ctx))
	ctrl.OnChange(func(v chat.View) { p.Send(viewMsg(v)) })
	tray.OnChange(func(visible []notify.Toast) { p.Send(toastsMsg(visible)) })
	relay.OnCount(func(n int) { p.Send(pendingMsg(n)) })
	relay.OnInvitation(func(inv model.Invitation) {
		p.Send(statusMsg(fmt.Sprintf("invitation %s: /accept %s or /decline %s", inv.ID, inv.ID, inv.ID)))
	})
	go func() {
		select {
		case <-ended:
			p.Send(sessionEndedMsg{})
		case <-ctx.Done():
		}
	}()
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		log.Error("terminal view failed", zap.Error(err))
	}
}

func runPlain(ctx context.Context, ctrl *chat.Controller, ended <-chan struct{},
	commands func(context.Context, string) (string, bool, bool)) {
	lines := make(chan string)
	go readInput(os.Stdin, lines)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ended:
			fmt.Println("session ended")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if status, handled, quit := commands(ctx, line); handled {
				if status != "" {
					fmt.Println("* " + status)
				}
				if quit {
					return
				}
				continue
			}
			ctrl.InputChanged(line)
			if err := ctrl.Send(line); err != nil {
				fmt.Printf("! not sent: %v\n", err)
			}
		}
	}
}

// runCommand executes a slash command. handled is false for chat text.
func runCommand(ctx context.Context, line string, store *session.Store, gw *gateway.Client, relay *notify.Relay) (status string, handled, quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", false, false
	}
	switch fields[0] {
	case "/quit":
		return "", true, true
	case "/logout":
		store.Terminate(ctx, "logout")
		return "logged out", true, true
	case "/accept", "/decline":
		if len(fields) != 2 {
			return "usage: /accept <invitation id> or /decline <invitation id>", true, false
		}
		status := model.ResponseAccepted
		if fields[0] == "/decline" {
			status = model.ResponseDeclined
		}
		if err := gw.RespondInvitation(ctx, fields[1], status); err != nil {
			return err.Error(), true, false
		}
		relay.Resolve(fields[1])
		return "invitation " + status, true, false
	default:
		return "unknown command " + fields[0], true, false
	}
}

func readInput(f *os.File, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

func printInvitation(inv model.Invitation) {
	fmt.Printf("* answer with /accept %s or /decline %s\n", inv.ID, inv.ID)
}

func searchUsers(ctx context.Context, gw *gateway.Client, query string) {
	users, err := gw.SearchUsers(ctx, query)
	if err != nil {
		fmt.Printf("! search failed: %v\n", err)
		return
	}
	for _, u := range users {
		fmt.Printf("%s  %s\n", u.ID, u.DisplayName)
	}
}

func listConversations(ctx context.Context, gw *gateway.Client) {
	res, err := gw.ListConversations(ctx, model.PageRequest{})
	if err != nil {
		fmt.Printf("! could not load conversations: %v\n", err)
		return
	}
	if len(res.Conversations) == 0 {
		fmt.Println("no conversations yet")
	}
	for _, c := range res.Conversations {
		who := "?"
		if c.OtherParticipant != nil {
			who = c.OtherParticipant.DisplayName
		}
		last := ""
		if c.LastMessage != nil {
			last = c.LastMessage.Body
		}
		fmt.Printf("%s  %-20s %s\n", c.ID, who, last)
	}
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	if cfg.Development() {
		return logger.NewDevelopment()
	}
	return logger.New(cfg.LogLevel)
}
