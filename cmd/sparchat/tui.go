package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"go-sparchat/internal/chat"
	"go-sparchat/internal/notify"
	"go-sparchat/internal/realtime"
)

// Messages posted into the program from controller and relay callbacks.
type (
	viewMsg         chat.View
	toastsMsg       []notify.Toast
	pendingMsg      int
	statusMsg       string
	sessionEndedMsg struct{}
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Italic(true)
	senderStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	toastStyles = map[notify.Level]lipgloss.Style{
		notify.LevelInfo:    lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		notify.LevelSuccess: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		notify.LevelWarning: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		notify.LevelError:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
	connectionStyles = map[realtime.State]lipgloss.Style{
		realtime.StateConnected:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		realtime.StateConnecting:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		realtime.StateErrored:      lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		realtime.StateDisconnected: lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}
)

// roomModel is the bubbletea model of one open room.
type roomModel struct {
	ctx      context.Context
	ctrl     *chat.Controller
	room     string
	commands func(ctx context.Context, line string) (status string, handled, quit bool)

	input    textinput.Model
	viewport viewport.Model
	view     chat.View
	toasts   []notify.Toast
	pending  int
	status   string
}

func newRoomModel(ctx context.Context, ctrl *chat.Controller, room string,
	commands func(ctx context.Context, line string) (string, bool, bool)) *roomModel {
	ti := textinput.New()
	ti.Placeholder = "Type a message... (/accept, /decline, /logout, /quit)"
	ti.CharLimit = 4000
	ti.Width = 70
	ti.Prompt = "> "
	ti.Focus()

	return &roomModel{
		ctx:      ctx,
		ctrl:     ctrl,
		room:     room,
		commands: commands,
		input:    ti,
		viewport: viewport.New(80, 20),
	}
}

func (m *roomModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, func() tea.Msg {
		// Entering publishes views through the program, so it must not
		// run on the event loop.
		m.ctrl.Enter(m.ctx, m.room)
		return nil
	})
}

func (m *roomModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-6, 3)
		m.input.Width = max(msg.Width-4, 20)
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		case tea.KeyEnter:
			return m, m.submit()
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		m.ctrl.InputChanged(m.input.Value())
		return m, cmd

	case viewMsg:
		m.view = chat.View(msg)
		m.refresh()
		return m, nil
	case toastsMsg:
		m.toasts = msg
		return m, nil
	case pendingMsg:
		m.pending = int(msg)
		return m, nil
	case statusMsg:
		m.status = string(msg)
		return m, nil
	case sessionEndedMsg:
		return m, tea.Quit
	}
	return m, nil
}

func (m *roomModel) submit() tea.Cmd {
	line := m.input.Value()
	m.input.Reset()
	if status, handled, quit := m.commands(m.ctx, line); handled {
		m.status = status
		if quit {
			return tea.Quit
		}
		return nil
	}
	if err := m.ctrl.Send(line); err != nil {
		m.status = "not sent: " + err.Error()
		return nil
	}
	m.status = ""
	return nil
}

func (m *roomModel) refresh() {
	var b strings.Builder
	if m.view.HistoryErr != nil {
		b.WriteString(mutedStyle.Render("history unavailable: "+m.view.HistoryErr.Error()) + "\n")
	}
	for _, msg := range m.view.Messages {
		line := fmt.Sprintf("%s %s %s", mutedStyle.Render(msg.CreatedAt.Format("15:04")),
			senderStyle.Render(msg.SenderUsername+":"), msg.Body)
		if msg.Provisional {
			line += mutedStyle.Render(" (sending)")
		}
		b.WriteString(line + "\n")
	}
	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

func (m *roomModel) View() string {
	var b strings.Builder

	conn := connectionStyles[m.view.Connection].Render(string(m.view.Connection))
	header := headerStyle.Render(fmt.Sprintf("%s %s", m.view.Kind, m.room)) + "  " + conn
	if m.view.State == chat.StateLoading {
		header += mutedStyle.Render("  loading history...")
	}
	if m.pending > 0 {
		header += pendingStyle.Render(fmt.Sprintf("  %d pending invitation(s)", m.pending))
	}
	b.WriteString(header + "\n")
	b.WriteString(m.viewport.View() + "\n")

	if m.view.Typing != nil {
		b.WriteString(mutedStyle.Render(m.view.Typing.Username+" is typing...") + "\n")
	} else {
		b.WriteString("\n")
	}
	for _, t := range m.toasts {
		b.WriteString(toastStyles[t.Level].Render(fmt.Sprintf("[%s] %s: %s", t.Level, t.Title, t.Message)) + "\n")
	}
	if m.status != "" {
		b.WriteString(mutedStyle.Render(m.status) + "\n")
	}
	b.WriteString(m.input.View())
	return b.String()
}
