// Package ui renders an active chat session in the terminal.
package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kubilitics/ticketchat/internal/models"
)

// Session is the part of chat.Session the view reads and drives.
type Session interface {
	ConversationID() string
	Participant() models.Participant
	Messages() []models.ConversationMessage
	TypingSummary() string
	Connected() bool
	Sending() bool
	Draft() string
	SetDraft(text string)
	SendMessage(ctx context.Context, text string) (models.ConversationMessage, error)
	AttachFile(ctx context.Context, path string) (models.Attachment, error)
	SetFocused(focused bool)
	UnreadCount() int
	LastError() error
	Updates() <-chan struct{}
}

type Options struct {
	Session Session
	// Context bounds sends and uploads started from the view.
	Context context.Context
}

var (
	headerStyle    = lipgloss.NewStyle().Bold(true)
	onlineStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	offlineStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	selfStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	mutedStyle     = lipgloss.NewStyle().Faint(true)
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	timestampStyle = mutedStyle
)

type model struct {
	opts      Options
	composer  textinput.Model
	pathInput textinput.Model
	attaching bool
	status    string
	err       string
	width     int
	height    int
}

type sessionUpdatedMsg struct{}

type sentMsg struct {
	msg models.ConversationMessage
	err error
}

type attachedMsg struct {
	att models.Attachment
	err error
}

func Run(opts Options) error {
	if opts.Session == nil {
		return fmt.Errorf("session is required")
	}
	m := initialModel(opts)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithReportFocus())
	_, err := p.Run()
	return err
}

func initialModel(opts Options) model {
	if opts.Context == nil {
		opts.Context = context.Background()
	}

	ti := textinput.New()
	ti.Placeholder = "write a message"
	ti.CharLimit = 4000
	ti.Width = 60
	ti.Prompt = "> "
	ti.SetValue(opts.Session.Draft())
	ti.Focus()

	pi := textinput.New()
	pi.Placeholder = "path to file"
	pi.CharLimit = 1024
	pi.Width = 60
	pi.Prompt = "attach: "

	return model{opts: opts, composer: ti, pathInput: pi}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForUpdate(m.opts.Session.Updates()))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.composer.Width = max(msg.Width-4, 10)
		m.pathInput.Width = max(msg.Width-10, 10)
		return m, nil
	case tea.FocusMsg:
		m.opts.Session.SetFocused(true)
		return m, nil
	case tea.BlurMsg:
		m.opts.Session.SetFocused(false)
		return m, nil
	case sessionUpdatedMsg:
		if err := m.opts.Session.LastError(); err != nil {
			m.err = err.Error()
		}
		return m, waitForUpdate(m.opts.Session.Updates())
	case sentMsg:
		if msg.err != nil {
			m.err = msg.err.Error()
			// a rolled-back send restores the composer
			m.composer.SetValue(m.opts.Session.Draft())
			m.composer.CursorEnd()
			return m, nil
		}
		m.err = ""
		return m, nil
	case attachedMsg:
		if msg.err != nil {
			m.err = msg.err.Error()
			return m, nil
		}
		m.err = ""
		m.status = "attached " + msg.att.Filename
		m.composer.SetValue(m.opts.Session.Draft())
		m.composer.CursorEnd()
		return m, nil
	case tea.KeyMsg:
		if m.attaching {
			return m.updateAttachPrompt(msg)
		}
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "ctrl+u":
			m.attaching = true
			m.status = ""
			m.composer.Blur()
			m.pathInput.SetValue("")
			m.pathInput.Focus()
			return m, textinput.Blink
		case "enter":
			text := m.composer.Value()
			if strings.TrimSpace(text) == "" || m.opts.Session.Sending() {
				return m, nil
			}
			// sending is not typing, so the session draft is left alone here
			m.composer.SetValue("")
			m.status = ""
			return m, sendCmd(m.opts.Context, m.opts.Session, text)
		}
		before := m.composer.Value()
		var cmd tea.Cmd
		m.composer, cmd = m.composer.Update(msg)
		if after := m.composer.Value(); after != before {
			m.opts.Session.SetDraft(after)
		}
		return m, cmd
	}
	return m, nil
}

func (m model) updateAttachPrompt(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "esc":
		m.attaching = false
		m.pathInput.Blur()
		m.composer.Focus()
		return m, nil
	case "enter":
		path := strings.TrimSpace(m.pathInput.Value())
		m.attaching = false
		m.pathInput.Blur()
		m.composer.Focus()
		if path == "" {
			return m, nil
		}
		m.status = "uploading " + path
		return m, attachCmd(m.opts.Context, m.opts.Session, path)
	}
	var cmd tea.Cmd
	m.pathInput, cmd = m.pathInput.Update(msg)
	return m, cmd
}

func (m model) View() string {
	s := m.opts.Session
	b := strings.Builder{}

	conn := offlineStyle.Render("○ offline")
	if s.Connected() {
		conn = onlineStyle.Render("● live")
	}
	b.WriteString(headerStyle.Render("Ticket " + s.ConversationID()))
	b.WriteString("  " + conn)
	if n := s.UnreadCount(); n > 0 {
		b.WriteString(mutedStyle.Render(fmt.Sprintf("  (%d unread)", n)))
	}
	b.WriteString("\n\n")

	lines := make([]string, 0)
	for _, msg := range s.Messages() {
		lines = append(lines, renderMessage(msg))
	}
	if len(lines) == 0 {
		lines = append(lines, mutedStyle.Render("No messages yet."))
	}
	// keep the newest lines that fit above the composer
	if m.height > 0 {
		room := m.height - 7
		if room < 1 {
			room = 1
		}
		if len(lines) > room {
			lines = lines[len(lines)-room:]
		}
	}
	b.WriteString(strings.Join(lines, "\n"))
	b.WriteString("\n\n")

	if typing := s.TypingSummary(); typing != "" {
		b.WriteString(mutedStyle.Render(typing))
	}
	b.WriteString("\n")
	if m.err != "" {
		b.WriteString(errorStyle.Render("error: " + m.err))
	} else if m.status != "" {
		b.WriteString(mutedStyle.Render(m.status))
	}
	b.WriteString("\n")

	if m.attaching {
		b.WriteString(m.pathInput.View())
		b.WriteString("\n" + mutedStyle.Render("enter upload  esc cancel"))
	} else {
		b.WriteString(m.composer.View())
		b.WriteString("\n" + mutedStyle.Render("enter send  ctrl+u attach  ctrl+c quit"))
	}
	return b.String()
}

func renderMessage(msg models.ConversationMessage) string {
	ts := timestampStyle.Render(msg.CreatedAt.Local().Format(time.Kitchen))
	name := msg.SenderName
	if name == "" {
		name = msg.SenderID
	}
	if msg.IsLocalOrigin {
		name = selfStyle.Render(name)
	}
	line := fmt.Sprintf("%s %s: %s", ts, name, msg.Content)
	if msg.IsLocalOrigin {
		if glyph := deliveryGlyph(msg.DeliveryState); glyph != "" {
			line += " " + mutedStyle.Render(glyph)
		}
	}
	return line
}

func deliveryGlyph(state models.DeliveryState) string {
	switch state {
	case models.DeliveryPending:
		return "…"
	case models.DeliverySent:
		return "✓"
	case models.DeliveryConfirmed:
		return "✓✓"
	case models.DeliveryFailed:
		return "!"
	default:
		return ""
	}
}

func waitForUpdate(ch <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return nil
		}
		return sessionUpdatedMsg{}
	}
}

func sendCmd(ctx context.Context, s Session, text string) tea.Cmd {
	return func() tea.Msg {
		msg, err := s.SendMessage(ctx, text)
		return sentMsg{msg: msg, err: err}
	}
}

func attachCmd(ctx context.Context, s Session, path string) tea.Cmd {
	return func() tea.Msg {
		att, err := s.AttachFile(ctx, path)
		return attachedMsg{att: att, err: err}
	}
}
