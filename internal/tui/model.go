// Package tui renders a running update session with bubbletea.
package tui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/chaz8081/glasslink/internal/update"
)

// Controller is the part of the coordinator the view drives.
type Controller interface {
	Authorize(ok bool)
	Abort()
}

// eventMsg carries a coordinator event.
type eventMsg update.Event

// doneMsg signals the session returned.
type doneMsg struct{ err error }

// Model is the bubbletea model of the update view.
type Model struct {
	ctl    Controller
	events <-chan update.Event
	done   <-chan error
	device string

	event    update.Event
	answered bool
	aborting bool
	finished bool
	err      error

	keys     KeyMap
	help     help.Model
	spinner  spinner.Model
	progress progress.Model
	styles   Styles
}

// NewModel creates the view. events receives coordinator events and done
// the session's result.
func NewModel(ctl Controller, device string, events <-chan update.Event, done <-chan error) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	return Model{
		ctl:    ctl,
		events: events,
		done:   done,
		device: device,
		event:  update.Event{State: update.StateIdle, Battery: -1},
		keys:   DefaultKeyMap(),
		help:   help.New(),
		progress: progress.New(
			progress.WithDefaultGradient(),
			progress.WithWidth(40),
		),
		spinner: s,
		styles:  DefaultStyles(),
	}
}

func waitForEvent(ch <-chan update.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return nil
		}
		return eventMsg(ev)
	}
}

func waitForDone(ch <-chan error) tea.Cmd {
	return func() tea.Msg {
		return doneMsg{err: <-ch}
	}
}

// Init starts listening for events.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.events), waitForDone(m.done), m.spinner.Tick)
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		if msg.State != m.event.State && msg.State == update.StateAwaitingAuthorization {
			m.answered = false
		}
		m.event = update.Event(msg)
		return m, waitForEvent(m.events)

	case doneMsg:
		// Events published before the session returned may still be queued.
	drain:
		for {
			select {
			case ev, ok := <-m.events:
				if !ok {
					break drain
				}
				m.event = ev
			default:
				break drain
			}
		}
		m.finished = true
		m.err = msg.err
		return m, tea.Quit

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.progress.Width = min(max(msg.Width-8, 10), 60)
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Abort):
		if m.finished {
			return m, tea.Quit
		}
		if !m.aborting {
			m.aborting = true
			m.ctl.Abort()
		}
	case m.awaiting() && key.Matches(msg, m.keys.Approve):
		m.answered = true
		m.ctl.Authorize(true)
	case m.awaiting() && key.Matches(msg, m.keys.Deny):
		m.answered = true
		m.ctl.Authorize(false)
	}
	return m, nil
}

func (m Model) awaiting() bool {
	return m.event.State == update.StateAwaitingAuthorization && !m.answered && !m.aborting
}

// Err returns the session result once finished.
func (m Model) Err() error { return m.err }

// View renders the model.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(m.styles.Title.Render("glasslink update"))
	b.WriteString("\n")
	b.WriteString(m.field("Device", m.device))
	if m.event.From != "" {
		b.WriteString(m.field("Version", fmt.Sprintf("%s → %s", m.event.From, m.event.To)))
	}
	if m.event.Battery >= 0 {
		b.WriteString(m.field("Battery", fmt.Sprintf("%d%%", m.event.Battery)))
	}
	b.WriteString("\n")

	switch {
	case m.finished:
		b.WriteString(m.result())
	case m.event.State == update.StateLowBatteryPaused:
		b.WriteString(m.styles.Warning.Render("Battery low, charge the glasses to continue."))
	case m.awaiting():
		b.WriteString(m.styles.Highlight.Render(fmt.Sprintf("Install firmware %s? [y/n]", m.event.To)))
	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" ")
		b.WriteString(m.event.State.String())
		if m.aborting {
			b.WriteString(m.styles.Muted.Render(" (aborting)"))
		}
		b.WriteString("\n")
		b.WriteString(m.progress.ViewAs(float64(m.event.Progress) / 100))
	}
	b.WriteString("\n")

	if !m.finished {
		b.WriteString(m.styles.Help.Render(m.help.View(m.keys)))
	}
	return m.styles.App.Render(b.String())
}

func (m Model) result() string {
	switch {
	case errors.Is(m.err, update.ErrAborted):
		return m.styles.Warning.Render("Update aborted.")
	case errors.Is(m.err, update.ErrUpdateForbidden):
		return m.styles.Muted.Render("Update skipped.")
	case m.err != nil:
		return m.styles.Error.Render("Update failed: " + m.err.Error())
	case m.event.State == update.StateUpToDate:
		return m.styles.Success.Render("Already up to date.")
	default:
		return m.styles.Success.Render("Update complete.")
	}
}

func (m Model) field(label, value string) string {
	return m.styles.Label.Render(label) + m.styles.Value.Render(value) + "\n"
}
