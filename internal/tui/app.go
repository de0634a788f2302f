package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/chaz8081/glasslink/internal/update"
)

// Forward returns a coordinator listener that sends every event to ch. The
// send blocks until the event is received; Run keeps ch drained until the
// session has returned.
func Forward(ch chan<- update.Event) func(update.Event) {
	return func(ev update.Event) { ch <- ev }
}

// Run shows the update view while run executes the session and returns
// run's result.
func Run(ctx context.Context, ctl Controller, device string, events <-chan update.Event, run func(context.Context) error) error {
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()

	p := tea.NewProgram(NewModel(ctl, device, events, done), tea.WithContext(ctx))
	final, err := p.Run()
	if err != nil {
		ctl.Abort()
		settle(events, done)
		return err
	}
	return final.(Model).Err()
}

// settle discards events until the session returns, so a listener blocked
// in Forward after the view has gone cannot wedge it.
func settle(events <-chan update.Event, done <-chan error) error {
	for {
		select {
		case <-events:
		case err := <-done:
			return err
		}
	}
}
