package terminal

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/muesli/termenv"

	"github.com/odvcencio/sparkbridge/pkg/telemetry"
)

// SpinnerFrames are the default spinner animation frames.
var SpinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner animates a status line while a call is in flight. It draws nothing
// when out is not a terminal.
type Spinner struct {
	out      io.Writer
	enabled  bool
	interval time.Duration
	style    lipgloss.Style

	mu      sync.Mutex
	message string
	current int
	held    bool
	started time.Time
	done    chan struct{}
	stopped chan struct{}
}

// NewSpinner creates a spinner on out.
func NewSpinner(out io.Writer, message string) *Spinner {
	lr := lipgloss.NewRenderer(out)
	tty := IsTerminal(out)
	if !tty || termenv.EnvNoColor() {
		lr.SetColorProfile(termenv.Ascii)
	}
	return &Spinner{
		out:      out,
		enabled:  tty,
		interval: 80 * time.Millisecond,
		message:  message,
		style: lr.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#0066CC", Dark: "#5599FF"}),
	}
}

// SetMessage updates the spinner message.
func (s *Spinner) SetMessage(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.message = message
}

func (s *Spinner) Message() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.message
}

// Hold clears the line and pauses drawing so another writer can prompt.
func (s *Spinner) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.held && s.enabled && s.done != nil {
		fmt.Fprint(s.out, "\r\033[K")
	}
	s.held = true
}

// Resume restarts drawing after Hold.
func (s *Spinner) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held = false
}

// Start begins the animation. Calling Start twice is a no-op.
func (s *Spinner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	s.started = time.Now()
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})
	if !s.enabled {
		close(s.stopped)
		return
	}
	go s.run(s.done, s.stopped)
}

func (s *Spinner) run(done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.draw()
		}
	}
}

func (s *Spinner) draw() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held {
		return
	}
	frame := SpinnerFrames[s.current%len(SpinnerFrames)]
	s.current++
	elapsed := time.Since(s.started).Round(time.Second)
	line := fmt.Sprintf("%s (%s)", s.message, elapsed)
	room := TerminalWidth(s.out) - 3
	fmt.Fprintf(s.out, "\r\033[K%s %s", s.style.Render(frame), runewidth.Truncate(line, room, "…"))
}

// Elapsed returns the time since the spinner started.
func (s *Spinner) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.IsZero() {
		return 0
	}
	return time.Since(s.started)
}

// Stop ends the animation and clears the line. It is safe to call more than once.
func (s *Spinner) Stop() {
	s.mu.Lock()
	done, stopped := s.done, s.stopped
	if done == nil {
		s.mu.Unlock()
		return
	}
	select {
	case <-done:
		s.mu.Unlock()
		return
	default:
		close(done)
	}
	s.mu.Unlock()

	<-stopped
	if s.enabled {
		fmt.Fprint(s.out, "\r\033[K")
	}
}

// Follow updates the spinner from call progress events until ctx ends.
func (s *Spinner) Follow(ctx context.Context, hub *telemetry.Hub) {
	if hub == nil {
		return
	}
	ch, unsubscribe := hub.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			s.apply(event)
		}
	}
}

func (s *Spinner) apply(event telemetry.Event) {
	switch event.Type {
	case telemetry.EventSessionRetry:
		s.SetMessage("Starting browser (retrying)")
	case telemetry.EventSessionCreated:
		s.SetMessage("Signing in")
	case telemetry.EventAuthManualWait:
		s.Hold()
	case telemetry.EventAuthTransition:
		switch to, _ := event.Data["to"].(string); to {
		case "authenticated", "failed":
			s.Resume()
		}
	case telemetry.EventExchangeStarted:
		s.SetMessage("Waiting for response")
	case telemetry.EventCompletionSignal:
		s.SetMessage("Reading response")
	case telemetry.EventExchangeReauthNeed:
		s.SetMessage("Signing in again")
	}
}
