// Package terminal renders CLI output: the chat response on stdout and
// styled status lines on stderr. Styling is dropped when the destination is
// not a terminal so piped output stays byte-exact.
package terminal

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// Writer provides styled terminal output with optional markdown rendering.
type Writer struct {
	out      io.Writer
	tty      bool
	renderer *glamour.TermRenderer
	mu       sync.Mutex

	errorStyle   lipgloss.Style
	warnStyle    lipgloss.Style
	successStyle lipgloss.Style
	infoStyle    lipgloss.Style
	dimStyle     lipgloss.Style
	promptStyle  lipgloss.Style
}

// Options tunes a Writer.
type Options struct {
	// Markdown renders responses through glamour when out is a terminal.
	Markdown bool
}

// New creates a Writer on stdout.
func New(opts Options) *Writer {
	return NewWithOutput(os.Stdout, opts)
}

// NewWithOutput creates a Writer on out.
func NewWithOutput(out io.Writer, opts Options) *Writer {
	tty := IsTerminal(out)
	lr := lipgloss.NewRenderer(out)
	if !tty || termenv.EnvNoColor() {
		lr.SetColorProfile(termenv.Ascii)
	}

	w := &Writer{
		out: out,
		tty: tty,

		errorStyle: lr.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#D00000", Dark: "#FF5555"}).
			Bold(true),
		warnStyle: lr.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#B8860B", Dark: "#FFAA00"}),
		successStyle: lr.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#008000", Dark: "#55FF55"}),
		infoStyle: lr.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#0066CC", Dark: "#5599FF"}),
		dimStyle: lr.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#666666", Dark: "#888888"}),
		promptStyle: lr.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#0066CC", Dark: "#5599FF"}).
			Bold(true),
	}

	if opts.Markdown && tty && !termenv.EnvNoColor() {
		w.renderer, _ = glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(min(TerminalWidth(out), 100)),
		)
	}
	return w
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w any) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(f.Fd()))
}

// TerminalWidth returns the width of w, defaulting to 80.
func TerminalWidth(w any) int {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return 80
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return 80
	}
	return width
}

// Response writes a chat response. Piped output gets the text verbatim.
func (w *Writer) Response(text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.renderer == nil {
		_, err := fmt.Fprintln(w.out, text)
		return err
	}
	rendered, err := w.renderer.Render(text)
	if err != nil {
		fmt.Fprintln(w.out, text)
		return err
	}
	_, err = fmt.Fprint(w.out, rendered)
	return err
}

// Error prints an error message in red.
func (w *Writer) Error(format string, args ...any) {
	w.line(w.errorStyle, "error: "+fmt.Sprintf(format, args...))
}

// Warn prints a warning message in yellow.
func (w *Writer) Warn(format string, args ...any) {
	w.line(w.warnStyle, "warning: "+fmt.Sprintf(format, args...))
}

func (w *Writer) Success(format string, args ...any) {
	w.line(w.successStyle, "✓ "+fmt.Sprintf(format, args...))
}

func (w *Writer) Info(format string, args ...any) {
	w.line(w.infoStyle, fmt.Sprintf(format, args...))
}

// Dim prints secondary text.
func (w *Writer) Dim(format string, args ...any) {
	w.line(w.dimStyle, fmt.Sprintf(format, args...))
}

// Thread reports the conversation id so it can be passed back with --chat-id.
func (w *Writer) Thread(id string) {
	if strings.TrimSpace(id) == "" {
		return
	}
	w.line(w.dimStyle, "thread: "+id)
}

// Prompt prints the interactive input marker without a newline.
func (w *Writer) Prompt() {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprint(w.out, w.promptStyle.Render(">")+" ")
}

// Table prints aligned rows under a header.
func (w *Writer) Table(header []string, rows [][]string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			widths[i] = max(widths[i], len(row[i]))
		}
	}
	format := func(cells []string) string {
		parts := make([]string, len(widths))
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			parts[i] = cell + strings.Repeat(" ", widths[i]-len(cell))
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}
	fmt.Fprintln(w.out, w.dimStyle.Render(format(header)))
	for _, row := range rows {
		fmt.Fprintln(w.out, format(row))
	}
}

func (w *Writer) line(style lipgloss.Style, msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintln(w.out, style.Render(msg))
}
