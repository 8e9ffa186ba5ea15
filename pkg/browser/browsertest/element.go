package browsertest

import (
	"context"
	"sync"

	"github.com/odvcencio/sparkbridge/pkg/browser"
)

// Element is a scripted DOM element.
type Element struct {
	Label string

	mu      sync.Mutex
	text    string
	html    string
	hidden  bool
	value   string
	onClick func()
	clears  int
	textErr error
}

var _ browser.Element = (*Element)(nil)

// NewElement returns a visible element identified by label in recordings.
func NewElement(label string) *Element {
	return &Element{Label: label}
}

// WithText sets the innerText.
func (e *Element) WithText(text string) *Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.text = text
	return e
}

// WithHTML sets the outerHTML.
func (e *Element) WithHTML(html string) *Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.html = html
	return e
}

// Hidden marks the element as not displayed.
func (e *Element) Hidden() *Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hidden = true
	return e
}

// OnClick runs fn whenever the element is clicked.
func (e *Element) OnClick(fn func()) *Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onClick = fn
	return e
}

// FailText makes Text return err.
func (e *Element) FailText(err error) *Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.textErr = err
	return e
}

// Value returns the text typed into the element since the last Clear.
func (e *Element) Value() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value
}

// Clears returns how many times Clear was called.
func (e *Element) Clears() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clears
}

func (e *Element) Text(context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.textErr != nil {
		return "", e.textErr
	}
	return e.text, nil
}

func (e *Element) HTML(context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.html, nil
}

func (e *Element) Clear(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value = ""
	e.clears++
	return nil
}

func (e *Element) Visible(context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.hidden, nil
}

func (e *Element) appendValue(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value += text
}

func (e *Element) click() {
	e.mu.Lock()
	fn := e.onClick
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
}
