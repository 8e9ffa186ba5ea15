package browser

import "context"

// Handle is the port implemented by browser automation adapters. One Handle
// drives a single page and is not safe for concurrent interaction streams.
type Handle interface {
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	// FindAll returns matching elements, or an empty slice when nothing
	// matches. Errors are reserved for a broken handle.
	FindAll(ctx context.Context, q Query) ([]Element, error)
	// Type inserts text into el, or into the focused element when el is nil.
	Type(ctx context.Context, el Element, text string) error
	PressKey(ctx context.Context, key Key, modifiers ...KeyModifier) error
	Click(ctx context.Context, el Element) error
	// RunScript evaluates a JavaScript function expression with args.
	RunScript(ctx context.Context, src string, args ...any) (any, error)
	// RunAsyncScript is RunScript but awaits a returned Promise.
	RunAsyncScript(ctx context.Context, src string, args ...any) (any, error)
	Cookies(ctx context.Context) ([]Cookie, error)
	AddCookie(ctx context.Context, c Cookie) error
	Screenshot(ctx context.Context) ([]byte, error)
	IsResponsive(ctx context.Context) bool
	Close() error
}

// Element is a located DOM element owned by its Handle.
type Element interface {
	// Text returns the rendered (innerText) text.
	Text(ctx context.Context) (string, error)
	// HTML returns the outerHTML.
	HTML(ctx context.Context) (string, error)
	Clear(ctx context.Context) error
	Visible(ctx context.Context) (bool, error)
}

// Launcher constructs handles, either by starting a browser or by attaching
// to one that exposes a remote debugging endpoint.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Handle, error)
	Attach(ctx context.Context, address string) (Handle, error)
}

// First returns the first element matching q, or nil.
func First(ctx context.Context, h Handle, q Query) Element {
	els, err := h.FindAll(ctx, q)
	if err != nil || len(els) == 0 {
		return nil
	}
	return els[0]
}

// Last returns the last element matching q, or nil.
func Last(ctx context.Context, h Handle, q Query) Element {
	els, err := h.FindAll(ctx, q)
	if err != nil || len(els) == 0 {
		return nil
	}
	return els[len(els)-1]
}

// FirstVisible returns the first displayed element matching q, or nil.
func FirstVisible(ctx context.Context, h Handle, q Query) Element {
	els, err := h.FindAll(ctx, q)
	if err != nil {
		return nil
	}
	for _, el := range els {
		if ok, err := el.Visible(ctx); err == nil && ok {
			return el
		}
	}
	return nil
}

// Count returns the number of elements matching q, treating errors as zero.
func Count(ctx context.Context, h Handle, q Query) int {
	els, err := h.FindAll(ctx, q)
	if err != nil {
		return 0
	}
	return len(els)
}
