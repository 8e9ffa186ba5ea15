package exchange

import (
	"errors"
	"sync"

	"github.com/atotto/clipboard"
)

//go:generate mockgen -source=clipboard.go -destination=mock_clipboard_test.go -package=exchange

// Clipboard is the operating system clipboard.
type Clipboard interface {
	ReadAll() (string, error)
	WriteAll(text string) error
}

// ErrClipboardUnavailable is returned when no clipboard backend exists, as on
// a display-less host.
var ErrClipboardUnavailable = errors.New("system clipboard unavailable")

// SystemClipboard uses the host clipboard utilities.
type SystemClipboard struct{}

func (SystemClipboard) ReadAll() (string, error) {
	if clipboard.Unsupported {
		return "", ErrClipboardUnavailable
	}
	return clipboard.ReadAll()
}

func (SystemClipboard) WriteAll(text string) error {
	if clipboard.Unsupported {
		return ErrClipboardUnavailable
	}
	return clipboard.WriteAll(text)
}

// The OS clipboard is shared by every session in the process.
var clipboardMu sync.Mutex
