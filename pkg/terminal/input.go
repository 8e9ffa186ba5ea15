package terminal

import (
	"bufio"
	"context"
	"io"
	"sync"
)

// LineReader reads its input on one goroutine and hands out lines one at a
// time. A ReadLine abandoned through its context leaves the pending line for
// the next caller.
type LineReader struct {
	lines chan string
	stop  chan struct{}
	once  sync.Once
	err   error
}

// NewLineReader starts reading r. Lines longer than 1 MiB end the input.
func NewLineReader(r io.Reader) *LineReader {
	l := &LineReader{lines: make(chan string), stop: make(chan struct{})}
	go l.read(r)
	return l
}

func (l *LineReader) read(r io.Reader) {
	defer close(l.lines)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		select {
		case l.lines <- scanner.Text():
		case <-l.stop:
			l.err = io.EOF
			return
		}
	}
	// Written before close(l.lines), which orders it for readers.
	l.err = scanner.Err()
	if l.err == nil {
		l.err = io.EOF
	}
}

// ReadLine returns the next line without its newline. It returns io.EOF
// once the input is exhausted and ctx.Err() when ctx ends first.
func (l *LineReader) ReadLine(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	select {
	case line, ok := <-l.lines:
		if !ok {
			return "", l.err
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close stops handing out lines. A read already blocked on the input is
// not interrupted.
func (l *LineReader) Close() {
	l.once.Do(func() { close(l.stop) })
}
