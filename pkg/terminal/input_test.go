package terminal

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

func TestLineReaderKeepsLineAfterAbandonedRead(t *testing.T) {
	pr, pw := io.Pipe()
	l := NewLineReader(pr)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.ReadLine(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ReadLine error = %v, want deadline exceeded", err)
	}

	go func() {
		_, _ = io.WriteString(pw, "hello\nsecond\n")
		_ = pw.Close()
	}()
	for _, want := range []string{"hello", "second"} {
		got, err := l.ReadLine(context.Background())
		if err != nil {
			t.Fatalf("ReadLine: %v", err)
		}
		if got != want {
			t.Fatalf("ReadLine = %q, want %q", got, want)
		}
	}
	if _, err := l.ReadLine(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("ReadLine after input ended = %v, want EOF", err)
	}
}

func TestLineReaderCancelledContext(t *testing.T) {
	l := NewLineReader(io.MultiReader())
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.ReadLine(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("ReadLine error = %v, want canceled", err)
	}
}
