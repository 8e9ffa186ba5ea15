package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Operator is a human who can finish a login the machine could not.
type Operator interface {
	// WaitForOperator returns nil once the operator reports they are done,
	// or an error when no confirmation can arrive (for example ctx is done).
	WaitForOperator(ctx context.Context, prompt string) error
}

// LineSource hands out input lines one at a time. A read abandoned through
// ctx must leave the pending line for the next caller.
type LineSource interface {
	ReadLine(ctx context.Context) (string, error)
}

// TerminalOperator prints a banner and waits for Enter on Lines, which it
// shares with any other reader of the same terminal.
type TerminalOperator struct {
	Lines LineSource
	Out   io.Writer
}

func (o TerminalOperator) WaitForOperator(ctx context.Context, prompt string) error {
	if o.Out != nil {
		bar := strings.Repeat("=", 60)
		fmt.Fprintf(o.Out, "\n%s\n%s\nPress Enter when done.\n%s\n", bar, prompt, bar)
	}
	if o.Lines == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	_, err := o.Lines.ReadLine(ctx)
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("operator input closed: %w", err)
	}
	return err
}

// BlockingOperator never confirms; waits end only when the page changes or
// ctx is done. It serves non-interactive callers such as the HTTP service.
type BlockingOperator struct{}

func (BlockingOperator) WaitForOperator(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

// OperatorFunc adapts a function to Operator.
type OperatorFunc func(ctx context.Context, prompt string) error

func (f OperatorFunc) WaitForOperator(ctx context.Context, prompt string) error {
	return f(ctx, prompt)
}
