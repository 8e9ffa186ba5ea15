package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/odvcencio/sparkbridge/pkg/auth"
	"github.com/odvcencio/sparkbridge/pkg/chat"
	"github.com/odvcencio/sparkbridge/pkg/config"
	apperrors "github.com/odvcencio/sparkbridge/pkg/errors"
	"github.com/odvcencio/sparkbridge/pkg/terminal"
)

// buildAppFn allows tests to inject a fake browser launcher.
var buildAppFn = buildApp

func runSend(ctx context.Context, args []string, std streams) error {
	fs, f := newSendFlagSet(std.err)
	fs.Usage = func() { printHelp(std.err) }
	positional, err := f.parse(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return usageError(err)
	}

	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return err
	}
	f.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	stdinTTY := terminal.IsTerminal(std.in)
	var message string
	if !cfg.Browser.AttachOnly {
		message, err = composeMessage(positional, cfg.IO.InputFile, std.in, stdinTTY)
		if err != nil {
			return err
		}
		if message == "" && !stdinTTY {
			return apperrors.InvalidInput("no message provided")
		}
	}

	// The login operator and the interactive prompt share one reader so a
	// wait that ends early does not swallow the next typed line.
	operator := auth.TerminalOperator{Out: std.err}
	var lines *terminal.LineReader
	if stdinTTY {
		lines = terminal.NewLineReader(std.in)
		defer lines.Close()
		operator.Lines = lines
	}
	a, err := buildAppFn(cfg, appDeps{stderr: std.err, operator: operator})
	if err != nil {
		return err
	}
	keepBrowser := cfg.Browser.KeepOpen || cfg.Browser.AttachOnly
	defer func() {
		if keepBrowser {
			_ = a.Detach()
		} else {
			_ = a.Close()
		}
	}()

	out := terminal.NewWithOutput(std.out, terminal.Options{Markdown: f.markdown})
	status := terminal.NewWithOutput(std.err, terminal.Options{})

	if cfg.Browser.AttachOnly {
		info, err := a.client.AttachOnly(ctx, cfg.Browser.ID, cfg.Browser.DebuggerAddress)
		if err != nil {
			return err
		}
		status.Success("attached to %s", info.URL)
		status.Thread(info.ThreadID)
		return nil
	}

	opts := callOptions(cfg)
	if message != "" {
		return sendOnce(ctx, a, cfg, message, opts, out, status, std.err)
	}
	return interactive(ctx, a, cfg, opts, lines, std.err, out, status)
}

// composeMessage joins the message words, appends the input file and falls
// back to piped stdin.
func composeMessage(words []string, inputFile string, stdin io.Reader, stdinTTY bool) (string, error) {
	message := strings.Join(words, " ")
	if strings.TrimSpace(inputFile) != "" {
		data, err := os.ReadFile(inputFile)
		if err != nil {
			return "", withExitCode(fmt.Errorf("read input file: %w", err), exitRuntime)
		}
		if message != "" {
			message += " " + string(data)
		} else {
			message = string(data)
		}
	}
	if strings.TrimSpace(message) == "" && !stdinTTY && stdin != nil {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		message = string(data)
	}
	return strings.TrimSpace(message), nil
}

func sendOnce(ctx context.Context, a *app, cfg *config.Config, message string, opts chat.Options, out, status *terminal.Writer, stderr io.Writer) error {
	res, err := call(ctx, a, cfg.Browser.ID, message, opts, stderr)
	if err != nil {
		return err
	}
	if err := out.Response(res.Response); err != nil {
		return err
	}
	if path := strings.TrimSpace(cfg.IO.OutputFile); path != "" {
		if err := os.WriteFile(path, []byte(res.Response+"\n"), 0o644); err != nil {
			return fmt.Errorf("write output file: %w", err)
		}
	}
	status.Thread(res.ThreadID)
	return nil
}

// call runs one exchange under a spinner that follows its progress.
func call(ctx context.Context, a *app, sessionID, message string, opts chat.Options, stderr io.Writer) (chat.Result, error) {
	spinner := terminal.NewSpinner(stderr, "Starting browser")
	followCtx, stopFollow := context.WithCancel(ctx)
	go spinner.Follow(followCtx, a.hub)
	spinner.Start()
	res, err := a.client.SendAndReceive(ctx, sessionID, message, opts)
	spinner.Stop()
	stopFollow()
	return res, err
}

func interactive(ctx context.Context, a *app, cfg *config.Config, opts chat.Options, lines *terminal.LineReader, stderr io.Writer, out, status *terminal.Writer) error {
	status.Dim("Interactive mode. Type 'exit' or press Ctrl+D to quit.")
	for {
		status.Prompt()
		raw, err := lines.ReadLine(ctx)
		if err != nil {
			fmt.Fprintln(stderr)
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		line := strings.TrimSpace(raw)
		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		res, err := call(ctx, a, cfg.Browser.ID, line, opts, stderr)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			status.Error("%s", describeError(err))
			continue
		}
		if err := out.Response(res.Response); err != nil {
			return err
		}
		status.Thread(res.ThreadID)
		// Later messages continue the conversation the first one opened.
		opts.NewThread = false
		opts.ThreadID = res.ThreadID
	}
}

// describeError renders err for the terminal with any remediation hints.
func describeError(err error) string {
	msg := apperrors.UserMessage(err)
	if appErr, ok := apperrors.As(err); ok && len(appErr.Remediation) > 0 {
		msg += "\n  " + strings.Join(appErr.Remediation, "\n  ")
	}
	return msg
}
