package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/odvcencio/sparkbridge/pkg/terminal"
)

// Version information - set via ldflags during build
var (
	version   = "0.1.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// streams are the process standard streams; tests substitute buffers.
type streams struct {
	in  io.Reader
	out io.Writer
	err io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], streams{in: os.Stdin, out: os.Stdout, err: os.Stderr}))
}

func run(ctx context.Context, args []string, std streams) int {
	err := dispatch(ctx, args, std)
	if err == nil {
		return exitOK
	}
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	terminal.NewWithOutput(std.err, terminal.Options{}).Error("%s", describeError(err))
	return exitCodeForError(err)
}

func dispatch(ctx context.Context, args []string, std streams) error {
	if len(args) > 0 {
		switch args[0] {
		case "serve":
			return runServe(ctx, args[1:], std)
		case "browser":
			return runBrowser(ctx, args[1:], std)
		case "history":
			return runHistory(ctx, args[1:], std)
		case "version", "--version":
			fmt.Fprintf(std.out, "sparkbridge %s (commit %s, built %s)\n", version, commit, buildDate)
			return nil
		case "help", "-h", "--help":
			printHelp(std.out)
			return nil
		}
	}
	return runSend(ctx, args, std)
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `sparkbridge - send messages to the Spark AI chat from the command line

Usage:
  sparkbridge [flags] [message...]      send a message (stdin or interactive when omitted)
  sparkbridge serve [--host H] [--port P] [--force]
  sparkbridge browser launch [--port P] start Chrome with remote debugging
  sparkbridge browser attach            attach to that Chrome and report its thread
  sparkbridge history [--limit N]       list recent exchanges
  sparkbridge version

Run 'sparkbridge help' for the send flags.

Exit codes: 0 ok, 1 runtime error, 2 usage or config, 3 authentication,
4 timeout, 5 response extraction.
`)
}

func printHelp(w io.Writer) {
	printUsage(w)
	fs, _ := newSendFlagSet(w)
	fmt.Fprintln(w, "\nSend flags:")
	fs.PrintDefaults()
}
