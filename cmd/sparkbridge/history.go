package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"strconv"
	"time"

	"github.com/odvcencio/sparkbridge/pkg/storage"
	"github.com/odvcencio/sparkbridge/pkg/terminal"
)

func runHistory(ctx context.Context, args []string, std streams) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(std.err)
	configPath := fs.String("config", "", "Path to a config file")
	limit := fs.Int("limit", 20, "Number of exchanges to list")
	asJSON := fs.Bool("json", false, "Print JSON")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return usageError(err)
	}
	if *limit <= 0 {
		return usageError(fmt.Errorf("--limit must be positive"))
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	store, err := storage.New(cfg.StoragePath())
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.RecentExchanges(ctx, *limit)
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(std.out)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	w := terminal.NewWithOutput(std.out, terminal.Options{})
	if len(records) == 0 {
		w.Dim("no exchanges recorded")
		return nil
	}
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		outcome := r.Status
		if r.ErrorCode != "" {
			outcome += " (" + r.ErrorCode + ")"
		}
		rows = append(rows, []string{
			r.StartedAt.Local().Format(time.DateTime),
			r.SessionID,
			r.ThreadID,
			outcome,
			r.Method,
			r.Duration.Round(time.Second).String(),
			strconv.Itoa(r.ResponseChars),
		})
	}
	w.Table([]string{"STARTED", "SESSION", "THREAD", "STATUS", "METHOD", "TOOK", "CHARS"}, rows)
	return nil
}
