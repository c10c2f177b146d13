package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/urfave/cli/v3"

	"github.com/wolfwarden/wolfwarden/pkg/eventlog"
	"github.com/wolfwarden/wolfwarden/pkg/projector"
)

// StatsCommand creates the stats command
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show event log and state statistics",
		Action: func(ctx context.Context, c *cli.Command) error {
			return showStats(ctx, c.String("config"))
		},
	}
}

// showStats displays log and materialized state statistics
func showStats(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	eventLog, err := eventlog.Open(filepath.Join(cfg.StorageDir, "events.db"))
	if err != nil {
		return fmt.Errorf("opening event log: %w", err)
	}
	defer func() {
		if err := eventLog.Close(); err != nil {
			fmt.Printf("Warning: failed to close event log: %v\n", err)
		}
	}()

	store, err := projector.OpenStore(filepath.Join(cfg.StorageDir, "state.db"))
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Printf("Warning: failed to close state store: %v\n", err)
		}
	}()

	logStats, err := eventLog.Stats(ctx)
	if err != nil {
		return fmt.Errorf("reading log stats: %w", err)
	}

	rows, err := store.CountRows(ctx)
	if err != nil {
		return fmt.Errorf("counting state rows: %w", err)
	}

	watermark, err := store.LastSeq(ctx)
	if err != nil {
		return fmt.Errorf("reading projection watermark: %w", err)
	}

	formatStats(logStats, rows, watermark)
	return nil
}

// formatStats formats statistics for display
func formatStats(logStats eventlog.Stats, rows map[string]int64, watermark uint64) {
	fmt.Printf("📊 Event Log Statistics\n")
	fmt.Printf("═══════════════════════\n\n")

	fmt.Printf("Total events: %s\n", formatNumber(logStats.TotalEvents))
	fmt.Printf("Sequence range: %d .. %d\n", logStats.Oldest, logStats.Tail)
	fmt.Printf("Projection watermark: %d", watermark)
	if watermark < logStats.Tail {
		fmt.Printf(" (behind by %d)", logStats.Tail-watermark)
	}
	fmt.Printf("\n\n")

	if len(logStats.ByKind) > 0 {
		fmt.Printf("Events by kind:\n")
		kinds := make([]string, 0, len(logStats.ByKind))
		for kind := range logStats.ByKind {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)
		for _, kind := range kinds {
			fmt.Printf("  %-22s %s\n", kind, formatNumber(logStats.ByKind[kind]))
		}
		fmt.Printf("\n")
	}

	fmt.Printf("Materialized state:\n")
	tables := make([]string, 0, len(rows))
	for table := range rows {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	for _, table := range tables {
		fmt.Printf("  %-22s %d\n", table, rows[table])
	}
}

// formatNumber formats a count with K/M suffixes for readability
func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	} else if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%.1fM", float64(n)/1000000)
}
