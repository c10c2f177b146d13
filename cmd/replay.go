package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/wolfwarden/wolfwarden/pkg/eventlog"
	"github.com/wolfwarden/wolfwarden/pkg/projector"
)

// ReplayCommand creates the replay command
func ReplayCommand() *cli.Command {
	return &cli.Command{
		Name:  "replay",
		Usage: "Rebuild materialized state by replaying the event log",
		Action: func(ctx context.Context, c *cli.Command) error {
			return replayLog(ctx, c.String("config"))
		},
	}
}

// replayLog folds the full event log into a fresh materialized state. Safe
// to run offline; the daemon performs the same catch-up at startup.
func replayLog(ctx context.Context, configPath string) error {
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

	if err := projector.New(store).Rebuild(ctx, eventLog); err != nil {
		return fmt.Errorf("rebuilding state: %w", err)
	}

	watermark, err := store.LastSeq(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Materialized state rebuilt, watermark at sequence %d\n", watermark)
	return nil
}
