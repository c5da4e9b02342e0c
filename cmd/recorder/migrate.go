package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/pimnotify/internal/journal"
)

func migrateCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Move a legacy settings-file queue into the journal",
		Long: `Convert the change queue an older recorder kept in <name>.ini into the
journal format. The legacy section is removed after a successful
migration. Watch does the same on startup; this command lets you do it
ahead of time or preview it.

Examples:
  pimnotify-recorder migrate --dry-run
  pimnotify-recorder migrate`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := journal.Open(cfg.Recorder.JournalDir, cfg.Recorder.Name, logger)
			if err != nil {
				return fmt.Errorf("opening journal: %w", err)
			}
			defer func() { _ = j.Close() }()

			out := cmd.OutOrStdout()
			if dryRun {
				msgs, err := journal.ReadLegacy(j.LegacyPath())
				if errors.Is(err, journal.ErrNoLegacyData) {
					fmt.Fprintln(out, "No legacy queue found")
					return nil
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Would migrate %d changes from %s\n", len(msgs), j.LegacyPath())
				for i, msg := range msgs {
					fmt.Fprintf(out, "%4d  %s\n", i+1, msg)
				}
				return nil
			}

			c, err := j.Load()
			if err != nil {
				return err
			}
			logger.Info("journal ready",
				zap.String("path", j.Path()),
				zap.Int("pending", len(c.Messages)),
			)
			fmt.Fprintf(out, "Journal %s holds %d pending changes\n", j.Path(), len(c.Messages))
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be migrated")
	return cmd
}
