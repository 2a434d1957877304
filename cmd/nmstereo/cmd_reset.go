/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/friendsincode/nmstereo/internal/broadcaster"
	"github.com/friendsincode/nmstereo/internal/db"
	"github.com/friendsincode/nmstereo/internal/playlist"
)

var resetForce bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Unstick the play queue",
	Long: `Recover a queue left stuck by a crashed broadcaster.

This command will:
- Mark every playing item as played
- Announce every sent item again so a stereo can confirm it

Queued items are left alone. Run it while no broadcaster is running.

Examples:
  # Interactive reset (will prompt for confirmation)
  nmstereo reset

  # Force reset without confirmation
  nmstereo reset --force
`,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVarP(&resetForce, "force", "f", false, "Skip confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	if !resetForce {
		fmt.Println("This marks every playing item played and re-announces every sent item.")
		fmt.Println("Make sure no broadcaster is running.")
		fmt.Print("Type 'yes' to confirm reset: ")
		reader := bufio.NewReader(os.Stdin)
		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}

		response = strings.TrimSpace(strings.ToLower(response))
		if response != "yes" {
			fmt.Println("Reset cancelled.")
			return nil
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	database, err := initDatabase()
	if err != nil {
		return err
	}
	defer db.Close(database)

	session, err := openSession(ctx, natsTransport())
	if err != nil {
		return err
	}
	defer session.Close()

	report, err := broadcaster.Recover(ctx, playlist.NewGormStore(database), broadcaster.NewSessionPublisher(session), time.Now().UTC(), logger)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	logger.Info().
		Int("finished", len(report.Finished)).
		Int("republished", len(report.Republished)).
		Msg("reset complete")
	return nil
}
