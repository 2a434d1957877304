/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/friendsincode/nmstereo/internal/broker"
	"github.com/friendsincode/nmstereo/internal/models"
)

var (
	requestFrom   string
	requestSource string
)

var requestCmd = &cobra.Command{
	Use:   "request [flags] <text...>",
	Short: "Submit a track request",
	Long: `Publish free text on the decode queue. Every track link found in the text
is queued for playback.

Examples:
  nmstereo request --from alice https://open.spotify.com/track/4uLU6hMCjMI75M1A2tKUQC
  nmstereo request spotify:track:4uLU6hMCjMI75M1A2tKUQC spotify:track:7GhIk7Il098yCjg4BQjzvb`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRequest,
}

func init() {
	requestCmd.Flags().StringVar(&requestFrom, "from", currentUser(), "Who is asking")
	requestCmd.Flags().StringVar(&requestSource, "source", models.SourceCLI, "Request source tag")
	rootCmd.AddCommand(requestCmd)
}

func runRequest(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	req := models.Request{
		ID:     uuid.NewString(),
		Text:   strings.Join(args, " "),
		From:   models.Requester{ScreenName: requestFrom},
		Source: requestSource,
	}

	session, err := openSession(ctx, natsTransport())
	if err != nil {
		return err
	}
	defer session.Close()

	msg, err := broker.JSONMessage(session.Topology().Decode.Subject, req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if err := session.Publish(ctx, msg); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "request %s submitted\n", req.ID)
	return nil
}

// currentUser names the local account, for requests without --from.
func currentUser() string {
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "anonymous"
}
