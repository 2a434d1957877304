/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package stereo

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/friendsincode/nmstereo/internal/models"
	"github.com/rs/zerolog"
)

// Player starts playback of a track on the local machine.
type Player interface {
	Play(ctx context.Context, track models.Track) error
}

// CommandPlayer runs an external command with the track URI as its last argument.
type CommandPlayer struct {
	name   string
	args   []string
	logger zerolog.Logger
}

// NewCommandPlayer parses command as whitespace separated words.
func NewCommandPlayer(command string, logger zerolog.Logger) (*CommandPlayer, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, fmt.Errorf("player command is empty")
	}
	return &CommandPlayer{
		name:   fields[0],
		args:   fields[1:],
		logger: logger.With().Str("component", "player").Logger(),
	}, nil
}

// Play runs the command and waits for it to exit.
func (p *CommandPlayer) Play(ctx context.Context, track models.Track) error {
	if track.Href == "" {
		return fmt.Errorf("track %q has no uri", track.Name)
	}
	args := append(append([]string(nil), p.args...), track.Href)
	cmd := exec.CommandContext(ctx, p.name, args...)

	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("run %s: %w: %s", p.name, err, strings.TrimSpace(string(out)))
	}
	p.logger.Debug().Str("command", p.name).Str("uri", track.Href).Msg("player command finished")
	return nil
}

// LogPlayer only logs what would be played.
type LogPlayer struct {
	logger zerolog.Logger
}

// NewLogPlayer creates a dry run player.
func NewLogPlayer(logger zerolog.Logger) *LogPlayer {
	return &LogPlayer{logger: logger.With().Str("component", "player").Logger()}
}

// Play logs the track.
func (p *LogPlayer) Play(_ context.Context, track models.Track) error {
	p.logger.Info().
		Str("uri", track.Href).
		Str("track", track.Name).
		Dur("length", track.Duration()).
		Msg("dry run, not playing")
	return nil
}
