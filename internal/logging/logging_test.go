package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestSetupWithWriterLevels(t *testing.T) {
	var buf bytes.Buffer

	logger := SetupWithWriter("production", &buf)
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info level in production, got %s", logger.GetLevel())
	}
	logger.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug line leaked in production: %q", buf.String())
	}

	dev := SetupWithWriter("development", &buf)
	if dev.GetLevel() != zerolog.DebugLevel {
		t.Fatalf("expected debug level in development, got %s", dev.GetLevel())
	}
}

func TestComponentTagsLines(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(zerolog.New(&buf), "broadcaster")
	logger.Info().Msg("started")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["component"] != "broadcaster" {
		t.Fatalf("missing component field: %v", line)
	}
}
