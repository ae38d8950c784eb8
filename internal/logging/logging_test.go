package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestPrettyHandlerRendersMessageAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.UseColor = false
	h := NewPrettyHandler(&buf, &opts)

	logger := slog.New(h).With("torrent", "abc123")
	logger.Info("piece completed", "index", 4)

	out := buf.String()
	if !strings.Contains(out, "piece completed") {
		t.Fatalf("output missing message: %q", out)
	}
	if !strings.Contains(out, `"torrent":"abc123"`) {
		t.Fatalf("output missing bound attr: %q", out)
	}
	if !strings.Contains(out, `"index":4`) {
		t.Fatalf("output missing record attr: %q", out)
	}
}

func TestEnabledRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.Level = slog.LevelWarn
	h := NewPrettyHandler(&buf, &opts)

	logger := slog.New(h)
	logger.Info("should be dropped")
	logger.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should be dropped") {
		t.Fatalf("info message should have been filtered: %q", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Fatalf("warn message missing: %q", out)
	}
}
