package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cassnap-project/cassnap/pkg/config"
)

func TestNew_JSONToStderr(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := New(config.LoggingConfig{Level: "info", Format: "json", Console: true}, &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closer.Close()

	logger.Info().Str("path", "ks/t/f").Msg("uploaded")
	logger.Debug().Msg("hidden")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry["level"] != "info" || entry["message"] != "uploaded" || entry["path"] != "ks/t/f" {
		t.Errorf("unexpected entry: %v", entry)
	}
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(config.LoggingConfig{Level: "debug", Format: "text", Console: true}, &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Debug().Int("attempt", 2).Msg("retrying")

	out := buf.String()
	if strings.HasPrefix(out, "{") {
		t.Errorf("expected console output, got JSON: %s", out)
	}
	if !strings.Contains(out, "retrying") || !strings.Contains(out, "attempt=") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestNew_FileAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "cassnap.log")
	var buf bytes.Buffer
	cfg := config.LoggingConfig{Level: "warn", Format: "text", File: path, Console: false}

	for i := 0; i < 2; i++ {
		logger, closer, err := New(cfg, &buf)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		logger.Warn().Msg("gateway slow")
		logger.Info().Msg("filtered")
		closer.Close()
	}

	if buf.Len() != 0 {
		t.Errorf("console disabled but got output: %s", buf.String())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if n := strings.Count(string(data), "gateway slow"); n != 2 {
		t.Errorf("expected 2 appended records, got %d", n)
	}
	if strings.Contains(string(data), "filtered") {
		t.Error("info record should be filtered at warn level")
	}
}

func TestNew_BadLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := New(config.LoggingConfig{Level: "chatty", Format: "json", Console: true}, &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Debug().Msg("no")
	logger.Info().Msg("yes")
	if strings.Contains(buf.String(), `"no"`) || !strings.Contains(buf.String(), `"yes"`) {
		t.Errorf("unexpected output: %s", buf.String())
	}
}
