package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"

	"taskboard/internal/config"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board.log")
	logger, closer, err := New(config.Config{LogLevel: "debug", LogFile: path, LogMaxSizeMB: 1})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if logger.GetLevel() != log.DebugLevel {
		t.Fatalf("unexpected level %v", logger.GetLevel())
	}
	logger.WithField("task", "t1").Debug("board.write")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("log line is not JSON: %v: %s", err, data)
	}
	if entry["msg"] != "board.write" || entry["task"] != "t1" || entry["level"] != "debug" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, _, err := New(config.Config{LogLevel: "loud"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNewDefaultsToStderr(t *testing.T) {
	logger, closer, err := New(config.Config{LogLevel: "info"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer closer.Close()
	if logger.Out != os.Stderr {
		t.Fatalf("expected stderr output")
	}
}
