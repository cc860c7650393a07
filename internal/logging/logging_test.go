package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/xilian/equipment-stream/internal/config"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(config.LogConfig{Level: "loud"}); err == nil {
		t.Error("Expected error for unknown level")
	}
}

func TestNewWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream.log")

	logger, err := New(config.LogConfig{Level: "debug", File: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	logger.Info("hello")
	_ = logger.Sync()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Expected log file: %v", err)
	}
	if info.Size() == 0 {
		t.Error("Expected log file to contain the entry")
	}
}
