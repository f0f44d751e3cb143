package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewInvalidLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	if err == nil {
		t.Fatal("expected error for invalid level")
	}
}

func TestNewInvalidFormat(t *testing.T) {
	_, err := New(Config{Format: "xml"})
	if err == nil {
		t.Fatal("expected error for invalid format")
	}
}

func TestNewFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.log")

	l, err := New(Config{Level: "debug", Format: "json", OutputPath: path})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	l.Info("process launched")
	l.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"process launched"`) {
		t.Errorf("log file missing entry: %s", data)
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
}
